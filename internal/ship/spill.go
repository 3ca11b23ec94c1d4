// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ship

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/tailer-agent/internal/model"
)

// SpillMeta is the length-prefixed payload meta written ahead of each
// spilled payload.
type SpillMeta struct {
	Project      string `json:"project"`
	Logstore     string `json:"logstore"`
	Region       string `json:"region"`
	AliUID       string `json:"aliuid"`
	PayloadKind  int    `json:"payload_kind"`
	ShardHashKey string `json:"shard_hash_key"`
	FeedbackKey  string `json:"feedback_key"`
	RawBytes     int64  `json:"raw_bytes"`
	LineCount    int    `json:"line_count"`
}

// stateMeta is the trailing fixed-size record state: {size,
// encryption-size, encoded-size, timestamp, handled-flag, retry-count}.
// The handled flag lives at a fixed offset from the record end so it can be
// flipped with one in-place write, without rewriting the file.
const (
	stateMetaSize     = 40
	handledFlagOffset = 32 // into the state meta
)

// SpillRecord is one decoded buffer-file entry as returned by Scan.
type SpillRecord struct {
	Meta       SpillMeta
	Payload    []byte
	Timestamp  time.Time
	Handled    bool
	RetryCount int

	// path/stateOffset locate this record's state meta on disk, used by
	// MarkHandled for the in-place flag write.
	path        string
	stateOffset int64
}

// BufferFile is the rotating on-disk spill target the shipper writes
// payloads to after final send failure. Appends go to the live
// file; once it exceeds maxBytes it is rotated to path+".1" (replacing any
// prior rotation) and a fresh live file is started.
type BufferFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	f        *os.File
}

// OpenBufferFile opens (creating if needed) the buffer file at path.
func OpenBufferFile(path string, maxBytes int64) (*BufferFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("buffer file %s: %w", path, err)
	}
	return &BufferFile{path: path, maxBytes: maxBytes, f: f}, nil
}

// Close releases the live file descriptor.
func (b *BufferFile) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

// Append writes one record: length-prefixed meta, length-prefixed payload,
// then the fixed-size state meta with the handled flag cleared.
func (b *BufferFile) Append(meta SpillMeta, payload []byte, retryCount int) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("spill meta: %w", err)
	}

	record := make([]byte, 0, 8+len(metaBytes)+len(payload)+stateMetaSize)
	record = binary.LittleEndian.AppendUint32(record, uint32(len(metaBytes)))
	record = append(record, metaBytes...)
	record = binary.LittleEndian.AppendUint32(record, uint32(len(payload)))
	record = append(record, payload...)

	state := make([]byte, stateMetaSize)
	binary.LittleEndian.PutUint64(state[0:], uint64(len(record)+stateMetaSize)) // size
	binary.LittleEndian.PutUint64(state[8:], 0)                                 // encryption-size, reserved
	binary.LittleEndian.PutUint64(state[16:], uint64(len(payload)))             // encoded-size
	binary.LittleEndian.PutUint64(state[24:], uint64(time.Now().Unix()))
	state[handledFlagOffset] = 0
	binary.LittleEndian.PutUint32(state[36:], uint32(retryCount))
	record = append(record, state...)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.f == nil {
		return errors.New("buffer file closed")
	}

	if err := b.maybeRotateLocked(int64(len(record))); err != nil {
		return err
	}
	if _, err := b.f.Write(record); err != nil {
		return fmt.Errorf("spill append: %w", err)
	}
	return b.f.Sync()
}

// maybeRotateLocked rotates the live file aside once appending would push
// it past maxBytes. Caller holds b.mu.
func (b *BufferFile) maybeRotateLocked(incoming int64) error {
	if b.maxBytes <= 0 {
		return nil
	}
	info, err := b.f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 || info.Size()+incoming <= b.maxBytes {
		return nil
	}

	if err := b.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(b.path, b.path+".1"); err != nil {
		return err
	}
	f, err := os.OpenFile(b.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	b.f = f
	cclog.Infof("ship: rotated buffer file %s (%d bytes)", b.path, info.Size())
	return nil
}

// Scan reads every record in the live file (and a rotated predecessor, if
// present) in order, invoking fn for each. Scanning never mutates the file.
func (b *BufferFile) Scan(fn func(rec SpillRecord) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, path := range []string{b.path + ".1", b.path} {
		if err := scanFile(path, fn); err != nil {
			return err
		}
	}
	return nil
}

func scanFile(path string, fn func(rec SpillRecord) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var offset int64
	for {
		rec, next, err := readRecord(f, offset)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// A truncated trailing record means the process died mid-append;
			// everything before it is intact, so stop without failing.
			cclog.Warnf("ship: buffer file %s truncated at offset %d: %v", path, offset, err)
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
		offset = next
	}
}

func readRecord(f *os.File, offset int64) (SpillRecord, int64, error) {
	var rec SpillRecord

	var lenBuf [4]byte
	if _, err := f.ReadAt(lenBuf[:], offset); err != nil {
		return rec, 0, err
	}
	metaLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))

	metaBytes := make([]byte, metaLen)
	if _, err := f.ReadAt(metaBytes, offset+4); err != nil {
		return rec, 0, err
	}
	if err := json.Unmarshal(metaBytes, &rec.Meta); err != nil {
		return rec, 0, err
	}

	if _, err := f.ReadAt(lenBuf[:], offset+4+metaLen); err != nil {
		return rec, 0, err
	}
	payloadLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))

	rec.Payload = make([]byte, payloadLen)
	if _, err := f.ReadAt(rec.Payload, offset+8+metaLen); err != nil {
		return rec, 0, err
	}

	stateOffset := offset + 8 + metaLen + payloadLen
	state := make([]byte, stateMetaSize)
	if _, err := f.ReadAt(state, stateOffset); err != nil {
		return rec, 0, err
	}

	rec.Timestamp = time.Unix(int64(binary.LittleEndian.Uint64(state[24:])), 0).UTC()
	rec.Handled = state[handledFlagOffset] != 0
	rec.RetryCount = int(binary.LittleEndian.Uint32(state[36:]))
	rec.path = f.Name()
	rec.stateOffset = stateOffset

	return rec, stateOffset + stateMetaSize, nil
}

// MarkHandled flips rec's handled flag in place. It takes no
// lock and opens its own descriptor, so it is safe to call from inside a
// Scan callback.
func (b *BufferFile) MarkHandled(rec SpillRecord) error {
	f, err := os.OpenFile(rec.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt([]byte{1}, rec.stateOffset+handledFlagOffset)
	return err
}

// Batch rebuilds a SendBatch from a spilled record so it can be requeued.
func (rec SpillRecord) Batch() *model.SendBatch {
	return &model.SendBatch{
		Destination: model.Destination{
			Project:  rec.Meta.Project,
			Logstore: rec.Meta.Logstore,
			Region:   rec.Meta.Region,
			AliUID:   rec.Meta.AliUID,
		},
		PayloadKind:  model.PayloadKind(rec.Meta.PayloadKind),
		Compressed:   rec.Payload,
		RawBytes:     rec.Meta.RawBytes,
		LineCount:    rec.Meta.LineCount,
		RetryCount:   rec.RetryCount,
		ShardHashKey: rec.Meta.ShardHashKey,
		FeedbackKey:  rec.Meta.FeedbackKey,
	}
}
