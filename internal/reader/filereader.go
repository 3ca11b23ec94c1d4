// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package reader implements the per-file read state machine (LogFileReader)
// and the per-config reader registry that routes filesystem events to them.
package reader

import (
	"bytes"
	"hash"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/ClusterCockpit/tailer-agent/internal/alarm"
	"github.com/ClusterCockpit/tailer-agent/internal/model"
	"golang.org/x/crypto/blake2b"
)

// Sink receives completed records parsed from a file. Parsing of the raw
// line into structured contents is out of scope; here a record
// is one logical line, already split on the multiline-begin boundary.
type Sink interface {
	Enqueue(line []byte, fi model.FileIdentity, cur *model.Cursor)
}

// CheckpointLookup is the narrow read interface LogFileReader needs from
// the checkpoint store on creation.
type CheckpointLookup interface {
	Lookup(id model.FileIdentity) (model.FileCheckpoint, bool)
}

const defaultSignatureSize = 1024

// LogFileReader owns one open file descriptor and its read progress. It is
// not internally concurrent: exactly one goroutine drives it at a time,
// whichever is currently handling the event that references it.
type LogFileReader struct {
	Identity model.FileIdentity

	// Cursor, when non-nil, is this file's exactly-once range cursor: every
	// record read from this reader claims its bytes from it. Each reader
	// owns its own cursor, never shared with another file's, so concurrent
	// in-flight ranges of different files stay independent.
	Cursor *model.Cursor

	f      *os.File
	offset int64

	signatureHash   uint64
	signatureLength int

	bufSize     int
	pending     []byte // bytes read but not yet split into complete lines
	beginRegex  *regexp.Regexp
	maxSendSize int64

	// Generation increments on every successful read; FlushTimeout events
	// are stamped with the generation at schedule time and compared here
	// to detect the force-read race.
	Generation uint64

	lastDataTime time.Time
	flushTimeout time.Duration

	closed bool
}

// Options configures a new LogFileReader, mirroring the per-input tunables
// relevant to read behavior.
type Options struct {
	BufferSize     int
	SignatureSize  int
	MaxSendSize    int64
	FlushTimeout   time.Duration
	MultilineBegin string
}

// Open opens path, reads the signature, and resumes from
// checkpoint if one matches; otherwise starts at EOF (or BOF if
// startAtBOF is requested for "begin" ingestion policies).
func Open(id model.FileIdentity, path string, opts Options, ckpt CheckpointLookup, startAtBOF bool) (*LogFileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	sigSize := opts.SignatureSize
	if sigSize <= 0 {
		sigSize = defaultSignatureSize
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 512 * 1024
	}

	r := &LogFileReader{
		Identity:        id,
		f:               f,
		bufSize:         bufSize,
		maxSendSize:     opts.MaxSendSize,
		flushTimeout:    opts.FlushTimeout,
		signatureLength: sigSize,
		lastDataTime:    time.Now(),
	}

	if opts.MultilineBegin != "" {
		re, err := regexp.Compile(opts.MultilineBegin)
		if err != nil {
			return nil, err
		}
		r.beginRegex = re
	}

	sigHash, sigLen, err := computeSignature(f, sigSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.signatureHash = sigHash
	r.signatureLength = sigLen

	if cp, ok := ckpt.Lookup(id); ok {
		if cp.SignatureHash == sigHash && cp.SignatureLength == sigLen {
			r.offset = cp.Offset
		} else {
			alarm.Raise(alarm.KindTruncation, "signature mismatch for %s, resetting offset to 0", path)
			r.offset = 0
		}
	} else if startAtBOF {
		r.offset = 0
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		r.offset = info.Size()
	}

	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	return r, nil
}

func computeSignature(f *os.File, n int) (uint64, int, error) {
	buf := make([]byte, n)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return 0, 0, err
	}
	buf = buf[:read]

	var h hash.Hash64
	h, _ = blake2bHash()
	h.Write(buf)
	return h.Sum64(), read, nil
}

// blake2bHash returns a 64-bit-summable hasher built on blake2b-256,
// truncated to the first 8 bytes.
func blake2bHash() (hash.Hash64, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	return &truncatingHash{h: h}, nil
}

type truncatingHash struct {
	h hash.Hash
}

func (t *truncatingHash) Write(p []byte) (int, error) { return t.h.Write(p) }
func (t *truncatingHash) Sum(b []byte) []byte         { return t.h.Sum(b) }
func (t *truncatingHash) Reset()                      { t.h.Reset() }
func (t *truncatingHash) Size() int                   { return t.h.Size() }
func (t *truncatingHash) BlockSize() int               { return t.h.BlockSize() }
func (t *truncatingHash) Sum64() uint64 {
	sum := t.h.Sum(nil)
	var v uint64
	for i := 0; i < 8 && i < len(sum); i++ {
		v = v<<8 | uint64(sum[i])
	}
	return v
}

// Read performs one step of the per-file read algorithm: read a buffer,
// split into complete lines, push each to sink,
// advance the offset past completed lines only. It returns the number of
// complete lines emitted and whether any bytes were read at all.
//
// If push reports the downstream is not ready (feedback full), the offset
// is rolled back to where it was before this Read call.
func (r *LogFileReader) Read(sink Sink, isReady func() bool) (int, bool, error) {
	if r.closed {
		return 0, false, nil
	}

	buf := make([]byte, r.bufSize)
	n, err := r.f.Read(buf)
	if err != nil && err != io.EOF {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}

	if isReady != nil && !isReady() {
		// Downstream full: do not advance offset, retry next event.
		if _, serr := r.f.Seek(r.offset+int64(len(r.pending)), io.SeekStart); serr != nil {
			return 0, false, serr
		}
		return 0, true, nil
	}

	data := append(r.pending, buf[:n]...)
	lines, rest := r.splitLines(data)

	for _, line := range lines {
		if r.maxSendSize > 0 && int64(len(line)) > r.maxSendSize {
			for i := 0; i < len(line); i += int(r.maxSendSize) {
				end := i + int(r.maxSendSize)
				if end > len(line) {
					end = len(line)
				}
				sink.Enqueue(line[i:end], r.Identity, r.Cursor)
			}
		} else {
			sink.Enqueue(line, r.Identity, r.Cursor)
		}
	}

	consumed := len(data) - len(rest)
	r.offset += int64(consumed)
	r.pending = append([]byte(nil), rest...)
	r.Generation++
	r.lastDataTime = time.Now()

	return len(lines), true, nil
}

// ForceFlush emits the buffered partial record as a complete one and
// advances the offset past it. This is the force-read path: once writes to
// the file stop, no later read will ever terminate the record naturally,
// so after the flush timeout the buffered bytes ship as-is.
func (r *LogFileReader) ForceFlush(sink Sink) {
	if r.closed || len(r.pending) == 0 {
		return
	}

	line := bytes.TrimRight(r.pending, "\n")
	sink.Enqueue(line, r.Identity, r.Cursor)

	r.offset += int64(len(r.pending))
	r.pending = nil
	r.Generation++
	r.lastDataTime = time.Now()
}

// splitLines splits data into complete logical lines using the
// multiline-begin regex if configured (a new match starts a new line,
// everything up to the next match/EOF belongs to the prior line) or a
// plain newline split otherwise. The trailing incomplete line is returned
// as rest and stays buffered.
func (r *LogFileReader) splitLines(data []byte) (lines [][]byte, rest []byte) {
	if r.beginRegex == nil {
		idx := bytes.LastIndexByte(data, '\n')
		if idx < 0 {
			return nil, data
		}
		complete := data[:idx+1]
		rest = data[idx+1:]
		for _, part := range bytes.SplitAfter(complete, []byte("\n")) {
			if len(part) == 0 {
				continue
			}
			lines = append(lines, bytes.TrimRight(part, "\n"))
		}
		return lines, rest
	}

	locs := r.beginRegex.FindAllIndex(data, -1)
	if len(locs) == 0 {
		return nil, data
	}

	for i := 0; i < len(locs); i++ {
		start := locs[i][0]
		var end int
		if i+1 < len(locs) {
			end = locs[i+1][0]
		} else {
			// Last match: its content only becomes a complete line once
			// more data (the next begin-match or EOF-flush) confirms it
			// ended; keep it buffered.
			rest = data[start:]
			break
		}
		lines = append(lines, bytes.TrimRight(data[start:end], "\n"))
	}

	if len(locs) > 0 && locs[0][0] > 0 {
		// Leading bytes before the first begin-match belong to whatever
		// line was already flushed; drop them (can't form a valid record).
	}

	return lines, rest
}

// FlushDue reports whether this reader holds buffered partial-record bytes
// that have waited past the flush timeout and should be force-flushed.
func (r *LogFileReader) FlushDue() bool {
	return len(r.pending) > 0 && r.flushTimeout > 0 && time.Since(r.lastDataTime) >= r.flushTimeout
}

// Offset returns the current read offset.
func (r *LogFileReader) Offset() int64 { return r.offset }

// Signature returns the (hash, length) pair computed at open time.
func (r *LogFileReader) Signature() (uint64, int) { return r.signatureHash, r.signatureLength }

// AtEOF reports whether the underlying file has no more bytes beyond the
// current offset.
func (r *LogFileReader) AtEOF() bool {
	info, err := r.f.Stat()
	if err != nil {
		return true
	}
	return info.Size() <= r.offset
}

// Close releases the file descriptor. Safe to call multiple times.
func (r *LogFileReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}

