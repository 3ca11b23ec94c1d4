// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package checkpoint implements the durable store of FileCheckpoints,
// DirectoryCheckpoints and exactly-once RangeCheckpoints that lets the
// agent resume from where it left off across a restart.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ClusterCockpit/tailer-agent/internal/model"
	"github.com/linkedin/goavro/v2"
)

// Snapshot is everything one checkpoint dump carries. It has no mutex of
// its own: the store builds a fresh Snapshot value from its live maps
// before handing it to a Format, so the Format never races the store.
type Snapshot struct {
	Files     []model.FileCheckpoint      `json:"files"`
	Dirs      []model.DirectoryCheckpoint `json:"dirs"`
	Ranges    []model.RangeCheckpoint     `json:"ranges"`
	WrittenAt time.Time                   `json:"written_at"`
}

// Format encodes and decodes a Snapshot to/from a writer/reader. The three
// implementations below (JSON, binary, Avro) are selected by
// GlobalConfig.CheckpointFormat.
type Format interface {
	Encode(w io.Writer, snap Snapshot) error
	Decode(r io.Reader) (Snapshot, error)
	Extension() string
}

// JSONFormat is the default format: human-inspectable, no external schema.
type JSONFormat struct{}

func (JSONFormat) Extension() string { return "json" }

func (JSONFormat) Encode(w io.Writer, snap Snapshot) error {
	bw := bufio.NewWriter(w)
	if err := json.NewEncoder(bw).Encode(snap); err != nil {
		return err
	}
	return bw.Flush()
}

func (JSONFormat) Decode(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	err := json.NewDecoder(bufio.NewReader(r)).Decode(&snap)
	return snap, err
}

// BinaryFormat is a compact length-prefixed encoding for deployments where
// checkpoint files are large enough that JSON decode time matters; it
// carries no schema evolution story, unlike the Avro option below.
type BinaryFormat struct{}

func (BinaryFormat) Extension() string { return "ckpt" }

func (BinaryFormat) Encode(w io.Writer, snap Snapshot) error {
	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.LittleEndian, snap.WrittenAt.Unix()); err != nil {
		return err
	}
	if err := writeJSONSlice(bw, snap.Files); err != nil {
		return err
	}
	if err := writeJSONSlice(bw, snap.Dirs); err != nil {
		return err
	}
	if err := writeJSONSlice(bw, snap.Ranges); err != nil {
		return err
	}
	return bw.Flush()
}

func writeJSONSlice(w io.Writer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readJSONSlice(r io.Reader, v interface{}) error {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}

func (BinaryFormat) Decode(r io.Reader) (Snapshot, error) {
	br := bufio.NewReader(r)
	var snap Snapshot

	var ts int64
	if err := binary.Read(br, binary.LittleEndian, &ts); err != nil {
		return snap, err
	}
	snap.WrittenAt = time.Unix(ts, 0).UTC()

	if err := readJSONSlice(br, &snap.Files); err != nil {
		return snap, fmt.Errorf("decode files: %w", err)
	}
	if err := readJSONSlice(br, &snap.Dirs); err != nil {
		return snap, fmt.Errorf("decode dirs: %w", err)
	}
	if err := readJSONSlice(br, &snap.Ranges); err != nil {
		return snap, fmt.Errorf("decode ranges: %w", err)
	}
	return snap, nil
}

// AvroFormat stores the snapshot as a single-record Avro Object Container
// File, for deployments that want a self-describing, schema-evolvable
// checkpoint format.
type AvroFormat struct{}

func (AvroFormat) Extension() string { return "avro" }

const avroSchema = `{
  "type": "record",
  "name": "CheckpointSnapshot",
  "fields": [
    {"name": "written_at", "type": "long"},
    {"name": "payload", "type": "bytes"}
  ]
}`

func (AvroFormat) Encode(w io.Writer, snap Snapshot) error {
	ocf, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:      w,
		Schema: avroSchema,
	})
	if err != nil {
		return err
	}

	payload, err := json.Marshal(struct {
		Files  []model.FileCheckpoint      `json:"files"`
		Dirs   []model.DirectoryCheckpoint `json:"dirs"`
		Ranges []model.RangeCheckpoint     `json:"ranges"`
	}{snap.Files, snap.Dirs, snap.Ranges})
	if err != nil {
		return err
	}

	return ocf.Append([]interface{}{map[string]interface{}{
		"written_at": snap.WrittenAt.Unix(),
		"payload":    payload,
	}})
}

func (AvroFormat) Decode(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	ocfReader, err := goavro.NewOCFReader(bufio.NewReader(r))
	if err != nil {
		return snap, err
	}

	for ocfReader.Scan() {
		datum, err := ocfReader.Read()
		if err != nil {
			return snap, err
		}
		record, ok := datum.(map[string]interface{})
		if !ok {
			return snap, fmt.Errorf("unexpected avro datum type %T", datum)
		}
		snap.WrittenAt = time.Unix(record["written_at"].(int64), 0).UTC()

		var body struct {
			Files  []model.FileCheckpoint      `json:"files"`
			Dirs   []model.DirectoryCheckpoint `json:"dirs"`
			Ranges []model.RangeCheckpoint     `json:"ranges"`
		}
		if err := json.Unmarshal(record["payload"].([]byte), &body); err != nil {
			return snap, err
		}
		snap.Files, snap.Dirs, snap.Ranges = body.Files, body.Dirs, body.Ranges
	}
	return snap, nil
}

// FormatByName resolves a GlobalConfig.CheckpointFormat value, defaulting
// to JSON for an unrecognized or empty name.
func FormatByName(name string) Format {
	switch name {
	case "binary":
		return BinaryFormat{}
	case "avro":
		return AvroFormat{}
	default:
		return JSONFormat{}
	}
}
