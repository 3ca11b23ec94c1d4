// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ship implements the outbound worker pool: payload encoding and
// compression, request signing, the HTTP POST, retry classification and the
// on-disk spill buffer consulted after a restart.
package ship

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ClusterCockpit/tailer-agent/internal/model"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoder serializes LogGroups into the wire payload. The real protocol
// encoder is an out-of-scope external collaborator; JSONEncoder
// stands in for it and is what tests assert against.
type Encoder interface {
	Encode(groups []model.LogGroup) ([]byte, error)
}

// JSONEncoder is the default Encoder.
type JSONEncoder struct{}

func (JSONEncoder) Encode(groups []model.LogGroup) ([]byte, error) {
	return json.Marshal(groups)
}

// compressor applies the per-payload-kind compression: LZ4
// for single-LogGroup batches, zstd for package lists. One shared zstd
// encoder serves all workers; lz4 frame writers are per-call.
type compressor struct {
	zenc *zstd.Encoder
}

func newCompressor() (*compressor, error) {
	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return &compressor{zenc: zenc}, nil
}

func (c *compressor) Compress(kind model.PayloadKind, raw []byte) ([]byte, error) {
	switch kind {
	case model.PayloadPackageList:
		return c.zenc.EncodeAll(raw, nil), nil
	default:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("lz4 write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return buf.Bytes(), nil
	}
}

// contentEncoding names the compression applied, for the request header.
func contentEncoding(kind model.PayloadKind) string {
	if kind == model.PayloadPackageList {
		return "zstd"
	}
	return "lz4"
}
