// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package checkpoint

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/ClusterCockpit/tailer-agent/internal/model"
	"github.com/stretchr/testify/require"
)

func TestStoreDumpLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	s := New(path, JSONFormat{}, 24*time.Hour)
	s.PutFile(model.FileCheckpoint{
		Path:            "/logs/a.log",
		DevInode:        model.DevInode{Dev: 1, Ino: 42},
		Offset:          1024,
		SignatureHash:   0xdeadbeef,
		SignatureLength: 512,
		LastUpdated:     time.Now(),
		ConfigName:      "cfg1",
	})
	s.PutDir(model.DirectoryCheckpoint{
		Path:        "/logs",
		Children:    map[string]struct{}{"/logs/sub": {}},
		LastUpdated: time.Now(),
	})
	s.PutRange(model.RangeCheckpoint{
		Key: "p/l#0", SlotIndex: 0, HashKey: "h", SequenceID: 7,
		ReadOffset: 100, ReadLength: 50,
	})
	require.NoError(t, s.Dump())

	loaded := New(path, JSONFormat{}, 24*time.Hour)
	require.NoError(t, loaded.Load())

	cp, ok := loaded.FileCheckpoint(model.DevInode{Dev: 1, Ino: 42})
	require.True(t, ok)
	require.Equal(t, int64(1024), cp.Offset)
	require.Equal(t, uint64(0xdeadbeef), cp.SignatureHash)
	require.Equal(t, "cfg1", cp.ConfigName)

	ranges := loaded.Ranges()
	require.Len(t, ranges, 1)
	require.Equal(t, uint64(7), ranges[0].SequenceID)
}

func TestStoreLoadDropsExpiredEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	s := New(path, JSONFormat{}, time.Hour)
	s.PutFile(model.FileCheckpoint{
		Path:        "/logs/old.log",
		DevInode:    model.DevInode{Dev: 1, Ino: 1},
		LastUpdated: time.Now().Add(-2 * time.Hour),
		ConfigName:  "cfg1",
	})
	s.PutFile(model.FileCheckpoint{
		Path:        "/logs/fresh.log",
		DevInode:    model.DevInode{Dev: 1, Ino: 2},
		LastUpdated: time.Now(),
		ConfigName:  "cfg1",
	})
	require.NoError(t, s.Dump())

	loaded := New(path, JSONFormat{}, time.Hour)
	require.NoError(t, loaded.Load())

	_, ok := loaded.FileCheckpoint(model.DevInode{Dev: 1, Ino: 1})
	require.False(t, ok, "entry older than the TTL must be discarded on load")
	_, ok = loaded.FileCheckpoint(model.DevInode{Dev: 1, Ino: 2})
	require.True(t, ok)
}

func TestStoreLookupMatchesConfigName(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "ckpt"), JSONFormat{}, 0)
	di := model.DevInode{Dev: 1, Ino: 9}
	s.PutFile(model.FileCheckpoint{Path: "/logs/a.log", DevInode: di, Offset: 10, ConfigName: "cfg1"})

	_, ok := s.Lookup(model.FileIdentity{DevInode: di, ConfigName: "other"})
	require.False(t, ok, "same inode under a different config is a miss")

	cp, ok := s.Lookup(model.FileIdentity{DevInode: di, ConfigName: "cfg1"})
	require.True(t, ok)
	require.Equal(t, int64(10), cp.Offset)
}

func TestFormatsRoundTrip(t *testing.T) {
	snap := Snapshot{
		WrittenAt: time.Now().Truncate(time.Second),
		Files: []model.FileCheckpoint{{
			Path: "/logs/a.log", DevInode: model.DevInode{Dev: 3, Ino: 5}, Offset: 77, ConfigName: "c",
		}},
		Ranges: []model.RangeCheckpoint{{Key: "k", SlotIndex: 1, ReadOffset: 8, ReadLength: 4}},
	}

	for _, format := range []Format{JSONFormat{}, BinaryFormat{}, AvroFormat{}} {
		t.Run(format.Extension(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, format.Encode(&buf, snap))

			got, err := format.Decode(&buf)
			require.NoError(t, err)
			require.Equal(t, snap.Files, got.Files)
			require.Equal(t, snap.Ranges, got.Ranges)
		})
	}
}
