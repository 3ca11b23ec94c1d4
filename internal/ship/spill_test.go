// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ship

import (
	"path/filepath"
	"testing"

	"github.com/ClusterCockpit/tailer-agent/internal/model"
	"github.com/stretchr/testify/require"
)

func testMeta(logstore string) SpillMeta {
	return SpillMeta{
		Project:     "p",
		Logstore:    logstore,
		Region:      "r1",
		PayloadKind: int(model.PayloadLz4Compressed),
		FeedbackKey: "p/" + logstore,
		RawBytes:    42,
		LineCount:   3,
	}
}

func TestBufferFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer")
	b, err := OpenBufferFile(path, 1<<20)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Append(testMeta("l1"), []byte("payload-one"), 2))
	require.NoError(t, b.Append(testMeta("l2"), []byte("payload-two"), 0))

	var recs []SpillRecord
	require.NoError(t, b.Scan(func(rec SpillRecord) error {
		recs = append(recs, rec)
		return nil
	}))

	require.Len(t, recs, 2)
	require.Equal(t, "l1", recs[0].Meta.Logstore)
	require.Equal(t, []byte("payload-one"), recs[0].Payload)
	require.Equal(t, 2, recs[0].RetryCount)
	require.False(t, recs[0].Handled)
	require.Equal(t, "l2", recs[1].Meta.Logstore)
}

func TestBufferFileMarkHandledInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer")
	b, err := OpenBufferFile(path, 1<<20)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Append(testMeta("l1"), []byte("one"), 0))
	require.NoError(t, b.Append(testMeta("l2"), []byte("two"), 0))

	require.NoError(t, b.Scan(func(rec SpillRecord) error {
		if rec.Meta.Logstore == "l1" {
			return b.MarkHandled(rec)
		}
		return nil
	}))

	handled := map[string]bool{}
	require.NoError(t, b.Scan(func(rec SpillRecord) error {
		handled[rec.Meta.Logstore] = rec.Handled
		return nil
	}))
	require.True(t, handled["l1"])
	require.False(t, handled["l2"])
}

func TestBufferFileRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer")
	b, err := OpenBufferFile(path, 256)
	require.NoError(t, err)
	defer b.Close()

	payload := make([]byte, 128)
	require.NoError(t, b.Append(testMeta("l1"), payload, 0))
	require.NoError(t, b.Append(testMeta("l2"), payload, 0))

	// Both records must still be visible: one in the rotated file, one in
	// the live file.
	var stores []string
	require.NoError(t, b.Scan(func(rec SpillRecord) error {
		stores = append(stores, rec.Meta.Logstore)
		return nil
	}))
	require.Equal(t, []string{"l1", "l2"}, stores)
}

func TestSpillRecordRebuildsBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer")
	b, err := OpenBufferFile(path, 1<<20)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Append(testMeta("l1"), []byte("compressed"), 4))

	require.NoError(t, b.Scan(func(rec SpillRecord) error {
		batch := rec.Batch()
		require.Equal(t, "p", batch.Destination.Project)
		require.Equal(t, "l1", batch.Destination.Logstore)
		require.Equal(t, "r1", batch.Destination.Region)
		require.Equal(t, []byte("compressed"), batch.Compressed)
		require.Equal(t, 4, batch.RetryCount)
		require.Equal(t, int64(42), batch.RawBytes)
		return nil
	}))
}
