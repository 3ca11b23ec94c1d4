// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorExtendGrowsRange(t *testing.T) {
	c := NewCursor(RangeCheckpoint{ReadOffset: 100, ReadLength: 10})
	c.Extend(5)

	rc := c.Snapshot()
	require.Equal(t, int64(100), rc.ReadOffset)
	require.Equal(t, int64(15), rc.ReadLength)
}

func TestCursorSplitClaimsAdjacentRanges(t *testing.T) {
	c := NewCursor(RangeCheckpoint{ReadOffset: 100, ReadLength: 50, HashKey: "h"})

	first := c.Split(20)
	rc := first.Snapshot()
	require.Equal(t, int64(150), rc.ReadOffset)
	require.Equal(t, int64(20), rc.ReadLength)
	require.Equal(t, "h", rc.HashKey)
	require.False(t, rc.Complete)

	// The source range grew past the carved bytes, so the next split
	// starts where the first one ended.
	src := c.Snapshot()
	require.Equal(t, int64(100), src.ReadOffset)
	require.Equal(t, int64(70), src.ReadLength)

	second := c.Split(5)
	require.Equal(t, int64(170), second.Snapshot().ReadOffset)

	// Completing one carved cursor must not leak into the other.
	first.MarkComplete()
	require.False(t, second.Complete())
}

func TestCursorMarkComplete(t *testing.T) {
	c := NewCursor(RangeCheckpoint{ReadLength: 10})
	require.False(t, c.Complete())
	c.MarkComplete()
	require.True(t, c.Complete())
	require.True(t, c.Snapshot().Complete)
}
