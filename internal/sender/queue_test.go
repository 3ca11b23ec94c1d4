// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sender

import (
	"testing"

	"github.com/ClusterCockpit/tailer-agent/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	transitions []bool
}

func (n *fakeNotifier) SetReady(key string, ready bool) {
	n.transitions = append(n.transitions, ready)
}

func TestNormalQueueHysteresis(t *testing.T) {
	n := &fakeNotifier{}
	q := NewNormalQueue("p/l", 3, 2, 1, n)

	require.True(t, q.Push(&model.SendBatch{}))
	require.True(t, q.IsValidToPush())

	require.True(t, q.Push(&model.SendBatch{}))
	require.False(t, q.IsValidToPush(), "depth reached high water, must report invalid")

	b3 := &model.SendBatch{}
	require.True(t, q.Push(b3))
	require.False(t, q.Push(&model.SendBatch{}), "queue at capacity must reject")

	// Complete two batches to drop back to low water.
	b1, ok := q.PopIdle()
	require.True(t, ok)
	q.Complete(b1, model.ResultOk)
	require.False(t, q.IsValidToPush(), "still at 2, one above low water")

	b2, ok := q.PopIdle()
	require.True(t, ok)
	q.Complete(b2, model.ResultOk)
	require.True(t, q.IsValidToPush(), "depth dropped to low water, must report valid again")

	require.Equal(t, []bool{false, true}, n.transitions)
}

func TestNormalQueueRetriesOnTransientFailure(t *testing.T) {
	q := NewNormalQueue("p/l", 2, 2, 1, nil)
	b := &model.SendBatch{}
	require.True(t, q.Push(b))

	popped, ok := q.PopIdle()
	require.True(t, ok)
	q.Complete(popped, model.ResultNetworkFail)

	require.Equal(t, 1, popped.RetryCount)
	require.Equal(t, model.StatusIdle, popped.Status)
	require.Equal(t, 1, q.Len(), "batch stays in the queue for retry")

	again, ok := q.PopIdle()
	require.True(t, ok)
	require.Same(t, b, again)
}

func TestExactlyOnceQueueBindsOneBatchPerSlot(t *testing.T) {
	q := NewExactlyOnceQueue("p/l", 2, nil)

	b1 := &model.SendBatch{Cursor: model.NewCursor(model.RangeCheckpoint{SlotIndex: 0})}
	b2 := &model.SendBatch{Cursor: model.NewCursor(model.RangeCheckpoint{SlotIndex: 1})}
	require.True(t, q.Push(b1))
	require.True(t, q.Push(b2))
	require.Equal(t, 2, q.Len())
	require.True(t, q.IsValidToPush())

	// Both fixed slots are now occupied; a third batch overflows into the
	// extra-buffer list and flips the queue invalid-to-push.
	b3 := &model.SendBatch{}
	require.True(t, q.Push(b3))
	require.False(t, q.IsValidToPush())
	require.Equal(t, 3, q.Len())
}

func TestExactlyOnceQueueCompleteMarksCursorAndFreesSlot(t *testing.T) {
	q := NewExactlyOnceQueue("p/l", 1, nil)
	cur := model.NewCursor(model.RangeCheckpoint{SlotIndex: 0, ReadLength: 10})
	b := &model.SendBatch{Cursor: cur}
	require.True(t, q.Push(b))

	popped, ok := q.PopIdle()
	require.True(t, ok)
	q.Complete(popped, model.ResultOk)

	require.True(t, cur.Complete())
	require.Equal(t, 0, q.Len())
}

func TestExactlyOnceQueuePromotesOverflowOnFree(t *testing.T) {
	n := &fakeNotifier{}
	q := NewExactlyOnceQueue("p/l", 1, n)

	first := &model.SendBatch{}
	second := &model.SendBatch{}
	require.True(t, q.Push(first))
	require.True(t, q.Push(second)) // overflow, queue now invalid
	require.False(t, q.IsValidToPush())

	popped, ok := q.PopIdle()
	require.True(t, ok)
	require.Same(t, first, popped)
	q.Complete(popped, model.ResultOk)

	// second must have been promoted into the freed slot and be poppable.
	require.True(t, q.IsValidToPush())
	next, ok := q.PopIdle()
	require.True(t, ok)
	require.Same(t, second, next)
}

func TestExactlyOnceQueueReplayLandsInRecordedSlot(t *testing.T) {
	q := NewExactlyOnceQueue("p/l", 4, nil)

	// A replayed batch whose cursor was already persisted complete must go
	// into exactly the slot the checkpoint recorded, not a scanned one.
	cur := model.NewCursor(model.RangeCheckpoint{
		HashKey: "h", SequenceID: 7, ReadOffset: 100, ReadLength: 50,
		SlotIndex: 2, Complete: true,
	})
	b := &model.SendBatch{Cursor: cur}
	require.True(t, q.Push(b))

	popped, ok := q.PopIdle()
	require.True(t, ok)
	require.Same(t, b, popped)

	// The recorded slot is occupied: a second replay for it must fail.
	dup := &model.SendBatch{Cursor: model.NewCursor(model.RangeCheckpoint{SlotIndex: 2, Complete: true})}
	require.False(t, q.Push(dup))

	q.Complete(popped, model.ResultOk)
	require.Equal(t, 0, q.Len())

	// Freed now, the same slot accepts a replay again.
	require.True(t, q.Push(dup))
}

func TestExactlyOnceQueueRangesSnapshotSlotIndices(t *testing.T) {
	q := NewExactlyOnceQueue("p/l", 3, nil)
	q.Bind(1, model.NewCursor(model.RangeCheckpoint{Key: "k1", ReadOffset: 10, ReadLength: 5}))

	ranges := q.Ranges()
	require.Len(t, ranges, 1)
	require.Equal(t, 1, ranges[0].SlotIndex)
	require.Equal(t, "p/l#1", ranges[0].Key, "snapshots are keyed by slot, not by the cursor's source key")
	require.Equal(t, int64(10), ranges[0].ReadOffset)
}

func TestExactlyOnceQueueRetainsBatchOnUnauthorized(t *testing.T) {
	q := NewExactlyOnceQueue("p/l", 1, nil)
	b := &model.SendBatch{}
	require.True(t, q.Push(b))

	popped, _ := q.PopIdle()
	q.Complete(popped, model.ResultUnauthorizedFail)

	require.Equal(t, 1, popped.RetryCount)
	require.Equal(t, 1, q.Len(), "batch is retried, not dropped, on auth failure")
}
