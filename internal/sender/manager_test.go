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

func TestManagerCreatesQueuesOnDemand(t *testing.T) {
	m := NewManager(QueueDefaults{Capacity: 4, HighWater: 3, LowWater: 1}, nil)

	require.True(t, m.IsValidToPush("p/l"), "unknown key means no backpressure yet")
	require.True(t, m.Submit(&model.SendBatch{FeedbackKey: "p/l"}))
	require.Equal(t, 1, m.Len())
}

func TestManagerPopIdleRoundRobinsAcrossQueues(t *testing.T) {
	m := NewManager(QueueDefaults{Capacity: 4, HighWater: 3, LowWater: 1}, nil)

	a1 := &model.SendBatch{FeedbackKey: "a"}
	a2 := &model.SendBatch{FeedbackKey: "a"}
	b1 := &model.SendBatch{FeedbackKey: "b"}
	require.True(t, m.Submit(a1))
	require.True(t, m.Submit(a2))
	require.True(t, m.Submit(b1))

	first, _, ok := m.PopIdle()
	require.True(t, ok)
	second, _, ok := m.PopIdle()
	require.True(t, ok)

	// One batch from each destination before the second batch of "a".
	require.NotEqual(t, first.FeedbackKey, second.FeedbackKey)

	third, q, ok := m.PopIdle()
	require.True(t, ok)
	require.Same(t, a2, third)

	q.Complete(third, model.ResultOk)
	_, _, ok = m.PopIdle()
	require.False(t, ok, "everything else is already in flight")
}

func TestManagerBindExactlyOnceSeedsRecoveredSlots(t *testing.T) {
	m := NewManager(QueueDefaults{Capacity: 4, HighWater: 3, LowWater: 1}, nil)

	m.BindExactlyOnce("p/l", 4, []model.RangeCheckpoint{
		{Key: "p/l#2", SlotIndex: 2, ReadOffset: 100, ReadLength: 50},
	})

	ranges := m.RangeSnapshots()
	require.Len(t, ranges, 1)
	require.Equal(t, 2, ranges[0].SlotIndex)
	require.Equal(t, int64(100), ranges[0].ReadOffset)
}
