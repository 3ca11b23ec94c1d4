// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eventqueue

import (
	"testing"
	"time"

	"github.com/ClusterCockpit/tailer-agent/internal/model"
	"github.com/stretchr/testify/require"
)

func TestPushAndDrain(t *testing.T) {
	q := New(10)
	require.True(t, q.Push(model.Event{Kind: model.EventModify, SourceDir: "/tmp", ObjectName: "a.log"}))
	require.Equal(t, 1, q.Len())

	items := q.Drain()
	require.Len(t, items, 1)
	require.Equal(t, 0, q.Len())
}

func TestDrainCoalescesIdenticalEvents(t *testing.T) {
	q := New(10)
	ev := model.Event{Kind: model.EventModify, SourceDir: "/tmp", ObjectName: "a.log"}
	require.True(t, q.Push(ev, ev, ev))

	items := q.Drain()
	require.Len(t, items, 1)
}

func TestDrainKeepsDistinctEvents(t *testing.T) {
	q := New(10)
	a := model.Event{Kind: model.EventModify, SourceDir: "/tmp", ObjectName: "a.log"}
	b := model.Event{Kind: model.EventModify, SourceDir: "/tmp", ObjectName: "b.log"}
	require.True(t, q.Push(a, b))

	items := q.Drain()
	require.Len(t, items, 2)
}

func TestPushDropsOnOverflow(t *testing.T) {
	q := New(1)
	require.True(t, q.Push(model.Event{ObjectName: "a"}))

	done := make(chan bool, 1)
	go func() {
		done <- q.Push(model.Event{ObjectName: "b"})
	}()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(15 * time.Second):
		t.Fatal("Push did not return after exhausting retries")
	}
}

func TestDrainWaitTimesOutEmpty(t *testing.T) {
	q := New(10)
	start := time.Now()
	items := q.DrainWait(50 * time.Millisecond)
	require.Nil(t, items)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDrainWaitReturnsOnPush(t *testing.T) {
	q := New(10)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(model.Event{ObjectName: "x"})
	}()

	items := q.DrainWait(2 * time.Second)
	require.Len(t, items, 1)
}
