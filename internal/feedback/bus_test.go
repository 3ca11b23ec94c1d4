// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package feedback

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultReadyIsTrue(t *testing.T) {
	b := NewBus()
	require.True(t, b.IsValidToPush("p/l"))
}

func TestSetReadyUpdatesState(t *testing.T) {
	b := NewBus()
	b.SetReady("p/l", false)
	require.False(t, b.IsValidToPush("p/l"))
	b.SetReady("p/l", true)
	require.True(t, b.IsValidToPush("p/l"))
}

func TestSubscribeReceivesTransitionsOnly(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe("p/l")
	defer cancel()

	b.SetReady("p/l", false)
	require.False(t, <-ch)

	// No state change: no second notification should be queued.
	b.SetReady("p/l", false)
	select {
	case v := <-ch:
		t.Fatalf("unexpected notification %v for unchanged state", v)
	default:
	}

	b.SetReady("p/l", true)
	require.True(t, <-ch)
}
