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

func TestTryAcquireRespectsConcurrencyLimit(t *testing.T) {
	r := NewRegionState(2, 1<<20)
	require.True(t, r.TryAcquire(10))
	require.True(t, r.TryAcquire(10))
	require.False(t, r.TryAcquire(10), "third acquire must fail at the concurrency ceiling")

	r.Release()
	require.True(t, r.TryAcquire(10), "releasing one slot must free capacity")
}

func TestReportFailureReducesConcurrencyLimit(t *testing.T) {
	r := NewRegionState(3, 1<<20)
	r.AddEndpoint(&model.DestinationEndpoint{Address: "a", Healthy: true})

	r.ReportFailure("a")
	require.True(t, r.TryAcquire(1))
	require.True(t, r.TryAcquire(1))
	require.False(t, r.TryAcquire(1), "one continuous error must reduce the limit from 3 to 2")
}

func TestReportSuccessRestoresHealthAndResetsErrors(t *testing.T) {
	r := NewRegionState(2, 1<<20)
	r.AddEndpoint(&model.DestinationEndpoint{Address: "a", Healthy: true})

	r.ReportFailure("a")
	ep, ok := r.PickEndpoint()
	require.True(t, ok)
	require.False(t, ep.Healthy)

	r.ReportSuccess("a")
	ep, ok = r.PickEndpoint()
	require.True(t, ok)
	require.True(t, ep.Healthy)
}

func TestPickEndpointPrefersNonProxyHealthy(t *testing.T) {
	r := NewRegionState(1, 1<<20)
	r.AddEndpoint(&model.DestinationEndpoint{Address: "proxy-a", Healthy: true, Proxy: true})
	r.AddEndpoint(&model.DestinationEndpoint{Address: "direct-a", Healthy: true, Proxy: false})
	r.AddEndpoint(&model.DestinationEndpoint{Address: "direct-b", Healthy: false, Proxy: false})

	ep, ok := r.PickEndpoint()
	require.True(t, ok)
	require.Equal(t, "direct-a", ep.Address)
}

func TestPickEndpointFallsBackToProxyWhenNoDirectHealthy(t *testing.T) {
	r := NewRegionState(1, 1<<20)
	r.AddEndpoint(&model.DestinationEndpoint{Address: "direct-a", Healthy: false, Proxy: false})
	r.AddEndpoint(&model.DestinationEndpoint{Address: "proxy-a", Healthy: true, Proxy: true})

	ep, ok := r.PickEndpoint()
	require.True(t, ok)
	require.Equal(t, "proxy-a", ep.Address)
}

func TestByteRateCapRejectsOversizedBurst(t *testing.T) {
	r := NewRegionState(10, 100) // 100 bytes/sec, burst 100
	require.True(t, r.TryAcquire(50))
	r.Release()
	require.False(t, r.TryAcquire(1000), "a single request far exceeding the burst must be rejected")
}
