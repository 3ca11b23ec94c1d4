// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sender

import (
	"sort"
	"sync"
	"time"

	"github.com/ClusterCockpit/tailer-agent/internal/model"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"
)

// RegionState tracks endpoint health, concurrency and continuous-error
// backoff for one region.
type RegionState struct {
	mu sync.Mutex

	endpoints map[string]*model.DestinationEndpoint
	order     []string // insertion order; the picker scans a name-sorted copy

	concurrencyLimit int
	maxConcurrency   int
	inFlight         int

	continuousErrors int
	lastRecovery     time.Time

	errBackoff *backoff.Backoff

	// byteRate caps the outbound byte rate of the whole region: one
	// token bucket (golang.org/x/time/rate) shared by every logstore sent
	// through it. There is no per-logstore cap and the cap does not expire.
	byteRate *rate.Limiter
}

// NewRegionState builds a RegionState with the given concurrency ceiling
// and byte-rate cap (bytes/sec, with burst equal to one second's worth).
func NewRegionState(concurrencyLimit int, bytesPerSecond int64) *RegionState {
	return &RegionState{
		endpoints:        make(map[string]*model.DestinationEndpoint),
		concurrencyLimit: concurrencyLimit,
		maxConcurrency:   concurrencyLimit,
		errBackoff:       &backoff.Backoff{Min: 200 * time.Millisecond, Max: 30 * time.Second, Factor: 2},
		byteRate:         rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond)),
	}
}

// AddEndpoint registers an endpoint candidate for this region.
func (r *RegionState) AddEndpoint(ep *model.DestinationEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[ep.Address]; !ok {
		r.order = append(r.order, ep.Address)
	}
	r.endpoints[ep.Address] = ep
}

// TryAcquire reserves one concurrency slot and n bytes of rate budget. It
// returns false without side effects if either resource is unavailable.
func (r *RegionState) TryAcquire(n int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.concurrencyLimit {
		return false
	}
	if !r.byteRate.AllowN(time.Now(), int(n)) {
		return false
	}
	r.inFlight++
	return true
}

// Release returns one concurrency slot, called on dispatch completion
// regardless of outcome.
func (r *RegionState) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight > 0 {
		r.inFlight--
	}
}

// ReportSuccess resets the continuous-error counter and restores the
// concurrency limit to its configured ceiling.
func (r *RegionState) ReportSuccess(addr string) {
	r.mu.Lock()
	r.continuousErrors = 0
	r.concurrencyLimit = r.maxConcurrency
	r.lastRecovery = time.Now()
	r.errBackoff.Reset()
	r.mu.Unlock()

	r.mu.Lock()
	if ep, ok := r.endpoints[addr]; ok {
		ep.Healthy = true
	}
	r.mu.Unlock()
}

// ReportFailure increments the continuous-error counter, which reduces the
// effective concurrency ceiling proportionally, and marks addr unhealthy.
func (r *RegionState) ReportFailure(addr string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.continuousErrors++
	if ep, ok := r.endpoints[addr]; ok {
		ep.Healthy = false
	}

	reduced := r.concurrencyLimit - r.continuousErrors
	if reduced < 1 {
		reduced = 1
	}
	r.concurrencyLimit = reduced

	return r.errBackoff.Duration()
}

// PickEndpoint selects a candidate preferring non-proxy healthy endpoints,
// then proxy endpoints, then whatever default is left: a three-case
// preference order from the original Sender.h endpoint selection, kept as
// a direct ordered scan rather than a generic strategy interface.
func (r *RegionState) PickEndpoint() (*model.DestinationEndpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := append([]string(nil), r.order...)
	sort.Strings(addrs) // deterministic: within each tier the first address by name wins; latency is not consulted

	var nonProxyHealthy, proxyHealthy, anyDefault *model.DestinationEndpoint
	for _, addr := range addrs {
		ep := r.endpoints[addr]
		switch {
		case ep.Healthy && !ep.Proxy && nonProxyHealthy == nil:
			nonProxyHealthy = ep
		case ep.Healthy && ep.Proxy && proxyHealthy == nil:
			proxyHealthy = ep
		case anyDefault == nil:
			anyDefault = ep
		}
	}

	if nonProxyHealthy != nil {
		return nonProxyHealthy, true
	}
	if proxyHealthy != nil {
		return proxyHealthy, true
	}
	if anyDefault != nil {
		return anyDefault, true
	}
	return nil, false
}

// ReportLatency records the observed latency for addr, used by future
// picker refinements and exposed for metrics.
func (r *RegionState) ReportLatency(addr string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[addr]; ok {
		ep.LastLatency = d
	}
}

// Regions is the per-region flow-control registry the shipper consults on
// every dispatch. Regions are created lazily with shared defaults; known
// regions can be pre-seeded with endpoints at startup.
type Regions struct {
	mu       sync.Mutex
	byName   map[string]*RegionState
	defConc  int
	defBytes int64
}

// NewRegions builds an empty registry; lazily created regions get the given
// concurrency ceiling and byte-rate cap.
func NewRegions(concurrencyLimit int, bytesPerSecond int64) *Regions {
	return &Regions{
		byName:   make(map[string]*RegionState),
		defConc:  concurrencyLimit,
		defBytes: bytesPerSecond,
	}
}

// Get returns the state for name, creating it on first use.
func (rs *Regions) Get(name string) *RegionState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.byName[name]
	if !ok {
		r = NewRegionState(rs.defConc, rs.defBytes)
		rs.byName[name] = r
	}
	return r
}
