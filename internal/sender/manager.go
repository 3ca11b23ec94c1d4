// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sender

import (
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/tailer-agent/internal/model"
)

// QueueDefaults sizes queues created on demand by a Manager.
type QueueDefaults struct {
	Capacity  int
	HighWater int
	LowWater  int
}

// Manager owns every per-destination queue, keyed by feedback-key. It is
// the aggregator's Sink (IsValidToPush + Submit) on the push side and the
// shipper's batch source on the pull side, iterating queues round-robin so
// one busy destination cannot starve the others.
type Manager struct {
	mu       sync.Mutex
	queues   map[string]Queue
	order    []string
	rr       int
	notifier ReadyNotifier
	defaults QueueDefaults
}

// NewManager builds a Manager that creates NormalQueues with the given
// defaults for destinations seen for the first time. Exactly-once queues
// must be bound explicitly via BindExactlyOnce before the first Submit for
// their key.
func NewManager(defaults QueueDefaults, notifier ReadyNotifier) *Manager {
	return &Manager{
		queues:   make(map[string]Queue),
		notifier: notifier,
		defaults: defaults,
	}
}

// BindExactlyOnce installs an ExactlyOnceQueue for key with slotCount fixed
// slots, seeding slot i with ranges[i] where provided. Recovered ranges that
// were still in flight at the last shutdown keep their recorded slot so a
// replayed batch lands exactly where the checkpoint says.
func (m *Manager) BindExactlyOnce(key string, slotCount int, ranges []model.RangeCheckpoint) *ExactlyOnceQueue {
	q := NewExactlyOnceQueue(key, slotCount, m.notifier)
	for _, rc := range ranges {
		if rc.SlotIndex >= 0 && rc.SlotIndex < slotCount {
			q.Bind(rc.SlotIndex, model.NewCursor(rc))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[key]; !ok {
		m.order = append(m.order, key)
	}
	m.queues[key] = q
	return q
}

// queueFor returns the queue for key, creating a NormalQueue on first use.
func (m *Manager) queueFor(key string) Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[key]
	if !ok {
		q = NewNormalQueue(key, m.defaults.Capacity, m.defaults.HighWater, m.defaults.LowWater, m.notifier)
		m.queues[key] = q
		m.order = append(m.order, key)
		cclog.Debugf("sender: created queue for %s", key)
	}
	return q
}

// IsValidToPush implements the aggregator's admission check.
// Unknown keys report true: no queue yet means no backpressure yet.
func (m *Manager) IsValidToPush(key string) bool {
	m.mu.Lock()
	q, ok := m.queues[key]
	m.mu.Unlock()
	if !ok {
		return true
	}
	return q.IsValidToPush()
}

// Submit routes batch to its destination queue, creating one if needed.
func (m *Manager) Submit(batch *model.SendBatch) bool {
	return m.queueFor(batch.FeedbackKey).Push(batch)
}

// PopIdle returns the next Idle batch across all queues, round-robin, plus
// the queue it came from so the caller can report completion back to it.
func (m *Manager) PopIdle() (*model.SendBatch, Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.order)
	for off := 0; off < n; off++ {
		key := m.order[(m.rr+off)%n]
		if b, ok := m.queues[key].PopIdle(); ok {
			m.rr = (m.rr + off + 1) % n
			return b, m.queues[key], true
		}
	}
	return nil, nil, false
}

// RangeSnapshots collects the slot cursors of every exactly-once queue for
// the checkpoint store's periodic dump.
func (m *Manager) RangeSnapshots() []model.RangeCheckpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.RangeCheckpoint
	for _, q := range m.queues {
		if eo, ok := q.(*ExactlyOnceQueue); ok {
			out = append(out, eo.Ranges()...)
		}
	}
	return out
}

// Len sums the depth of every queue, for metrics and tests.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, q := range m.queues {
		total += q.Len()
	}
	return total
}
