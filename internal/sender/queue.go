// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sender holds the per-destination SenderQueue implementations and
// the per-region flow-control state the shipper consults before dispatching
// a batch.
package sender

import (
	"fmt"
	"sync"

	"github.com/ClusterCockpit/tailer-agent/internal/alarm"
	"github.com/ClusterCockpit/tailer-agent/internal/model"
)

// Queue is what the aggregator's Sink and the shipper's worker pool both
// see: admission control on the push side, idle-batch draining on the pull
// side, and result feedback once the shipper has attempted a send.
type Queue interface {
	// IsValidToPush reports whether the queue currently accepts new
	// batches; it is the signal threaded back through feedback.Bus.
	IsValidToPush() bool

	// Push enqueues batch, returning false if the queue is full (Normal)
	// or has no free slot for batch's range (ExactlyOnce).
	Push(batch *model.SendBatch) bool

	// PopIdle returns one Idle batch and marks it Sending, or false if
	// none is ready.
	PopIdle() (*model.SendBatch, bool)

	// Complete reports the outcome of a dispatch attempt for batch.
	Complete(batch *model.SendBatch, result model.SendResult)

	// Len reports the number of batches currently held (any status).
	Len() int
}

// ReadyNotifier is the subset of feedback.Bus a queue needs to publish its
// valid<->invalid transitions.
type ReadyNotifier interface {
	SetReady(key string, ready bool)
}

// NormalQueue is a capacity-bounded FIFO with high/low water hysteresis:
// once the queue depth reaches HighWater it
// reports invalid-to-push; it only reports valid again once depth drops to
// LowWater or below. There is no exactly-once slot binding here; batches
// are free-standing and may be retried in place.
type NormalQueue struct {
	mu sync.Mutex

	feedbackKey string
	notifier    ReadyNotifier

	capacity  int
	highWater int
	lowWater  int

	items []*model.SendBatch
	valid bool
}

// NewNormalQueue builds a NormalQueue. capacity bounds total depth;
// highWater/lowWater drive the hysteresis reported through notifier.
func NewNormalQueue(feedbackKey string, capacity, highWater, lowWater int, notifier ReadyNotifier) *NormalQueue {
	q := &NormalQueue{
		feedbackKey: feedbackKey,
		notifier:    notifier,
		capacity:    capacity,
		highWater:   highWater,
		lowWater:    lowWater,
		valid:       true,
	}
	return q
}

func (q *NormalQueue) IsValidToPush() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.valid
}

func (q *NormalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *NormalQueue) Push(batch *model.SendBatch) bool {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	batch.Status = model.StatusIdle
	q.items = append(q.items, batch)
	q.updateValidLocked()
	q.mu.Unlock()
	return true
}

func (q *NormalQueue) PopIdle() (*model.SendBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range q.items {
		if b.Status == model.StatusIdle {
			b.Status = model.StatusSending
			return b, true
		}
	}
	return nil, false
}

func (q *NormalQueue) Complete(batch *model.SendBatch, result model.SendResult) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch result {
	case model.ResultOk, model.ResultBuffered, model.ResultDiscard:
		q.removeLocked(batch)
	case model.ResultUnauthorizedFail:
		alarm.Raise(alarm.KindCredentialRefresh, "queue %s: unauthorized, credential refresh needed", q.feedbackKey)
		batch.Status = model.StatusIdle
		batch.RetryCount++
	case model.ResultNetworkFail, model.ResultQuotaFail, model.ResultOtherFail:
		batch.Status = model.StatusIdle
		batch.RetryCount++
	}
	q.updateValidLocked()
}

func (q *NormalQueue) removeLocked(batch *model.SendBatch) {
	for i, b := range q.items {
		if b == batch {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// updateValidLocked re-evaluates and, on change, publishes the hysteresis
// state. Caller must hold q.mu.
func (q *NormalQueue) updateValidLocked() {
	depth := len(q.items)
	next := q.valid
	if q.valid && depth >= q.highWater {
		next = false
	} else if !q.valid && depth <= q.lowWater {
		next = true
	}
	if next != q.valid {
		q.valid = next
		if q.notifier != nil {
			q.notifier.SetReady(q.feedbackKey, next)
		}
	}
}

// eoSlot is one fixed exactly-once slot: it is bound to a RangeCheckpoint
// for its lifetime and either empty or holding exactly one in-flight
// batch.
type eoSlot struct {
	cursor *model.Cursor
	batch  *model.SendBatch
}

// ExactlyOnceQueue binds a fixed array of slots to pre-loaded
// RangeCheckpoints (recovered at startup from the checkpoint store) plus an
// overflow list for ranges discovered after the fixed array filled up. It
// ignores urgent flush requests: a slot is only freed by the
// shipper reporting completion, never by a size/time trigger, since
// exactly-once delivery requires every byte range to round-trip through
// exactly one slot.
type ExactlyOnceQueue struct {
	mu sync.Mutex

	feedbackKey string
	notifier    ReadyNotifier

	slots      []eoSlot
	writeHint  int // round-robin search start for the next free slot
	extraBatch []*model.SendBatch

	valid bool
}

// NewExactlyOnceQueue builds a queue with the given fixed slot count.
func NewExactlyOnceQueue(feedbackKey string, slotCount int, notifier ReadyNotifier) *ExactlyOnceQueue {
	return &ExactlyOnceQueue{
		feedbackKey: feedbackKey,
		notifier:    notifier,
		slots:       make([]eoSlot, slotCount),
		valid:       true,
	}
}

// Bind seeds slot i with a recovered cursor. It only sets the cursor: the
// slot stays free, and the next batch placed in it replaces the cursor.
func (q *ExactlyOnceQueue) Bind(i int, cur *model.Cursor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.slots) {
		return
	}
	q.slots[i].cursor = cur
}

func (q *ExactlyOnceQueue) IsValidToPush() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.valid
}

func (q *ExactlyOnceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.extraBatch)
	for _, s := range q.slots {
		if s.batch != nil {
			n++
		}
	}
	return n
}

// Push binds batch to a slot. A batch replaying an already-persisted range
// (its cursor is marked complete) must land in exactly the slot the
// checkpoint recorded; Push fails if that slot is occupied. All other
// batches take the next free slot starting the round-robin search at
// writeHint. If no free slot exists, the batch is held in the extra-buffer
// overflow list rather than rejected outright, since exactly-once semantics
// require every accepted record to eventually get a slot rather than be
// dropped.
func (q *ExactlyOnceQueue) Push(batch *model.SendBatch) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.slots)

	if batch.Cursor != nil {
		if rc := batch.Cursor.Snapshot(); rc.Complete {
			if rc.SlotIndex < 0 || rc.SlotIndex >= n || q.slots[rc.SlotIndex].batch != nil {
				return false
			}
			batch.Status = model.StatusIdle
			q.slots[rc.SlotIndex].batch = batch
			q.slots[rc.SlotIndex].cursor = batch.Cursor
			q.updateValidLocked()
			return true
		}
	}

	for off := 0; off < n; off++ {
		i := (q.writeHint + off) % n
		if q.slots[i].batch == nil {
			batch.Status = model.StatusIdle
			q.slots[i].batch = batch
			if batch.Cursor != nil {
				q.slots[i].cursor = batch.Cursor
			}
			q.writeHint = (i + 1) % n
			q.updateValidLocked()
			return true
		}
	}

	batch.Status = model.StatusIdle
	q.extraBatch = append(q.extraBatch, batch)
	q.updateValidLocked()
	return true
}

func (q *ExactlyOnceQueue) PopIdle() (*model.SendBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.slots {
		if q.slots[i].batch != nil && q.slots[i].batch.Status == model.StatusIdle {
			q.slots[i].batch.Status = model.StatusSending
			return q.slots[i].batch, true
		}
	}
	for _, b := range q.extraBatch {
		if b.Status == model.StatusIdle {
			b.Status = model.StatusSending
			return b, true
		}
	}
	return nil, false
}

func (q *ExactlyOnceQueue) Complete(batch *model.SendBatch, result model.SendResult) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch result {
	case model.ResultOk, model.ResultBuffered, model.ResultDiscard:
		if batch.Cursor != nil {
			batch.Cursor.MarkComplete()
		}
		q.freeLocked(batch)
		q.promoteExtraLocked()
	case model.ResultUnauthorizedFail:
		alarm.Raise(alarm.KindCredentialRefresh, "queue %s: unauthorized, credential refresh needed", q.feedbackKey)
		batch.Status = model.StatusIdle
		batch.RetryCount++
	case model.ResultNetworkFail, model.ResultQuotaFail, model.ResultOtherFail:
		batch.Status = model.StatusIdle
		batch.RetryCount++
	}
	q.updateValidLocked()
}

func (q *ExactlyOnceQueue) freeLocked(batch *model.SendBatch) {
	for i := range q.slots {
		if q.slots[i].batch == batch {
			q.slots[i].batch = nil
			return
		}
	}
	for i, b := range q.extraBatch {
		if b == batch {
			q.extraBatch = append(q.extraBatch[:i], q.extraBatch[i+1:]...)
			return
		}
	}
}

// promoteExtraLocked moves one overflowed batch into a newly-freed fixed
// slot, if any exists and any overflow remains.
func (q *ExactlyOnceQueue) promoteExtraLocked() {
	if len(q.extraBatch) == 0 {
		return
	}
	for i := range q.slots {
		if q.slots[i].batch == nil {
			q.slots[i].batch = q.extraBatch[0]
			q.slots[i].cursor = q.extraBatch[0].Cursor
			q.extraBatch = q.extraBatch[1:]
			return
		}
	}
}

// Ranges snapshots the cursor of every bound slot for the checkpoint
// store's periodic dump. Each snapshot is stamped with its slot index and a
// slot-scoped key: cursors carved from the same file share their source
// key, so the slot index is what keeps concurrent in-flight ranges distinct
// in the store.
func (q *ExactlyOnceQueue) Ranges() []model.RangeCheckpoint {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.RangeCheckpoint, 0, len(q.slots))
	for i := range q.slots {
		if q.slots[i].cursor == nil {
			continue
		}
		rc := q.slots[i].cursor.Snapshot()
		rc.SlotIndex = i
		rc.Key = fmt.Sprintf("%s#%d", q.feedbackKey, i)
		out = append(out, rc)
	}
	return out
}

// updateValidLocked reports invalid-to-push only once the fixed slot array
// is full and batches have started spilling into the overflow list.
func (q *ExactlyOnceQueue) updateValidLocked() {
	next := len(q.extraBatch) == 0
	if next != q.valid {
		q.valid = next
		if q.notifier != nil {
			q.notifier.SetReady(q.feedbackKey, next)
		}
	}
}
