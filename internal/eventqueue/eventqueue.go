// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package eventqueue implements the bounded FIFO of filesystem events that
// sits between discovery and the reader registry.
package eventqueue

import (
	"sync"
	"time"

	"github.com/ClusterCockpit/tailer-agent/internal/alarm"
	"github.com/ClusterCockpit/tailer-agent/internal/model"
	"github.com/jpillora/backoff"
)

// Queue is a mutex-guarded bounded deque of model.Event. Producers that
// find it full back off and retry up to maxPushRetries times before
// dropping the whole batch and raising an alarm.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []model.Event
	capacity int
}

const (
	maxPushRetries  = 1000
	pushBackoffStep = 10 * time.Millisecond
)

// New creates a Queue bounded at capacity events.
func New(capacity int) *Queue {
	q := &Queue{
		items:    make([]model.Event, 0, capacity),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends events to the tail of the queue. If the queue is full it
// backs off for 10ms and retries up to 1000 times; on final failure it
// drops the whole batch and raises an alarm.
func (q *Queue) Push(events ...model.Event) bool {
	if len(events) == 0 {
		return true
	}

	b := &backoff.Backoff{
		Min:    pushBackoffStep,
		Max:    pushBackoffStep,
		Factor: 1,
	}

	for attempt := 0; attempt < maxPushRetries; attempt++ {
		q.mu.Lock()
		if len(q.items)+len(events) <= q.capacity {
			q.items = append(q.items, events...)
			q.mu.Unlock()
			q.cond.Signal()
			return true
		}
		q.mu.Unlock()

		time.Sleep(b.Duration())
	}

	alarm.Raise(alarm.KindEventQueueOverflow,
		"dropping %d event(s) after %d retries: queue at capacity %d",
		len(events), maxPushRetries, q.capacity)
	return false
}

// Len reports the current number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every currently queued event, coalescing
// successive identical (source, object, kind, dev-inode) events. This
// coalescing is required because the dir-file/modify pollers legitimately
// re-emit Modify events for the same file many times between reads.
func (q *Queue) Drain() []model.Event {
	q.mu.Lock()
	items := q.items
	q.items = make([]model.Event, 0, q.capacity)
	q.mu.Unlock()

	return coalesce(items)
}

// DrainWait blocks until at least one event is queued (or timeout elapses)
// and then behaves like Drain. A zero timeout waits indefinitely.
func (q *Queue) DrainWait(timeout time.Duration) []model.Event {
	q.mu.Lock()
	if len(q.items) == 0 {
		if timeout <= 0 {
			for len(q.items) == 0 {
				q.cond.Wait()
			}
		} else {
			done := make(chan struct{})
			timer := time.AfterFunc(timeout, func() {
				q.mu.Lock()
				close(done)
				q.cond.Broadcast()
				q.mu.Unlock()
			})
			defer timer.Stop()

			for len(q.items) == 0 {
				select {
				case <-done:
					q.mu.Unlock()
					return nil
				default:
					q.cond.Wait()
				}
			}
		}
	}

	items := q.items
	q.items = make([]model.Event, 0, q.capacity)
	q.mu.Unlock()

	return coalesce(items)
}

func coalesce(items []model.Event) []model.Event {
	if len(items) < 2 {
		return items
	}

	out := make([]model.Event, 0, len(items))
	seen := make(map[string]int, len(items))

	for _, ev := range items {
		key := ev.SourceDir + "\x00" + ev.ObjectName + "\x00" + ev.Kind.String() + "\x00" + ev.DevInode.String()
		if idx, ok := seen[key]; ok {
			// Keep the latest occurrence's metadata (generation, cookie) but
			// don't duplicate the event in the output.
			out[idx] = ev
			continue
		}
		seen[key] = len(out)
		out = append(out, ev)
	}

	return out
}
