// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package model

import "sync"

// Cursor is the single mutable piece of shared state in the whole pipeline:
// it is written by the aggregator (on split/extend) and by the sender (on
// slot completion), and read by the checkpoint store on every dump. Every
// other type in this package is either immutable after construction or
// owned exclusively by one goroutine at a time.
type Cursor struct {
	mu sync.Mutex
	rc RangeCheckpoint
}

// NewCursor wraps rc for shared exactly-once tracking.
func NewCursor(rc RangeCheckpoint) *Cursor {
	return &Cursor{rc: rc}
}

// Snapshot returns a value copy of the current RangeCheckpoint, safe to hand
// to the checkpoint store for serialization.
func (c *Cursor) Snapshot() RangeCheckpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rc
}

// Extend grows the reserved range by n bytes, used when the aggregator folds
// another read into the same in-flight MergeItem.
func (c *Cursor) Extend(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rc.ReadLength += n
}

// Split carves a fresh Cursor off the end of the receiver's range, covering
// the next `length` bytes, and grows the receiver past them. The receiver
// is a file's source cursor whose range end marks the next unclaimed byte;
// every new MergeItem for that file starts from a Split so concurrent
// in-flight items cover adjacent, non-overlapping ranges. In particular,
// the item created after a minute-boundary cut gets its own cursor instead
// of sharing the flushed item's.
func (c *Cursor) Split(length int64) *Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	tail := c.rc
	tail.ReadOffset = c.rc.ReadOffset + c.rc.ReadLength
	tail.ReadLength = length
	tail.Complete = false
	c.rc.ReadLength += length
	return NewCursor(tail)
}

// MarkComplete flags the slot as fully flushed; the checkpoint store may
// then advance the durable FileCheckpoint.Offset past this range.
func (c *Cursor) MarkComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rc.Complete = true
}

// Complete reports whether the cursor has been marked done.
func (c *Cursor) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rc.Complete
}
