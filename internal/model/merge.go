// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package model

import "time"

// MergeItem is one in-progress LogGroup accumulating records for a single
// (destination, topic, source) triple until one of its flush triggers
// fires: byte cap, count cap, minute boundary or idle timeout.
type MergeItem struct {
	Fingerprint     string
	Destination     Destination
	Group           LogGroup
	LineCount       int
	FirstRecordTime time.Time
	LastUpdateTime  time.Time
	Cursor          *Cursor

	// MergeByLogstore routes this item into a PackageList on flush instead
	// of a standalone batch.
	MergeByLogstore bool
}

// RawBytes delegates to the wrapped LogGroup.
func (m *MergeItem) RawBytes() int64 {
	return m.Group.RawBytes()
}

// Age reports how long this item has been accumulating, relative to now.
func (m *MergeItem) Age(now time.Time) time.Duration {
	return now.Sub(m.FirstRecordTime)
}

// Idle reports how long this item has sat without a new record, relative to now.
func (m *MergeItem) Idle(now time.Time) time.Duration {
	return now.Sub(m.LastUpdateTime)
}

// PackageList batches multiple MergeItems bound for the same logstore into
// one outbound payload (merge_by_logstore mode).
type PackageList struct {
	Logstore  string
	Items     []*MergeItem
	CreatedAt time.Time
}

// RawBytes sums the raw size of every item in the list.
func (p *PackageList) RawBytes() int64 {
	var n int64
	for _, it := range p.Items {
		n += it.RawBytes()
	}
	return n
}

// OldestAge reports the age of the longest-lived item in the list.
func (p *PackageList) OldestAge(now time.Time) time.Duration {
	var oldest time.Duration
	for _, it := range p.Items {
		if a := it.Age(now); a > oldest {
			oldest = a
		}
	}
	return oldest
}
