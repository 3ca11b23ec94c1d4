// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package model holds the data types shared across every pipeline stage:
// discovery, the reader registry, the aggregator, the sender queues and the
// checkpoint store. None of these types own a mutex of their own except
// Cursor, which is explicitly shared between the aggregator and the sender
// (see Cursor's doc comment).
package model

import (
	"fmt"
	"time"
)

// DevInode identifies a file independently of its path. Two files are the
// same underlying inode iff both fields are equal.
type DevInode struct {
	Dev uint64
	Ino uint64
}

func (d DevInode) String() string {
	return fmt.Sprintf("%d:%d", d.Dev, d.Ino)
}

// IsZero reports whether d was never populated by a stat call.
func (d DevInode) IsZero() bool {
	return d == DevInode{}
}

// FileIdentity is the primary key for readers and checkpoints. At most one
// active reader exists per FileIdentity at any time (enforced by the reader
// registry, not by this type).
type FileIdentity struct {
	Project    string
	Logstore   string
	ConfigName string
	Path       string
	DevInode   DevInode
	FuseMode   bool
}

func (f FileIdentity) String() string {
	return fmt.Sprintf("%s/%s:%s@%s", f.Project, f.Logstore, f.ConfigName, f.Path)
}

// FileCheckpoint is the durable record of how far a reader has progressed
// through one file. Offset must never be smaller than SignatureLength: the
// signature bytes are always accounted for in the offset once read.
type FileCheckpoint struct {
	Path            string    `json:"path"`
	DevInode        DevInode  `json:"dev_inode"`
	Offset          int64     `json:"offset"`
	SignatureHash   uint64    `json:"signature_hash"`
	SignatureLength int       `json:"signature_length"`
	LastUpdated     time.Time `json:"last_updated"`
	ConfigName      string    `json:"config_name"`
}

// Valid reports whether the checkpoint satisfies its offset/signature
// invariant.
func (c FileCheckpoint) Valid() bool {
	return c.Offset >= int64(c.SignatureLength)
}

// DirectoryCheckpoint lets discovery re-learn which subdirectories it had
// already seen across a restart.
type DirectoryCheckpoint struct {
	Path        string              `json:"path"`
	Children    map[string]struct{} `json:"children"`
	LastUpdated time.Time           `json:"last_updated"`
}

// RangeCheckpoint binds one in-flight batch to one exactly-once slot. While
// Complete is false the slot exclusively reserves [ReadOffset, ReadOffset+ReadLength).
type RangeCheckpoint struct {
	Key        string `json:"key"`
	SlotIndex  int    `json:"slot_index"`
	HashKey    string `json:"hash_key"`
	SequenceID uint64 `json:"sequence_id"`
	ReadOffset int64  `json:"read_offset"`
	ReadLength int64  `json:"read_length"`
	Complete   bool   `json:"complete"`
}

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventCreate EventKind = iota
	EventModify
	EventDelete
	EventMoveFrom
	EventMoveTo
	EventTimeout
	EventContainerStopped
	EventFlushTimeout
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "Create"
	case EventModify:
		return "Modify"
	case EventDelete:
		return "Delete"
	case EventMoveFrom:
		return "MoveFrom"
	case EventMoveTo:
		return "MoveTo"
	case EventTimeout:
		return "Timeout"
	case EventContainerStopped:
		return "ContainerStopped"
	case EventFlushTimeout:
		return "FlushTimeout"
	default:
		return "Unknown"
	}
}

// Event is the tagged filesystem-event variant produced by discovery and
// consumed by the reader registry. The queue transfers ownership of Events;
// nothing else should retain a reference to one once pushed.
type Event struct {
	Kind       EventKind
	SourceDir  string
	ObjectName string
	DevInode   DevInode // zero value means "not yet known"
	HasInode   bool
	Wd         int
	Cookie     uint32
	ConfigName string

	// Generation lets the reader registry detect a stale FlushTimeout: it is
	// stamped with the reader's read-generation counter at schedule time and
	// compared against the current counter at handling time.
	Generation uint64
}

// Path reconstructs the absolute path this event refers to.
func (e Event) Path() string {
	if e.SourceDir == "" {
		return e.ObjectName
	}
	if e.SourceDir[len(e.SourceDir)-1] == '/' {
		return e.SourceDir + e.ObjectName
	}
	return e.SourceDir + "/" + e.ObjectName
}

// LogRecord is one parsed log line/entry. Parsing itself is out of scope;
// the pipeline only moves already-parsed records.
type LogRecord struct {
	Timestamp  time.Time
	SourcePath string
	Topic      string
	Contents   map[string]string
	RawSize    int
}

// MinuteBucket floors t to the UTC minute it belongs to, the quantity the
// LogGroup minute-boundary invariant is defined over.
func MinuteBucket(t time.Time) int64 {
	return t.UTC().Unix() / 60
}

// LogGroup is an ordered sequence of LogRecords sharing identity. All
// records within one LogGroup fall in the same UTC minute.
type LogGroup struct {
	Project      string
	Logstore     string
	Topic        string
	Source       string
	MachineUUID  string
	Tags         map[string]string
	Records      []LogRecord
	PackIDSeqTag string
}

// RawBytes sums the RawSize of every record currently in the group.
func (g *LogGroup) RawBytes() int64 {
	var n int64
	for _, r := range g.Records {
		n += int64(r.RawSize)
	}
	return n
}

// Destination identifies where a batch is headed.
type Destination struct {
	Project  string
	Logstore string
	Region   string
	AliUID   string
}

// FeedbackKey is the hash key used to look up the per-destination sender
// queue and to correlate readiness signals on the FeedbackBus.
func (d Destination) FeedbackKey() string {
	return d.Project + "/" + d.Logstore
}

// PayloadKind tags how SendBatch.Compressed was produced.
type PayloadKind int

const (
	PayloadLz4Compressed PayloadKind = iota
	PayloadPackageList
)

// SendStatus is the SendBatch lifecycle state.
type SendStatus int

const (
	StatusIdle SendStatus = iota
	StatusSending
	StatusOk
)

func (s SendStatus) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusSending:
		return "Sending"
	case StatusOk:
		return "Ok"
	default:
		return "Unknown"
	}
}

// SendResult is reported by the shipper back to the owning SenderQueue.
type SendResult int

const (
	ResultOk SendResult = iota
	ResultBuffered
	ResultDiscard
	ResultNetworkFail
	ResultQuotaFail
	ResultOtherFail
	ResultUnauthorizedFail
)

// SendBatch is produced by the aggregator, queued by a SenderQueue and
// consumed by the shipper. Groups carries the uncompressed payload (one
// group for Lz4Compressed, one per merge item for PackageList); the shipper
// fills Compressed on first dispatch and retries reuse it.
type SendBatch struct {
	Destination  Destination
	PayloadKind  PayloadKind
	Groups       []LogGroup
	Compressed   []byte
	RawBytes     int64
	LineCount    int
	RetryCount   int
	ShardHashKey string
	FeedbackKey  string
	FileInfo     FileIdentity
	Cursor       *Cursor
	Status       SendStatus
}

// DestinationEndpoint is one candidate network endpoint for a region.
type DestinationEndpoint struct {
	Address     string
	Healthy     bool
	LastLatency time.Duration
	Proxy       bool
}
