// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reader

import (
	"path/filepath"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/tailer-agent/internal/model"
)

// FeedbackProbe tells a registry whether the downstream path for a file is
// currently accepting more data.
type FeedbackProbe interface {
	IsValidToPush(feedbackKey string) bool
}

// Registry is one ModifyHandler instance: it owns every open reader for a
// single config. name_to_reader_array is keyed by path-filename,
// ordered newest-first; devinode_to_reader is the authoritative lookup for
// Modify events carrying a dev-inode.
type Registry struct {
	ConfigName string
	Opts       Options
	StartAtBOF bool

	// FeedbackKey is this config's destination key on the feedback bus;
	// the rollback rule checks it before advancing any reader offset.
	FeedbackKey string

	ckpt     CheckpointLookup
	sink     Sink
	feedback FeedbackProbe

	mu               sync.Mutex
	nameToReaders    map[string][]*LogFileReader // head = newest (rotated order)
	devinodeToReader map[model.DevInode]*LogFileReader
	rotatorReaders   map[model.DevInode]*LogFileReader
	pendingDelete    map[string]time.Time

	readTimeSlice time.Duration

	// NewCursor, when non-nil, builds the exactly-once range cursor a
	// freshly opened reader claims byte ranges from, one per file. Nil
	// leaves readers cursorless: non-replayable sources get best-effort
	// delivery only.
	NewCursor func(id model.FileIdentity, offset int64) *model.Cursor
}

// NewRegistry builds a Registry for one config.
func NewRegistry(configName string, opts Options, ckpt CheckpointLookup, sink Sink, feedback FeedbackProbe, readTimeSlice time.Duration) *Registry {
	return &Registry{
		ConfigName:       configName,
		Opts:             opts,
		ckpt:             ckpt,
		sink:             sink,
		feedback:         feedback,
		nameToReaders:    make(map[string][]*LogFileReader),
		devinodeToReader: make(map[model.DevInode]*LogFileReader),
		rotatorReaders:   make(map[model.DevInode]*LogFileReader),
		pendingDelete:    make(map[string]time.Time),
		readTimeSlice:    readTimeSlice,
	}
}

// Handle dispatches one event, honoring the registry-wide read time-slice:
// the cumulative time spent reading across every reader touched by this
// call is bounded by readTimeSlice so that one busy config cannot starve
// others sharing the dispatcher thread.
func (m *Registry) Handle(ev model.Event, identity func(path string) model.FileIdentity, deadline time.Time) error {
	path := ev.Path()

	switch ev.Kind {
	case model.EventCreate:
		return m.handleCreate(ev, path, identity)
	case model.EventModify:
		return m.handleModify(ev, path, identity, deadline)
	case model.EventMoveFrom:
		return m.handleRotateAway(path)
	case model.EventDelete:
		m.scheduleDelete(path)
		return nil
	case model.EventContainerStopped:
		m.markContainerStopped(path)
		return nil
	case model.EventFlushTimeout:
		return m.handleFlushTimeout(ev, path, deadline)
	case model.EventTimeout:
		return nil
	default:
		return nil
	}
}

func (m *Registry) handleCreate(ev model.Event, path string, identity func(path string) model.FileIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if readers := m.nameToReaders[path]; len(readers) > 0 {
		return nil // already tracked; Create is idempotent
	}

	id := identity(path)
	lfr, err := Open(id, path, m.Opts, m.ckpt, m.StartAtBOF)
	if err != nil {
		cclog.Debugf("reader[%s]: open %s on Create: %v", m.ConfigName, path, err)
		return nil
	}

	m.insertHead(path, lfr)
	return nil
}

// insertHead inserts lfr at the head of path's reader array, indexes it by
// dev-inode, and attaches this file's own exactly-once cursor. Caller holds
// m.mu.
func (m *Registry) insertHead(path string, lfr *LogFileReader) {
	if m.NewCursor != nil {
		lfr.Cursor = m.NewCursor(lfr.Identity, lfr.Offset())
	}
	m.nameToReaders[path] = append([]*LogFileReader{lfr}, m.nameToReaders[path]...)
	m.devinodeToReader[lfr.Identity.DevInode] = lfr
}

func (m *Registry) handleModify(ev model.Event, path string, identity func(path string) model.FileIdentity, deadline time.Time) error {
	m.mu.Lock()
	var lfr *LogFileReader
	if ev.HasInode {
		lfr = m.devinodeToReader[ev.DevInode]
	}
	if lfr == nil {
		if readers := m.nameToReaders[path]; len(readers) > 0 {
			lfr = readers[0]
		}
	}

	if lfr == nil {
		id := identity(path)
		opened, err := Open(id, path, m.Opts, m.ckpt, m.StartAtBOF)
		if err != nil {
			m.mu.Unlock()
			cclog.Debugf("reader[%s]: open %s on Modify: %v", m.ConfigName, path, err)
			return nil
		}
		m.insertHead(path, opened)
		lfr = opened
	} else if ev.HasInode && lfr.Identity.DevInode != ev.DevInode {
		// Rotation: the live path now has a different inode.
		m.rotatorReaders[lfr.Identity.DevInode] = lfr
		id := identity(path)
		id.DevInode = ev.DevInode
		opened, err := Open(id, path, m.Opts, m.ckpt, true)
		if err != nil {
			m.mu.Unlock()
			cclog.Debugf("reader[%s]: open %s on rotation: %v", m.ConfigName, path, err)
			return nil
		}
		m.insertHead(path, opened)
		lfr = opened
	}
	m.mu.Unlock()

	return m.drain(lfr, deadline)
}

// drain loops Read calls on lfr until it hits EOF or the time-slice
// deadline, handing each produced line to the sink.
func (m *Registry) drain(lfr *LogFileReader, deadline time.Time) error {
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil
		}

		n, consumed, err := lfr.Read(m.sink, func() bool {
			if m.feedback == nil {
				return true
			}
			return m.feedback.IsValidToPush(m.FeedbackKey)
		})
		if err != nil {
			return err
		}
		if n == 0 && !consumed {
			return nil
		}
		if n == 0 {
			return nil
		}
	}
}

// handleRotateAway moves the reader currently at path's head into the
// rotator set (MoveFrom event).
func (m *Registry) handleRotateAway(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	readers := m.nameToReaders[path]
	if len(readers) == 0 {
		return nil
	}
	head := readers[0]
	m.rotatorReaders[head.Identity.DevInode] = head
	m.nameToReaders[path] = readers[1:]
	return nil
}

func (m *Registry) scheduleDelete(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingDelete[path] = time.Now()
}

func (m *Registry) markContainerStopped(path string) {
	// Readers continue to read existing bytes; actual teardown happens
	// once AtEOF is observed by the reaper sweep.
	cclog.Debugf("reader[%s]: container stopped for %s", m.ConfigName, path)
	m.scheduleDelete(path)
}

// handleFlushTimeout is the "force-read" path: if the reader's generation
// has changed since the timeout was scheduled, the event is stale (a
// regular Modify already consumed the pending buffer) and is discarded.
func (m *Registry) handleFlushTimeout(ev model.Event, path string, deadline time.Time) error {
	m.mu.Lock()
	var lfr *LogFileReader
	if ev.HasInode {
		lfr = m.devinodeToReader[ev.DevInode]
	}
	if lfr == nil {
		if readers := m.nameToReaders[path]; len(readers) > 0 {
			lfr = readers[0]
		}
	}
	if lfr == nil {
		m.mu.Unlock()
		return nil
	}

	if lfr.Generation != ev.Generation {
		// Stale: a Modify already ran since this FlushTimeout was scheduled.
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	lfr.ForceFlush(m.sink)
	return nil
}

// FlushTimeoutEvents builds a FlushTimeout event for every reader whose
// buffered partial record has sat past the flush timeout, stamped with the
// reader's current generation so a Modify that slips in before handling
// makes the event a detectable no-op. The owning dispatcher pushes the
// returned events through the regular event queue.
func (m *Registry) FlushTimeoutEvents() []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Event
	seen := make(map[model.DevInode]bool)
	collect := func(lfr *LogFileReader) {
		if seen[lfr.Identity.DevInode] || !lfr.FlushDue() {
			return
		}
		seen[lfr.Identity.DevInode] = true
		out = append(out, model.Event{
			Kind:       model.EventFlushTimeout,
			SourceDir:  filepath.Dir(lfr.Identity.Path),
			ObjectName: filepath.Base(lfr.Identity.Path),
			DevInode:   lfr.Identity.DevInode,
			HasInode:   true,
			ConfigName: m.ConfigName,
			Generation: lfr.Generation,
		})
	}

	for _, readers := range m.nameToReaders {
		for _, lfr := range readers {
			collect(lfr)
		}
	}
	for _, lfr := range m.rotatorReaders {
		collect(lfr)
	}

	return out
}

// Reap closes readers that have drained to EOF and are scheduled for
// deletion or are rotator leftovers, and clears dev-inode index entries for
// them. Intended to be called periodically by the owning dispatcher.
func (m *Registry) Reap() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for di, lfr := range m.rotatorReaders {
		if lfr.AtEOF() {
			lfr.Close()
			delete(m.rotatorReaders, di)
			delete(m.devinodeToReader, di)
			m.removeFromNameLocked(lfr)
		}
	}

	for path := range m.pendingDelete {
		readers := m.nameToReaders[path]
		if len(readers) == 0 {
			delete(m.pendingDelete, path)
			continue
		}
		head := readers[0]
		if head.AtEOF() {
			head.Close()
			delete(m.devinodeToReader, head.Identity.DevInode)
			delete(m.nameToReaders, path)
			delete(m.pendingDelete, path)
		}
	}
}

// removeFromNameLocked strips lfr from its path's reader array. Caller
// holds m.mu.
func (m *Registry) removeFromNameLocked(lfr *LogFileReader) {
	path := lfr.Identity.Path
	readers := m.nameToReaders[path]
	for i, r := range readers {
		if r == lfr {
			m.nameToReaders[path] = append(readers[:i], readers[i+1:]...)
			break
		}
	}
	if len(m.nameToReaders[path]) == 0 {
		delete(m.nameToReaders, path)
	}
}

// Checkpoints returns the current offset/signature for every live reader,
// for the checkpoint store's periodic dump.
func (m *Registry) Checkpoints() []model.FileCheckpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.FileCheckpoint
	seen := make(map[model.DevInode]bool)
	collect := func(lfr *LogFileReader) {
		if seen[lfr.Identity.DevInode] {
			return
		}
		seen[lfr.Identity.DevInode] = true
		hash, length := lfr.Signature()
		out = append(out, model.FileCheckpoint{
			Path:            lfr.Identity.Path,
			DevInode:        lfr.Identity.DevInode,
			Offset:          lfr.Offset(),
			SignatureHash:   hash,
			SignatureLength: length,
			LastUpdated:     time.Now(),
			ConfigName:      m.ConfigName,
		})
	}

	for _, readers := range m.nameToReaders {
		for _, lfr := range readers {
			collect(lfr)
		}
	}
	for _, lfr := range m.rotatorReaders {
		collect(lfr)
	}

	return out
}
