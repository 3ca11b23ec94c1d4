// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reader

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ClusterCockpit/tailer-agent/internal/discovery"
	"github.com/ClusterCockpit/tailer-agent/internal/model"
	"github.com/stretchr/testify/require"
)

type noCheckpoints struct{}

func (noCheckpoints) Lookup(model.FileIdentity) (model.FileCheckpoint, bool) {
	return model.FileCheckpoint{}, false
}

type collectingSink struct {
	lines [][]byte
}

func (s *collectingSink) Enqueue(line []byte, fi model.FileIdentity, cur *model.Cursor) {
	cp := append([]byte(nil), line...)
	s.lines = append(s.lines, cp)
}

func TestSteadyTailDeliversLinesInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	id := model.FileIdentity{Path: path}
	lfr, err := Open(id, path, Options{BufferSize: 4096, SignatureSize: 64, FlushTimeout: time.Second}, noCheckpoints{}, true)
	require.NoError(t, err)
	defer lfr.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	for i := 1; i <= 100; i++ {
		_, err := f.WriteString("a" + strconv.Itoa(i) + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	sink := &collectingSink{}
	n, consumed, err := lfr.Read(sink, nil)
	require.NoError(t, err)
	require.True(t, consumed)
	require.Equal(t, 100, n)
	require.Len(t, sink.lines, 100)
	require.Equal(t, "a1", string(sink.lines[0]))
	require.Equal(t, "a100", string(sink.lines[99]))
}

func TestTruncationResetsOffsetOnSignatureMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	require.NoError(t, os.WriteFile(path, []byte("0123456789abcdef\nsecond-line\n"), 0o644))

	id := model.FileIdentity{Path: path}
	opts := Options{BufferSize: 4096, SignatureSize: 8, FlushTimeout: time.Second}
	lfr, err := Open(id, path, opts, noCheckpoints{}, true)
	require.NoError(t, err)

	sink := &collectingSink{}
	_, _, err = lfr.Read(sink, nil)
	require.NoError(t, err)
	offsetBefore := lfr.Offset()
	require.Greater(t, offsetBefore, int64(0))
	ckptHash, ckptLen := lfr.Signature()
	lfr.Close()

	// Simulate a persisted checkpoint from the prior open, with a nonzero
	// offset, so a fresh-zero offset after reopen can only come from the
	// truncation-reset path, not from an unwritten checkpoint.
	ckpt := staticCheckpoint{model.FileCheckpoint{Offset: offsetBefore, SignatureHash: ckptHash, SignatureLength: ckptLen}}

	// Replace the file's content under the same path: the new first 8
	// bytes no longer match the stored signature.
	require.NoError(t, os.WriteFile(path, []byte("ZZZZZZZZnew-content\n"), 0o644))

	lfr2, err := Open(id, path, opts, ckpt, false)
	require.NoError(t, err)
	defer lfr2.Close()

	require.Equal(t, int64(0), lfr2.Offset())
}

type staticCheckpoint struct{ cp model.FileCheckpoint }

func (s staticCheckpoint) Lookup(model.FileIdentity) (model.FileCheckpoint, bool) {
	return s.cp, true
}

func TestRotationDeliversOldAndNewBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	require.NoError(t, os.WriteFile(path, []byte("a1\na2\n"), 0o644))

	identity := func(p string) model.FileIdentity {
		id := model.FileIdentity{ConfigName: "cfg", Path: p}
		if info, err := os.Stat(p); err == nil {
			if di, ok := discovery.DevInodeOf(info); ok {
				id.DevInode = di
			}
		}
		return id
	}

	sink := &collectingSink{}
	reg := NewRegistry("cfg", Options{BufferSize: 4096, SignatureSize: 4, FlushTimeout: time.Second}, noCheckpoints{}, sink, nil, time.Second)
	reg.StartAtBOF = true

	deadline := time.Now().Add(time.Second)
	oldID := identity(path)

	require.NoError(t, reg.Handle(model.Event{Kind: model.EventCreate, SourceDir: dir, ObjectName: "a.log"}, identity, deadline))
	require.NoError(t, reg.Handle(model.Event{Kind: model.EventModify, SourceDir: dir, ObjectName: "a.log", DevInode: oldID.DevInode, HasInode: true}, identity, deadline))
	require.Len(t, sink.lines, 2)

	// Rotate: rename the live file away, create a fresh one at the path.
	require.NoError(t, os.Rename(path, path+".1"))
	require.NoError(t, os.WriteFile(path, []byte("b1\n"), 0o644))
	newID := identity(path)
	require.NotEqual(t, oldID.DevInode, newID.DevInode)

	require.NoError(t, reg.Handle(model.Event{Kind: model.EventModify, SourceDir: dir, ObjectName: "a.log", DevInode: newID.DevInode, HasInode: true}, identity, deadline))

	require.Len(t, sink.lines, 3)
	require.Equal(t, "a1", string(sink.lines[0]))
	require.Equal(t, "a2", string(sink.lines[1]))
	require.Equal(t, "b1", string(sink.lines[2]))

	// Both inodes stay checkpointable until the rotator drains and is reaped.
	require.Len(t, reg.Checkpoints(), 2)

	reg.Reap()
	require.Len(t, reg.Checkpoints(), 1, "drained rotator must be closed and dropped")
}

func TestFlushTimeoutForceFlushesPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	require.NoError(t, os.WriteFile(path, []byte("complete\npartial"), 0o644))

	identity := func(p string) model.FileIdentity {
		id := model.FileIdentity{ConfigName: "cfg", Path: p}
		if info, err := os.Stat(p); err == nil {
			if di, ok := discovery.DevInodeOf(info); ok {
				id.DevInode = di
			}
		}
		return id
	}

	sink := &collectingSink{}
	reg := NewRegistry("cfg", Options{BufferSize: 4096, SignatureSize: 4, FlushTimeout: 10 * time.Millisecond}, noCheckpoints{}, sink, nil, time.Second)
	reg.StartAtBOF = true

	deadline := time.Now().Add(time.Second)
	id := identity(path)
	require.NoError(t, reg.Handle(model.Event{Kind: model.EventModify, SourceDir: dir, ObjectName: "a.log", DevInode: id.DevInode, HasInode: true}, identity, deadline))

	// Only the terminated line shipped; the trailing bytes stay buffered.
	require.Len(t, sink.lines, 1)
	require.Equal(t, "complete", string(sink.lines[0]))
	require.Empty(t, reg.FlushTimeoutEvents(), "flush not yet due")

	time.Sleep(20 * time.Millisecond)
	evs := reg.FlushTimeoutEvents()
	require.Len(t, evs, 1)
	require.Equal(t, model.EventFlushTimeout, evs[0].Kind)

	require.NoError(t, reg.Handle(evs[0], identity, deadline))
	require.Len(t, sink.lines, 2)
	require.Equal(t, "partial", string(sink.lines[1]))

	// A handled flush leaves nothing due.
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, reg.FlushTimeoutEvents())
}

func TestStaleFlushTimeoutIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0o644))

	identity := func(p string) model.FileIdentity {
		id := model.FileIdentity{ConfigName: "cfg", Path: p}
		if info, err := os.Stat(p); err == nil {
			if di, ok := discovery.DevInodeOf(info); ok {
				id.DevInode = di
			}
		}
		return id
	}

	sink := &collectingSink{}
	reg := NewRegistry("cfg", Options{BufferSize: 4096, SignatureSize: 4, FlushTimeout: 10 * time.Millisecond}, noCheckpoints{}, sink, nil, time.Second)
	reg.StartAtBOF = true

	deadline := time.Now().Add(time.Second)
	id := identity(path)
	modify := model.Event{Kind: model.EventModify, SourceDir: dir, ObjectName: "a.log", DevInode: id.DevInode, HasInode: true}
	require.NoError(t, reg.Handle(modify, identity, deadline))

	time.Sleep(20 * time.Millisecond)
	evs := reg.FlushTimeoutEvents()
	require.Len(t, evs, 1)

	// A regular Modify sneaks in between scheduling and handling: the
	// terminator arrives and the line ships the normal way.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("-done\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, reg.Handle(modify, identity, deadline))
	require.Len(t, sink.lines, 1)
	require.Equal(t, "partial-done", string(sink.lines[0]))

	// The stale FlushTimeout must now be a no-op, not a duplicate.
	require.NoError(t, reg.Handle(evs[0], identity, deadline))
	require.Len(t, sink.lines, 1)
}
