// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/tailer-agent/internal/alarm"
	"github.com/ClusterCockpit/tailer-agent/internal/model"
)

// Store is the in-memory mirror of every FileCheckpoint/DirectoryCheckpoint/
// RangeCheckpoint the agent currently tracks, periodically flushed to disk.
// A single mutex guards all three maps.
type Store struct {
	mu     sync.Mutex
	files  map[model.DevInode]model.FileCheckpoint
	dirs   map[string]model.DirectoryCheckpoint
	ranges map[string]model.RangeCheckpoint // keyed by RangeCheckpoint.Key

	path   string
	format Format
	ttl    time.Duration
}

// New builds an empty Store. path is the on-disk checkpoint file location;
// format controls its encoding; ttl bounds how old a loaded entry may be
// before Load discards it.
func New(path string, format Format, ttl time.Duration) *Store {
	return &Store{
		files:  make(map[model.DevInode]model.FileCheckpoint),
		dirs:   make(map[string]model.DirectoryCheckpoint),
		ranges: make(map[string]model.RangeCheckpoint),
		path:   path,
		format: format,
		ttl:    ttl,
	}
}

// PutFile records or replaces the checkpoint for one file identity.
func (s *Store) PutFile(c model.FileCheckpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[c.DevInode] = c
}

// PutDir records or replaces a directory checkpoint.
func (s *Store) PutDir(c model.DirectoryCheckpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs[c.Path] = c
}

// PutRange records or replaces an exactly-once range checkpoint.
func (s *Store) PutRange(c model.RangeCheckpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges[c.Key] = c
}

// DeleteRange removes the range checkpoint stored under key. The pipeline
// does not call it; a slot's entry is replaced by the next PutRange for the
// same key.
func (s *Store) DeleteRange(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ranges, key)
}

// FileCheckpoint looks up the last known checkpoint for id, used by the
// reader when opening a file for the first time in a process lifetime.
func (s *Store) FileCheckpoint(id model.DevInode) (model.FileCheckpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.files[id]
	return c, ok
}

// Ranges returns every currently-tracked range checkpoint, used to rebind
// ExactlyOnceQueue slots at startup.
func (s *Store) Ranges() []model.RangeCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RangeCheckpoint, 0, len(s.ranges))
	for _, r := range s.ranges {
		out = append(out, r)
	}
	return out
}

func (s *Store) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{WrittenAt: time.Now()}
	for _, c := range s.files {
		snap.Files = append(snap.Files, c)
	}
	for _, c := range s.dirs {
		snap.Dirs = append(snap.Dirs, c)
	}
	for _, c := range s.ranges {
		snap.Ranges = append(snap.Ranges, c)
	}
	return snap
}

// Dump writes the current snapshot to s.path atomically: encode to a temp
// file in the same directory, fsync, then rename over the target so a
// crash mid-write never leaves a truncated checkpoint file behind.
func (s *Store) Dump() error {
	snap := s.snapshot()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := s.format.Encode(tmp, snap); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close checkpoint: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	cclog.Debugf("checkpoint: dumped %d file(s), %d dir(s), %d range(s) to %s",
		len(snap.Files), len(snap.Dirs), len(snap.Ranges), s.path)
	return nil
}

// Load reads s.path and merges its entries into the in-memory state
// (existing entries are kept unless overwritten by key), discarding any entry
// whose LastUpdated is older than s.ttl. A missing file is not
// an error: it means this is the first run.
func (s *Store) Load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	snap, err := s.format.Decode(f)
	if err != nil {
		alarm.RaiseError(alarm.KindCheckpointCorrupt, "checkpoint %s failed to decode: %v", s.path, err)
		return fmt.Errorf("decode checkpoint: %w", err)
	}

	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range snap.Files {
		if s.ttl > 0 && c.LastUpdated.Before(cutoff) {
			continue
		}
		s.files[c.DevInode] = c
	}
	for _, c := range snap.Dirs {
		if s.ttl > 0 && c.LastUpdated.Before(cutoff) {
			continue
		}
		s.dirs[c.Path] = c
	}
	for _, c := range snap.Ranges {
		s.ranges[c.Key] = c
	}

	cclog.Infof("checkpoint: loaded %d file(s), %d dir(s), %d range(s) from %s (dropped stale entries older than %s)",
		len(s.files), len(s.dirs), len(s.ranges), s.path, s.ttl)
	return nil
}

// Lookup implements the reader registry's checkpoint lookup: a hit requires
// both the dev-inode and the config name to match, since two configs may
// tail the same file with different offsets over time. The not-found case is
// logged at debug level and only for non-fuse files: the lookup is routinely
// called for files that were never checkpointed, and fuse-mode files hit it
// on every deferred-cleanup pass.
func (s *Store) Lookup(id model.FileIdentity) (model.FileCheckpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.files[id.DevInode]
	if !ok || c.ConfigName != id.ConfigName {
		if !id.FuseMode {
			cclog.Debugf("checkpoint: no entry for %s (%s)", id.Path, id.DevInode)
		}
		return model.FileCheckpoint{}, false
	}
	return c, true
}

// DeleteFile removes the checkpoint for one dev-inode. Idempotent: deleting
// an absent entry is a no-op.
func (s *Store) DeleteFile(di model.DevInode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, di)
}
