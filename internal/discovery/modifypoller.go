// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ClusterCockpit/tailer-agent/internal/model"
)

// RunModifyPoller blocks, running one Tick every ModifyPollInterval until
// ctx is cancelled.
func (r *Registry) RunModifyPoller(ctx context.Context) {
	ticker := time.NewTicker(r.tune.ModifyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick stats every tracked file once and emits Modify/Delete events per
// the modify-poller decision rules. Exported for tests that want single-step
// control.
func (r *Registry) Tick() {
	r.mu.Lock()
	paths := make([]string, 0, len(r.modifyCache))
	for p := range r.modifyCache {
		paths = append(paths, p)
	}
	configOf := make(map[string]string, len(paths))
	for _, p := range paths {
		if fe, ok := r.fileCache[p]; ok {
			configOf[p] = fe.matchedConfig
		}
	}
	r.mu.Unlock()

	sort.Strings(paths)

	var events []model.Event
	var toDelete []string

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				events = append(events, model.Event{Kind: model.EventDelete, SourceDir: filepath.Dir(path), ObjectName: filepath.Base(path), ConfigName: configOf[path]})
				toDelete = append(toDelete, path)
			}
			continue
		}

		di, ok := devInodeOf(info)
		if !ok {
			continue
		}

		r.mu.Lock()
		entry := r.modifyCache[path]
		if entry == nil {
			r.mu.Unlock()
			continue
		}

		switch {
		case entry.devInode.IsZero():
			entry.devInode, entry.size, entry.modTime = di, info.Size(), info.ModTime()
			if time.Since(info.ModTime()) > r.tune.IgnoreModifyTimeout {
				r.mu.Unlock()
				continue
			}
			r.mu.Unlock()
			events = append(events, model.Event{Kind: model.EventModify, SourceDir: filepath.Dir(path), ObjectName: filepath.Base(path), DevInode: di, HasInode: true, ConfigName: configOf[path]})

		case entry.devInode != di:
			entry.devInode, entry.size, entry.modTime = di, info.Size(), info.ModTime()
			if time.Since(info.ModTime()) > r.tune.IgnoreModifyTimeout {
				r.mu.Unlock()
				continue
			}
			r.mu.Unlock()
			events = append(events, model.Event{Kind: model.EventModify, SourceDir: filepath.Dir(path), ObjectName: filepath.Base(path), DevInode: di, HasInode: true, ConfigName: configOf[path]})

		case entry.size != info.Size() || !entry.modTime.Equal(info.ModTime()):
			entry.size, entry.modTime = info.Size(), info.ModTime()
			r.mu.Unlock()
			events = append(events, model.Event{Kind: model.EventModify, SourceDir: filepath.Dir(path), ObjectName: filepath.Base(path), DevInode: di, HasInode: true, ConfigName: configOf[path]})

		default:
			r.mu.Unlock()
		}
	}

	if len(toDelete) > 0 {
		r.mu.Lock()
		for _, p := range toDelete {
			delete(r.modifyCache, p)
			delete(r.fileCache, p)
		}
		r.mu.Unlock()
	}

	if len(events) > 0 {
		r.queue.Push(events...)
	}

	r.maybeMakeSpace()
}

// maybeMakeSpace enforces the bounded modify-cache size control from
// when full, evict the oldest 20% by mtime, never more often
// than MakeSpaceInterval.
func (r *Registry) maybeMakeSpace() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.modifyCache) <= r.tune.ModifyCacheLimit {
		return
	}
	if time.Since(r.lastMakeSpace) < r.tune.MakeSpaceInterval {
		return
	}

	type kv struct {
		path string
		mt   time.Time
	}
	all := make([]kv, 0, len(r.modifyCache))
	for p, e := range r.modifyCache {
		all = append(all, kv{p, e.modTime})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].mt.Before(all[j].mt) })

	evictCount := len(all) / 5
	for i := 0; i < evictCount; i++ {
		delete(r.modifyCache, all[i].path)
	}
	r.lastMakeSpace = time.Now()
}
