// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package discovery implements the two cooperating pollers:
// the dir-file poller (directory/file existence scanning) and the modify
// poller (per-file stat polling for size/mtime changes). Both share one
// registry and one cache lock.
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/tailer-agent/internal/alarm"
	"github.com/ClusterCockpit/tailer-agent/internal/config"
	"github.com/ClusterCockpit/tailer-agent/internal/eventqueue"
	"github.com/ClusterCockpit/tailer-agent/internal/model"
)

// Tunables holds the global discovery knobs, already
// resolved from config.GlobalConfig.
type Tunables struct {
	DirFilePollInterval time.Duration
	ModifyPollInterval  time.Duration
	FirstWatchTimeout   time.Duration
	RepushInterval      time.Duration
	IgnoreModifyTimeout time.Duration

	GlobalStatCeiling int
	PerDirStatCeiling int
	PerConfigCeiling  int

	EvictEveryRounds  int
	EvictAfterRounds  int
	ModifyCacheLimit  int
	MakeSpaceInterval time.Duration
}

// DefaultTunables returns the documented discovery defaults.
func DefaultTunables() Tunables {
	return Tunables{
		DirFilePollInterval: 5 * time.Second,
		ModifyPollInterval:  1 * time.Second,
		FirstWatchTimeout:   3 * time.Hour,
		RepushInterval:      10 * time.Second,
		IgnoreModifyTimeout: 180 * time.Second,
		GlobalStatCeiling:   200000,
		PerDirStatCeiling:   50000,
		PerConfigCeiling:    100000,
		EvictEveryRounds:    20,
		EvictAfterRounds:    100,
		ModifyCacheLimit:    100000,
		MakeSpaceInterval:   10 * time.Minute,
	}
}

// Registry owns both pollers for the set of active input configs. It is
// both share one cache lock.
type Registry struct {
	tune Tunables

	mu          sync.Mutex
	configs     map[string]*config.InputConfig
	dirCache    map[string]*dirEntry
	fileCache   map[string]*fileEntry
	modifyCache map[string]*modifyEntry
	round       int

	lastMakeSpace time.Time

	queue *eventqueue.Queue
}

// NewRegistry builds a Registry driving the given configs into queue.
func NewRegistry(queue *eventqueue.Queue, tune Tunables) *Registry {
	return &Registry{
		tune:        tune,
		configs:     make(map[string]*config.InputConfig),
		dirCache:    make(map[string]*dirEntry),
		fileCache:   make(map[string]*fileEntry),
		modifyCache: make(map[string]*modifyEntry),
		queue:       queue,
	}
}

// SetConfig registers or replaces the input config under its name.
func (r *Registry) SetConfig(cfg *config.InputConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.Name] = cfg
}

// RemoveConfig drops a previously registered config.
func (r *Registry) RemoveConfig(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, name)
}

// RunDirFilePoller blocks, running one Round every DirFilePollInterval
// until ctx is cancelled.
func (r *Registry) RunDirFilePoller(ctx context.Context) {
	ticker := time.NewTicker(r.tune.DirFilePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Round()
		}
	}
}

// Round performs one full scan of every configured root. Exported for
// tests that want single-step control.
func (r *Registry) Round() {
	r.mu.Lock()
	r.round++
	round := r.round
	configs := make([]*config.InputConfig, 0, len(r.configs))
	for _, c := range r.configs {
		configs = append(configs, c)
	}
	r.mu.Unlock()

	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })

	globalStats := 0
	for _, cfg := range configs {
		roots, err := expandRoots(cfg.BasePath)
		if err != nil {
			cclog.Warnf("discovery: expanding base_path %q for config %q: %v", cfg.BasePath, cfg.Name, err)
			continue
		}

		perConfigStats := 0
		for _, root := range roots {
			globalStats, perConfigStats = r.walkRoot(cfg, root, round, globalStats, perConfigStats)
			if globalStats > r.tune.GlobalStatCeiling {
				alarm.Raise(alarm.KindStatCeiling, "global stat ceiling %d exceeded during round %d, aborting remainder", r.tune.GlobalStatCeiling, round)
				return
			}
			if perConfigStats > r.tune.PerConfigCeiling {
				alarm.Raise(alarm.KindStatCeiling, "per-config stat ceiling %d exceeded for %q, aborting remaining roots", r.tune.PerConfigCeiling, cfg.Name)
				break
			}
		}
	}

	if round%r.tune.EvictEveryRounds == 0 {
		r.evict(round)
	}
}

// expandRoots resolves a possibly-wildcarded base_path into concrete
// directories to walk.
func expandRoots(basePath string) ([]string, error) {
	if !containsGlobMeta(basePath) {
		return []string{basePath}, nil
	}
	return filepath.Glob(basePath)
}

func containsGlobMeta(s string) bool {
	for _, c := range s {
		if c == '*' || c == '?' || c == '[' {
			return true
		}
	}
	return false
}

// walkRoot walks one root directory up to cfg's configured depth, applying
// the directory/file decision rules, and returns the
// updated global/per-config stat counters.
func (r *Registry) walkRoot(cfg *config.InputConfig, root string, round, globalStats, perConfigStats int) (int, int) {
	type queued struct {
		path  string
		depth int
	}

	bl := Blacklist{Dir: cfg.DirBlacklist, Filename: cfg.FilenameBlacklist, FullPath: cfg.FilepathBlacklist}
	maxDepth := resolveMaxDepth(cfg)

	queue := []queued{{path: root, depth: 0}}
	perDirStats := make(map[string]int)

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if !bl.Collectible(cur.path) {
			continue
		}

		entries, err := os.ReadDir(cur.path)
		globalStats++
		perConfigStats++
		perDirStats[cur.path] += len(entries)
		if err != nil {
			continue
		}
		if perDirStats[cur.path] > r.tune.PerDirStatCeiling {
			alarm.Raise(alarm.KindStatCeiling, "per-directory stat ceiling %d exceeded for %q", r.tune.PerDirStatCeiling, cur.path)
			continue
		}

		for _, e := range entries {
			full := filepath.Join(cur.path, e.Name())
			info, err := e.Info()
			globalStats++
			perConfigStats++
			if err != nil {
				continue
			}

			if info.IsDir() {
				if !bl.Collectible(full) {
					continue
				}
				r.handleDir(cfg.Name, full, round, info.ModTime())

				if maxDepth < 0 || cur.depth+1 <= maxDepth {
					queue = append(queue, queued{path: full, depth: cur.depth + 1})
				}
				continue
			}

			if info.Mode()&os.ModeSymlink != 0 {
				resolved, err := filepath.EvalSymlinks(full)
				if err != nil {
					continue
				}
				rinfo, err := os.Stat(resolved)
				if err != nil || (!rinfo.Mode().IsRegular() && !rinfo.IsDir()) {
					continue
				}
				info = rinfo
				full = resolved
			}

			if !info.Mode().IsRegular() {
				continue // FIFOs and sockets are ignored
			}

			matched, err := filepath.Match(cfg.FilePattern, filepath.Base(full))
			if err != nil || !matched {
				continue
			}
			if !bl.Collectible(full) {
				continue
			}

			r.handleFile(cfg.Name, full, round, info.ModTime())
		}
	}

	return globalStats, perConfigStats
}

// resolveMaxDepth applies the preserve/preserve_depth/max_depth
// config triangle: max_depth == -1 is legacy unbounded mode, otherwise
// preserve selects preserve_depth, and !preserve bounds by max_depth.
func resolveMaxDepth(cfg *config.InputConfig) int {
	if cfg.MaxDepth < 0 {
		return -1
	}
	if cfg.Preserve {
		return cfg.PreserveDepth
	}
	return cfg.MaxDepth
}

func (r *Registry) handleDir(configName, path string, round int, modTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.dirCache[path]
	if ok {
		e.lastSeenRound = round
		e.lastModTime = modTime
		return
	}

	age := time.Since(modTime)
	if round > 1 && age > r.tune.FirstWatchTimeout {
		r.dirCache[path] = &dirEntry{lastSeenRound: round, lastModTime: modTime, matchedConfig: configName}
		return
	}

	r.dirCache[path] = &dirEntry{
		lastSeenRound: round,
		lastModTime:   modTime,
		matchedConfig: configName,
		eventEmitted:  true,
		lastEventTime: time.Now(),
	}
	r.queue.Push(model.Event{Kind: model.EventCreate, SourceDir: filepath.Dir(path), ObjectName: filepath.Base(path), ConfigName: configName})
}

func (r *Registry) handleFile(configName, path string, round int, modTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	age := time.Since(modTime)
	e, ok := r.fileCache[path]

	if ok {
		e.lastSeenRound = round
		e.lastModTime = modTime
		if e.eventEmitted && age < r.tune.FirstWatchTimeout && time.Since(e.lastEventTime) >= r.tune.RepushInterval {
			e.lastEventTime = time.Now()
			r.queue.Push(model.Event{Kind: model.EventModify, SourceDir: filepath.Dir(path), ObjectName: filepath.Base(path), ConfigName: configName})
		}
		return
	}

	if age > r.tune.FirstWatchTimeout {
		r.fileCache[path] = &fileEntry{lastSeenRound: round, lastModTime: modTime, matchedConfig: configName}
		return
	}

	r.fileCache[path] = &fileEntry{
		lastSeenRound: round,
		lastModTime:   modTime,
		matchedConfig: configName,
		eventEmitted:  true,
		lastEventTime: time.Now(),
	}
	r.trackForModify(path)
	r.queue.Push(model.Event{Kind: model.EventModify, SourceDir: filepath.Dir(path), ObjectName: filepath.Base(path), ConfigName: configName})
}

// trackForModify registers path with the modify poller. Caller holds r.mu.
func (r *Registry) trackForModify(path string) {
	if _, ok := r.modifyCache[path]; !ok {
		r.modifyCache[path] = &modifyEntry{}
	}
}

// DirCheckpoints snapshots the directory cache for the checkpoint store,
// so previously known subdirectories are re-discovered after a restart.
func (r *Registry) DirCheckpoints() []model.DirectoryCheckpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	children := make(map[string]map[string]struct{}, len(r.dirCache))
	for path := range r.dirCache {
		if parent := filepath.Dir(path); children[parent] != nil {
			children[parent][path] = struct{}{}
		} else {
			children[parent] = map[string]struct{}{path: {}}
		}
	}

	out := make([]model.DirectoryCheckpoint, 0, len(r.dirCache))
	for path, e := range r.dirCache {
		out = append(out, model.DirectoryCheckpoint{
			Path:        path,
			Children:    children[path],
			LastUpdated: e.lastModTime,
		})
	}
	return out
}

// evict runs the N-round cache eviction sweep: entries whose
// last-check round is older than EvictAfterRounds are dropped; directory
// evictions additionally emit a Timeout event so downstream can unregister
// any associated watch state.
func (r *Registry) evict(round int) {
	r.mu.Lock()
	threshold := round - r.tune.EvictAfterRounds

	var timeouts []model.Event
	for path, e := range r.dirCache {
		if e.lastSeenRound < threshold {
			delete(r.dirCache, path)
			timeouts = append(timeouts, model.Event{Kind: model.EventTimeout, SourceDir: filepath.Dir(path), ObjectName: filepath.Base(path), ConfigName: e.matchedConfig})
		}
	}
	for path, e := range r.fileCache {
		if e.lastSeenRound < threshold {
			delete(r.fileCache, path)
		}
	}
	r.mu.Unlock()

	if len(timeouts) > 0 {
		r.queue.Push(timeouts...)
	}
}
