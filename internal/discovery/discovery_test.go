// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ClusterCockpit/tailer-agent/internal/config"
	"github.com/ClusterCockpit/tailer-agent/internal/eventqueue"
	"github.com/ClusterCockpit/tailer-agent/internal/model"
	"github.com/stretchr/testify/require"
)

func TestRoundEmitsModifyForNewFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.log"), []byte("a1\n"), 0o644))

	q := eventqueue.New(100)
	tune := DefaultTunables()
	reg := NewRegistry(q, tune)
	reg.SetConfig(&config.InputConfig{Name: "cfg", BasePath: dir, FilePattern: "*.log", MaxDepth: -1})

	reg.Round()

	events := q.Drain()
	require.NotEmpty(t, events)

	found := false
	for _, e := range events {
		if e.Kind == model.EventModify && e.ObjectName == "a.log" {
			found = true
		}
	}
	require.True(t, found, "expected a Modify event for a.log, got %+v", events)
}

func TestBlacklistExcludesMatchedPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tmp", "x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.log"), []byte("a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tmp", "x", "y.log"), []byte("y\n"), 0o644))

	q := eventqueue.New(100)
	reg := NewRegistry(q, DefaultTunables())
	reg.SetConfig(&config.InputConfig{
		Name:         "cfg",
		BasePath:     dir,
		FilePattern:  "*.log",
		MaxDepth:     -1,
		DirBlacklist: []string{filepath.Join(dir, "tmp") + "/**"},
	})

	reg.Round()

	events := q.Drain()
	for _, e := range events {
		require.NotEqual(t, "y.log", e.ObjectName)
	}
}

func TestGlobMatchDoubleStarAndSingleStar(t *testing.T) {
	require.True(t, globMatch("/logs/tmp/**", "/logs/tmp/x/y"))
	require.True(t, globMatch("/logs/tmp/**", "/logs/tmp"))
	require.False(t, globMatch("/logs/tmp/**", "/logs/other"))
	require.True(t, globMatch("/logs/*.log", "/logs/a.log"))
	require.False(t, globMatch("/logs/*.log", "/logs/sub/a.log"))
}
