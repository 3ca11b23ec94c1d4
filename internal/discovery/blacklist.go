// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package discovery

import (
	"path/filepath"
	"strings"
)

// Blacklist holds three pattern lists: directory
// patterns (matched against the containing directory), filename patterns
// (matched against the base name) and full-path patterns (matched against
// the absolute path). All three support single-level `*` and multi-level
// `**` wildcard semantics.
type Blacklist struct {
	Dir      []string
	Filename []string
	FullPath []string
}

// Collectible reports whether path should be collected: true iff none of
// the three blacklists match it.
func (b Blacklist) Collectible(path string) bool {
	dir, base := filepath.Split(path)
	dir = strings.TrimSuffix(dir, "/")
	base = strings.TrimSuffix(base, "/")

	for _, p := range b.FullPath {
		if globMatch(p, path) {
			return false
		}
	}
	for _, p := range b.Dir {
		if globMatch(p, dir) {
			return false
		}
	}
	for _, p := range b.Filename {
		if ok, _ := filepath.Match(p, base); ok {
			return false
		}
	}
	return true
}

// globMatch matches pattern against path where pattern may contain `*`
// (matches within one path segment) and `**` (matches zero or more whole
// segments).
func globMatch(pattern, path string) bool {
	pattern = strings.Trim(pattern, "/")
	path = strings.Trim(path, "/")

	return segmentsMatch(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

func segmentsMatch(pat, seg []string) bool {
	if len(pat) == 0 {
		return len(seg) == 0
	}

	if pat[0] == "**" {
		if segmentsMatch(pat[1:], seg) {
			return true
		}
		if len(seg) > 0 && segmentsMatch(pat, seg[1:]) {
			return true
		}
		return false
	}

	if len(seg) == 0 {
		return false
	}

	ok, err := filepath.Match(pat[0], seg[0])
	if err != nil || !ok {
		return false
	}

	return segmentsMatch(pat[1:], seg[1:])
}
