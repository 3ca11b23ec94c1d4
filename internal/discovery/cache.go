// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package discovery

import (
	"time"

	"github.com/ClusterCockpit/tailer-agent/internal/model"
)

// dirEntry is the per-directory cache record of the dir-file poller.
type dirEntry struct {
	lastSeenRound int
	lastModTime   time.Time
	matchedConfig string
	eventEmitted  bool
	lastEventTime time.Time
}

// fileEntry is the per-file cache record of the dir-file poller.
type fileEntry struct {
	lastSeenRound int
	lastModTime   time.Time
	matchedConfig string
	eventEmitted  bool
	lastEventTime time.Time
}

// modifyEntry is the modify poller's per-file tracking record. A zero
// DevInode means "first observation, never
// stat'd yet".
type modifyEntry struct {
	devInode model.DevInode
	size     int64
	modTime  time.Time
}
