// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build unix

package discovery

import (
	"os"
	"syscall"

	"github.com/ClusterCockpit/tailer-agent/internal/model"
)

// devInodeOf extracts the (device, inode) pair from a FileInfo. This agent
// targets POSIX hosts; Windows root-path collection is not implemented.
func devInodeOf(fi os.FileInfo) (model.DevInode, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return model.DevInode{}, false
	}
	return model.DevInode{Dev: uint64(st.Dev), Ino: st.Ino}, true
}

// DevInodeOf exposes the stat identity for callers outside this package
// (the pipeline wiring builds FileIdentity values from it).
func DevInodeOf(fi os.FileInfo) (model.DevInode, bool) {
	return devInodeOf(fi)
}
