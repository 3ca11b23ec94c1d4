// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package taskManager registers the agent's periodic services on one shared
// gocron scheduler: the jittered checkpoint dump, the pack-sequence sweep
// and the spill-buffer replay.
package taskManager

import (
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/tailer-agent/internal/aggregator"
	"github.com/ClusterCockpit/tailer-agent/internal/alarm"
	"github.com/ClusterCockpit/tailer-agent/internal/checkpoint"
	"github.com/go-co-op/gocron/v2"
)

var s gocron.Scheduler

// Start creates and starts the shared scheduler. Register* calls may follow
// in any order; gocron schedules jobs added after Start immediately.
func Start() {
	var err error
	s, err = gocron.NewScheduler()
	if err != nil {
		cclog.Fatalf("taskManager: could not create gocron scheduler: %s", err.Error())
	}
	s.Start()
}

// RegisterCheckpointService schedules the periodic checkpoint dump. The
// interval is jittered by up to half itself so a fleet of agents does not
// write in lockstep.
func RegisterCheckpointService(store *checkpoint.Store, interval time.Duration) {
	cclog.Infof("taskManager: register checkpoint dump service, interval %s", interval)
	_, err := s.NewJob(
		gocron.DurationRandomJob(interval, interval+interval/2),
		gocron.NewTask(func() {
			if err := store.Dump(); err != nil {
				alarm.Raise(alarm.KindCheckpointCorrupt, "periodic checkpoint dump failed: %v", err)
			}
		}))
	if err != nil {
		cclog.Errorf("taskManager: could not register checkpoint service: %v", err)
	}
}

// RegisterPackSeqSweep schedules the aggregator's stale pack-sequence
// cleanup.
func RegisterPackSeqSweep(agg *aggregator.Aggregator, interval time.Duration) {
	cclog.Infof("taskManager: register pack-seq sweep service, interval %s", interval)
	_, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(agg.CleanTimeoutLogPackSeq))
	if err != nil {
		cclog.Errorf("taskManager: could not register pack-seq sweep: %v", err)
	}
}

// RegisterService schedules an arbitrary periodic fn, used for the spill
// replay.
func RegisterService(name string, interval time.Duration, fn func()) {
	cclog.Infof("taskManager: register %s service, interval %s", name, interval)
	_, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(fn))
	if err != nil {
		cclog.Errorf("taskManager: could not register %s service: %v", name, err)
	}
}

// Shutdown stops the scheduler, waiting for running jobs to finish.
func Shutdown() {
	if s != nil {
		s.Shutdown()
	}
}
