// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/tailer-agent/internal/aggregator"
	"github.com/ClusterCockpit/tailer-agent/internal/alarm"
	"github.com/ClusterCockpit/tailer-agent/internal/checkpoint"
	"github.com/ClusterCockpit/tailer-agent/internal/config"
	"github.com/ClusterCockpit/tailer-agent/internal/discovery"
	"github.com/ClusterCockpit/tailer-agent/internal/eventqueue"
	"github.com/ClusterCockpit/tailer-agent/internal/feedback"
	"github.com/ClusterCockpit/tailer-agent/internal/model"
	"github.com/ClusterCockpit/tailer-agent/internal/reader"
	"github.com/ClusterCockpit/tailer-agent/internal/sender"
	"github.com/ClusterCockpit/tailer-agent/internal/ship"
	"github.com/ClusterCockpit/tailer-agent/internal/taskManager"
	"github.com/google/uuid"
)

// pipeline wires every stage together: Discovery -> EventQueue -> Readers
// -> Aggregator -> SenderQueues -> Shipper, with the CheckpointStore and
// FeedbackBus crossing stages.
type pipeline struct {
	cfg *config.ProgramConfig

	store   *checkpoint.Store
	bus     *feedback.Bus
	queues  *sender.Manager
	regions *sender.Regions
	agg     *aggregator.Aggregator
	events  *eventqueue.Queue
	disc    *discovery.Registry
	shipper *ship.Shipper
	buffer  *ship.BufferFile

	registries map[string]*reader.Registry
	identities map[string]func(path string) model.FileIdentity

	timeSlice time.Duration
}

// hostTags is the in-process stand-in for the out-of-scope system-info
// collaborator: environment tags from the container mount
// metadata, a per-process machine UUID and the hostname source.
type hostTags struct {
	env      map[string]string
	uuid     string
	hostname string
}

func (t hostTags) EnvTags() map[string]string { return t.env }
func (t hostTags) MachineUUID() string        { return t.uuid }
func (t hostTags) HostnameSource() string     { return t.hostname }

// recordSink adapts one input config's reader output into aggregator
// records. It applies the discard_none_utf8 policy before anything else
// touches the line.
type recordSink struct {
	agg            *aggregator.Aggregator
	params         aggregator.AddParams
	discardNonUTF8 bool
}

func (s *recordSink) Enqueue(line []byte, fi model.FileIdentity, cur *model.Cursor) {
	if s.discardNonUTF8 && !utf8.Valid(line) {
		alarm.Raise(alarm.KindNonUTF8, "discarding non-UTF-8 record from %s", fi.Path)
		return
	}

	params := s.params
	params.Source = fi.Path
	params.SourceID = fi.DevInode.String()

	s.agg.Add(model.LogRecord{
		Timestamp:  time.Now(),
		SourcePath: fi.Path,
		Topic:      params.Topic,
		Contents:   map[string]string{"content": string(line)},
		RawSize:    len(line),
	}, params, cur)
}

func newPipeline(cfg *config.ProgramConfig) (*pipeline, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	store := checkpoint.New(cfg.Global.CheckpointPath, checkpoint.FormatByName(cfg.Global.CheckpointFormat), cfg.Global.CheckpointTimeout)
	if err := store.Load(); err != nil {
		// Corrupt or unreadable checkpoints mean starting fresh (from EOF
		// for existing files), not refusing to start.
		cclog.Warnf("pipeline: starting without checkpoints: %s", err.Error())
	}

	bus := feedback.NewBus()
	queues := sender.NewManager(sender.QueueDefaults{
		Capacity:  cfg.Global.SenderQueueCapacity,
		HighWater: cfg.Global.SenderQueueHighWater,
		LowWater:  cfg.Global.SenderQueueLowWater,
	}, bus)

	agg := aggregator.New(aggregator.Config{
		BatchSendMetricSize: cfg.Global.BatchSendMetricSize,
		MergeLogCountLimit:  cfg.Global.MergeLogCountLimit,
		BatchSendInterval:   cfg.Global.BatchSendInterval,
	}, queues, hostTags{
		env:      cfg.Global.ContainerMountMeta,
		uuid:     uuid.NewString(),
		hostname: hostname,
	})

	regions := sender.NewRegions(cfg.Global.RegionConcurrency, cfg.Global.ByteRateCapPerSecond)
	for region, addrs := range cfg.Global.Endpoints {
		rs := regions.Get(region)
		for _, addr := range addrs {
			proxy := strings.HasPrefix(addr, "proxy:")
			rs.AddEndpoint(&model.DestinationEndpoint{
				Address: strings.TrimPrefix(addr, "proxy:"),
				Healthy: true,
				Proxy:   proxy,
			})
		}
	}

	buffer, err := ship.OpenBufferFile(cfg.Global.BufferFilePath, cfg.Global.BufferFileMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("opening buffer file: %w", err)
	}

	shipper, err := ship.New(ship.Config{
		Workers:        cfg.Global.ShipperWorkers,
		MaxRetries:     cfg.Global.ShipperMaxRetries,
		RequestTimeout: cfg.Global.RequestTimeout,
		SigningService: cfg.Global.SigningService,
		AccessKey:      cfg.Global.AccessKey,
		SecretKey:      cfg.Global.SecretKey,
	}, queues, regions, buffer)
	if err != nil {
		return nil, fmt.Errorf("building shipper: %w", err)
	}

	events := eventqueue.New(cfg.Global.EventQueueCapacity)

	tune := discovery.DefaultTunables()
	tune.DirFilePollInterval = cfg.Global.DirFilePollInterval
	tune.ModifyPollInterval = cfg.Global.ModifyPollInterval
	tune.FirstWatchTimeout = cfg.Global.FirstWatchTimeout
	tune.RepushInterval = cfg.Global.RepushInterval
	tune.IgnoreModifyTimeout = cfg.Global.IgnoreModifyTimeout
	disc := discovery.NewRegistry(events, tune)

	p := &pipeline{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		queues:     queues,
		regions:    regions,
		agg:        agg,
		events:     events,
		disc:       disc,
		shipper:    shipper,
		buffer:     buffer,
		registries: make(map[string]*reader.Registry),
		identities: make(map[string]func(path string) model.FileIdentity),
		timeSlice:  time.Duration(cfg.Global.ReadFileTimeSliceMicros) * time.Microsecond,
	}

	for name, in := range cfg.Inputs {
		if err := p.addInput(name, in); err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
	}

	return p, nil
}

func (p *pipeline) addInput(name string, in *config.InputConfig) error {
	if in.Customized.FuseMode && os.Getenv("ULOGFS_ENABLED") == "" {
		cclog.Warnf("input %q requests fuse_mode but ULOGFS_ENABLED is not set, disabling", name)
		in.Customized.FuseMode = false
	}

	dest := model.Destination{Project: in.Project, Logstore: in.Logstore, Region: in.Region, AliUID: in.AliUID}
	feedbackKey := dest.FeedbackKey()

	sink := &recordSink{
		agg: p.agg,
		params: aggregator.AddParams{
			Destination:     dest,
			Topic:           in.TopicFormat,
			ConfigPath:      in.BasePath,
			MergeByLogstore: in.MergeByLogstore,
		},
		discardNonUTF8: p.cfg.Global.DiscardNoneUTF8,
	}

	batchInterval := p.cfg.Global.BatchSendInterval
	if in.Advanced.BatchSendInterval > 0 {
		batchInterval = in.Advanced.BatchSendInterval
	}

	opts := reader.Options{
		BufferSize:     p.cfg.Global.ReadBufferSize,
		SignatureSize:  p.cfg.Global.SignatureSize,
		MaxSendSize:    p.cfg.Global.MaxSendSize,
		FlushTimeout:   batchInterval,
		MultilineBegin: in.MultilineBeginRegex,
	}

	reg := reader.NewRegistry(name, opts, p.store, sink, p.bus, p.timeSlice)
	reg.FeedbackKey = feedbackKey

	// tail_size < 0 selects read-from-beginning for newly discovered files.
	reg.StartAtBOF = in.Advanced.TailSize < 0

	if in.Customized.DataIntegrity {
		// Replayable source: bind an exactly-once queue, rebinding any
		// recovered slot cursors to the slots the checkpoint recorded.
		var ranges []model.RangeCheckpoint
		for _, rc := range p.store.Ranges() {
			if strings.HasPrefix(rc.Key, feedbackKey+"#") {
				ranges = append(ranges, rc)
			}
		}
		p.queues.BindExactlyOnce(feedbackKey, p.cfg.Global.ExactlyOnceSlotCount, ranges)

		// Every file under this config gets its own source cursor, scoped
		// by dev-inode, starting at the reader's resume offset.
		reg.NewCursor = func(id model.FileIdentity, offset int64) *model.Cursor {
			return model.NewCursor(model.RangeCheckpoint{
				Key:        feedbackKey + "#" + id.DevInode.String(),
				HashKey:    feedbackKey,
				ReadOffset: offset,
			})
		}
	}

	p.registries[name] = reg
	p.identities[name] = func(path string) model.FileIdentity {
		id := model.FileIdentity{
			Project:    in.Project,
			Logstore:   in.Logstore,
			ConfigName: name,
			Path:       path,
			FuseMode:   in.Customized.FuseMode,
		}
		if info, err := os.Stat(path); err == nil {
			if di, ok := discovery.DevInodeOf(info); ok {
				id.DevInode = di
			}
		}
		return id
	}

	p.disc.SetConfig(in)
	return nil
}

// start launches the long-lived workers: the two discovery
// pollers, the event dispatcher, the sender main loop and the shipper pool.
func (p *pipeline) start(ctx context.Context, wg *sync.WaitGroup) {
	p.shipper.ReplaySpilled()

	wg.Add(4)
	go func() {
		defer wg.Done()
		p.disc.RunDirFilePoller(ctx)
	}()
	go func() {
		defer wg.Done()
		p.disc.RunModifyPoller(ctx)
	}()
	go func() {
		defer wg.Done()
		p.dispatch(ctx)
	}()
	go func() {
		defer wg.Done()
		p.senderMain(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.shipper.Run(ctx); err != nil && ctx.Err() == nil {
			cclog.Errorf("shipper stopped: %s", err.Error())
		}
	}()
}

// dispatch is the single dispatcher thread: it drains the event queue and
// routes each event to its config's reader registry under the per-registry
// read time-slice.
func (p *pipeline) dispatch(ctx context.Context) {
	for ctx.Err() == nil {
		events := p.events.DrainWait(time.Second)

		for _, ev := range events {
			reg, ok := p.registries[ev.ConfigName]
			if !ok {
				continue
			}
			deadline := time.Now().Add(p.timeSlice)
			if err := reg.Handle(ev, p.identities[ev.ConfigName], deadline); err != nil {
				cclog.Warnf("dispatch: handling %s for %s: %s", ev.Kind, ev.Path(), err.Error())
			}
		}

		// Arm force-reads for readers whose buffered partial record sat
		// past the flush timeout, then reap drained leftovers. The events
		// take the regular queue so coalescing keeps only the newest
		// generation per file.
		for _, reg := range p.registries {
			if evs := reg.FlushTimeoutEvents(); len(evs) > 0 {
				p.events.Push(evs...)
			}
			reg.Reap()
		}
	}
}

// senderMain drives the periodic flush-ready sweep and mirrors reader and
// slot state into the checkpoint store.
func (p *pipeline) senderMain(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Global.BatchSendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Last chance for accumulated records to reach the sender
			// queues before the final checkpoint dump.
			p.agg.FlushAll()
			return
		case <-ticker.C:
			p.agg.Sweep()
			p.syncCheckpoints()
		}
	}
}

// syncCheckpoints copies the live reader offsets and exactly-once slot
// cursors into the store; the store's own task dumps them to disk.
func (p *pipeline) syncCheckpoints() {
	for _, reg := range p.registries {
		for _, cp := range reg.Checkpoints() {
			p.store.PutFile(cp)
		}
	}
	for _, dc := range p.disc.DirCheckpoints() {
		p.store.PutDir(dc)
	}
	for _, rc := range p.queues.RangeSnapshots() {
		p.store.PutRange(rc)
	}
}

// registerTasks installs the periodic services on the shared scheduler.
func (p *pipeline) registerTasks(cfg *config.ProgramConfig) {
	taskManager.RegisterCheckpointService(p.store, cfg.Global.CheckpointInterval)
	taskManager.RegisterPackSeqSweep(p.agg, time.Hour)
	taskManager.RegisterService("spill-replay", time.Minute, p.shipper.ReplaySpilled)
}

// finalize persists last-known-good state after every worker has exited.
func (p *pipeline) finalize() {
	p.syncCheckpoints()
	if err := p.store.Dump(); err != nil {
		cclog.Errorf("final checkpoint dump failed: %s", err.Error())
	}
	if err := p.buffer.Close(); err != nil {
		cclog.Warnf("closing buffer file: %s", err.Error())
	}
}

// Snapshot implements statusserver.Stats.
func (p *pipeline) Snapshot() map[string]any {
	return map[string]any{
		"version":           version,
		"goroutines":        runtime.NumGoroutine(),
		"event_queue_depth": p.events.Len(),
		"sender_depth":      p.queues.Len(),
		"inputs":            len(p.registries),
	}
}
