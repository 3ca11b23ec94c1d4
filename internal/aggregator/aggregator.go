// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package aggregator groups parsed records into destination-keyed batches
// under size, count, and time thresholds.
package aggregator

import (
	"crypto/sha256"
	"strconv"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/tailer-agent/internal/model"
)

// Sink is the narrow admission+submit interface the aggregator needs from
// the sender side.
type Sink interface {
	IsValidToPush(feedbackKey string) bool
	Submit(batch *model.SendBatch) bool
}

// Tags resolves the environment tags, machine UUID and hostname-source tag
// appended to every flushed LogGroup. Collecting these values belongs to an
// external collaborator; Tags is the seam it plugs into.
type Tags interface {
	EnvTags() map[string]string
	MachineUUID() string
	HostnameSource() string
}

// Config holds the per-fingerprint/per-package trigger thresholds.
type Config struct {
	BatchSendMetricSize int64
	MergeLogCountLimit  int
	BatchSendInterval   time.Duration
}

const packSeqShortTTL = 24 * time.Hour
const packSeqLongTTL = 24 * 30 * time.Hour
const packSeqSweepThreshold = 100000

// Aggregator is the sole mutator of its item/package maps; a single coarse
// mutex guards both rather than fine-grained per-item locks.
type Aggregator struct {
	cfg  Config
	sink Sink
	tags Tags

	mu       sync.Mutex
	items    map[string]*model.MergeItem   // fingerprint -> item
	packages map[string]*model.PackageList // "project/logstore" -> package
	retained []*model.MergeItem            // admission-refused items awaiting the next sweep

	packSeq map[string]*packSeqEntry // per-source __pack_id__ sequence counters
}

type packSeqEntry struct {
	seq       uint64
	lastTouch time.Time
}

// New builds an Aggregator.
func New(cfg Config, sink Sink, tags Tags) *Aggregator {
	return &Aggregator{
		cfg:      cfg,
		sink:     sink,
		tags:     tags,
		items:    make(map[string]*model.MergeItem),
		packages: make(map[string]*model.PackageList),
		packSeq:  make(map[string]*packSeqEntry),
	}
}

// Fingerprint computes the aggregator key for merge_by_topic mode: hash of
// (project, logstore, topic, source, config-path, source-id).
func Fingerprint(dest model.Destination, topic, source, configPath, sourceID string) string {
	h := sha256.New()
	for _, s := range []string{dest.Project, dest.Logstore, topic, source, configPath, sourceID} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return string(sum[:16])
}

// AddParams carries everything Add needs to classify and route one record.
type AddParams struct {
	Destination     model.Destination
	Topic           string
	Source          string
	ConfigPath      string
	SourceID        string
	MergeByLogstore bool
}

// Add appends rec to the MergeItem identified by params, enforcing the
// minute-boundary invariant: if rec's minute differs from the item's
// current minute, the existing item is flushed first.
func (a *Aggregator) Add(rec model.LogRecord, params AddParams, cur *model.Cursor) {
	fp := Fingerprint(params.Destination, params.Topic, params.Source, params.ConfigPath, params.SourceID)
	now := time.Now()

	a.mu.Lock()
	item, ok := a.items[fp]

	var toFlush *model.MergeItem
	if ok && model.MinuteBucket(item.Group.Records[len(item.Group.Records)-1].Timestamp) != model.MinuteBucket(rec.Timestamp) {
		toFlush = item
		delete(a.items, fp)
		item, ok = nil, false
	}

	if !ok {
		item = &model.MergeItem{
			Fingerprint:     fp,
			Destination:     params.Destination,
			FirstRecordTime: now,
			MergeByLogstore: params.MergeByLogstore,
			Group: model.LogGroup{
				Project:  params.Destination.Project,
				Logstore: params.Destination.Logstore,
				Topic:    params.Topic,
				Source:   params.Source,
			},
		}
		if cur != nil {
			// Each item claims its own range off the source cursor; the
			// item flushed at a minute boundary above keeps the range it
			// already claimed, this one starts where that range ended.
			item.Cursor = cur.Split(int64(rec.RawSize))
		}
		a.items[fp] = item
	} else if cur != nil {
		if item.Cursor == nil {
			item.Cursor = cur.Split(int64(rec.RawSize))
		} else {
			cur.Extend(int64(rec.RawSize))
			item.Cursor.Extend(int64(rec.RawSize))
		}
	}

	item.Group.Records = append(item.Group.Records, rec)
	item.LineCount++
	item.LastUpdateTime = now

	flush := item.RawBytes() >= a.cfg.BatchSendMetricSize || item.LineCount >= a.cfg.MergeLogCountLimit
	a.mu.Unlock()

	// External calls happen outside the lock.
	if toFlush != nil {
		a.flushItem(toFlush)
	}
	if flush {
		a.trySweepOne(fp)
	}
}

// flushItem routes item to the package path or the direct-submit path
// according to its merge mode.
func (a *Aggregator) flushItem(item *model.MergeItem) {
	if item.MergeByLogstore {
		a.addToPackage(item)
		return
	}
	a.finishAndSubmit(item)
}

// finishAndSubmit tags, packages and submits item. Caller must not hold
// a.mu across this call's Sink.Submit.
func (a *Aggregator) finishAndSubmit(item *model.MergeItem) {
	a.applyTags(item)

	batch := &model.SendBatch{
		Destination: item.Destination,
		PayloadKind: model.PayloadLz4Compressed,
		Groups:      []model.LogGroup{item.Group},
		RawBytes:    item.RawBytes(),
		LineCount:   item.LineCount,
		FeedbackKey: item.Destination.FeedbackKey(),
		Cursor:      item.Cursor,
	}

	if !a.sink.IsValidToPush(batch.FeedbackKey) || !a.sink.Submit(batch) {
		a.retain(item)
	}
}

// retain puts an admission-refused item back for the next sweep. It goes
// back under its fingerprint when that is free; if Add already created a
// successor item there (minute-boundary flushes do this), it is parked on
// the retained list instead so neither item clobbers the other.
func (a *Aggregator) retain(item *model.MergeItem) {
	a.mu.Lock()
	if _, exists := a.items[item.Fingerprint]; exists {
		a.retained = append(a.retained, item)
	} else {
		a.items[item.Fingerprint] = item
	}
	a.mu.Unlock()
}

func (a *Aggregator) applyTags(item *model.MergeItem) {
	if a.tags == nil {
		return
	}
	if item.Group.Tags == nil {
		item.Group.Tags = make(map[string]string)
	}
	for k, v := range a.tags.EnvTags() {
		item.Group.Tags[k] = v
	}
	item.Group.MachineUUID = a.tags.MachineUUID()
	item.Group.Tags["__hostname_source__"] = a.tags.HostnameSource()

	if item.Group.Source != "" {
		item.Group.PackIDSeqTag = a.nextPackSeq(item.Group.Source)
		item.Group.Tags["__pack_id__"] = item.Group.PackIDSeqTag
	}
}

// nextPackSeq returns the next __pack_id__ sequence value for source and
// records the touch time for the TTL sweep below.
func (a *Aggregator) nextPackSeq(source string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.packSeq[source]
	if !ok {
		e = &packSeqEntry{}
		a.packSeq[source] = e
	}
	e.seq++
	e.lastTouch = time.Now()
	return source + "_" + strconv.FormatUint(e.seq, 10)
}

// CleanTimeoutLogPackSeq sweeps stale per-source pack-sequence counters.
// The TTL tightens from 30 days to 24h once the map crosses 100_000
// entries, reclaiming promptly only when the map has clearly outgrown its
// working set.
func (a *Aggregator) CleanTimeoutLogPackSeq() {
	a.mu.Lock()
	defer a.mu.Unlock()

	ttl := packSeqLongTTL
	if len(a.packSeq) > packSeqSweepThreshold {
		ttl = packSeqShortTTL
	}

	now := time.Now()
	for k, e := range a.packSeq {
		if now.Sub(e.lastTouch) > ttl {
			delete(a.packSeq, k)
		}
	}
}

// trySweepOne attempts to flush the item identified by fp immediately
// (called right after Add observes a size/count trigger).
func (a *Aggregator) trySweepOne(fp string) {
	a.mu.Lock()
	item, ok := a.items[fp]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.items, fp)
	a.mu.Unlock()

	a.flushItem(item)
}

// addToPackage folds item into the PackageList for its (project, logstore)
// pair (merge_by_logstore mode).
func (a *Aggregator) addToPackage(item *model.MergeItem) {
	key := item.Destination.Project + "/" + item.Destination.Logstore
	a.mu.Lock()
	pl, ok := a.packages[key]
	if !ok {
		pl = &model.PackageList{Logstore: item.Destination.Logstore, CreatedAt: time.Now()}
		a.packages[key] = pl
	}
	pl.Items = append(pl.Items, item)

	flush := pl.RawBytes() >= a.cfg.BatchSendMetricSize || pl.OldestAge(time.Now()) >= 2*a.cfg.BatchSendInterval
	if flush {
		delete(a.packages, key)
	}
	a.mu.Unlock()

	if flush {
		a.submitPackage(pl)
	}
}

func (a *Aggregator) submitPackage(pl *model.PackageList) {
	for _, item := range pl.Items {
		a.applyTags(item)
	}

	var raw int64
	var lines int
	groups := make([]model.LogGroup, 0, len(pl.Items))
	for _, item := range pl.Items {
		raw += item.RawBytes()
		lines += item.LineCount
		groups = append(groups, item.Group)
	}

	dest := pl.Items[0].Destination
	batch := &model.SendBatch{
		Destination: dest,
		PayloadKind: model.PayloadPackageList,
		Groups:      groups,
		RawBytes:    raw,
		LineCount:   lines,
		FeedbackKey: dest.FeedbackKey(),
	}

	if !a.sink.IsValidToPush(batch.FeedbackKey) || !a.sink.Submit(batch) {
		key := dest.Project + "/" + dest.Logstore
		a.mu.Lock()
		if existing, ok := a.packages[key]; ok {
			existing.Items = append(pl.Items, existing.Items...)
		} else {
			a.packages[key] = pl
		}
		a.mu.Unlock()
	}
}

// Sweep is the periodic flush-ready pass called from the sender loop: it
// flushes every item/package whose idle-time/age trigger has fired,
// consulting admission control per item.
func (a *Aggregator) Sweep() {
	now := time.Now()

	a.mu.Lock()
	dueItems := a.retained
	a.retained = nil
	for fp, item := range a.items {
		if now.Sub(item.LastUpdateTime) >= a.cfg.BatchSendInterval {
			delete(a.items, fp)
			dueItems = append(dueItems, item)
		}
	}

	var duePackages []*model.PackageList
	for key, pl := range a.packages {
		if pl.OldestAge(now) >= 2*a.cfg.BatchSendInterval {
			delete(a.packages, key)
			duePackages = append(duePackages, pl)
		}
	}
	a.mu.Unlock()

	for _, item := range dueItems {
		a.flushItem(item)
	}
	for _, pl := range duePackages {
		a.submitPackage(pl)
	}

	cclog.Debugf("aggregator: swept %d item(s), %d package(s)", len(dueItems), len(duePackages))
}

// FlushAll force-flushes every accumulated item and package regardless of
// trigger state. Called once on shutdown so accumulated records reach the
// sender queues ahead of the final checkpoint dump.
func (a *Aggregator) FlushAll() {
	a.mu.Lock()
	dueItems := a.retained
	a.retained = nil
	for fp, item := range a.items {
		delete(a.items, fp)
		dueItems = append(dueItems, item)
	}
	var duePackages []*model.PackageList
	for key, pl := range a.packages {
		delete(a.packages, key)
		duePackages = append(duePackages, pl)
	}
	a.mu.Unlock()

	for _, item := range dueItems {
		a.flushItem(item)
	}
	for _, pl := range duePackages {
		a.submitPackage(pl)
	}
}
