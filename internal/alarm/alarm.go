// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package alarm is the fire-and-forget alarm path used by every pipeline
// stage. Raise never returns an error and never blocks; it logs and bumps
// a counter, nothing more.
package alarm

import (
	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/prometheus/client_golang/prometheus"
)

// Kind categorizes an alarm for the Prometheus counter's label. Keep this
// list short; it is a dashboard dimension, not a taxonomy.
type Kind string

const (
	KindEventQueueOverflow  Kind = "event_queue_overflow"
	KindStatCeiling         Kind = "stat_ceiling"
	KindParseFailure        Kind = "parse_failure"
	KindNonUTF8             Kind = "non_utf8"
	KindTruncation          Kind = "truncation"
	KindCheckpointCorrupt   Kind = "checkpoint_corrupt"
	KindSenderQueueInvalid  Kind = "sender_queue_invalid"
	KindShipperSpill        Kind = "shipper_spill"
	KindShipperSendFailed   Kind = "shipper_send_failed"
	KindCredentialRefresh   Kind = "credential_refresh"
	KindConfigReloadFailure Kind = "config_reload_failure"
)

var raised = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tailer_agent",
	Name:      "alarms_raised_total",
	Help:      "Count of alarms raised by kind, fire-and-forget, never gating the data path.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(raised)
}

// Raise logs an alarm at Warn level and increments the counter for kind.
// Callers must not treat this as an error return; the data path continues
// regardless of what Raise does internally.
func Raise(kind Kind, format string, args ...interface{}) {
	raised.WithLabelValues(string(kind)).Inc()
	cclog.Warnf("ALARM[%s] "+format, append([]interface{}{kind}, args...)...)
}

// RaiseError is like Raise but logs at Error level, for alarms that
// indicate data loss or a path that needs operator attention, still without
// ever blocking or returning to the caller.
func RaiseError(kind Kind, format string, args ...interface{}) {
	raised.WithLabelValues(string(kind)).Inc()
	cclog.Errorf("ALARM[%s] "+format, append([]interface{}{kind}, args...)...)
}
