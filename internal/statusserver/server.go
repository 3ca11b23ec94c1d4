// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package statusserver exposes the agent's operational surface over HTTP:
// liveness, a JSON snapshot of pipeline counters, and Prometheus metrics.
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
)

// RegisterBuildInfo publishes the build identity as the standard
// program_build_info gauge next to the pipeline metrics.
func RegisterBuildInfo(ver, commit, date string) {
	version.Version = ver
	version.Revision = commit
	version.BuildDate = date
	prometheus.MustRegister(version.NewCollector("tailer_agent"))
}

// Stats is implemented by the pipeline wiring; Snapshot returns the current
// counters rendered at /status.
type Stats interface {
	Snapshot() map[string]any
}

// Server wraps the http.Server serving /healthz, /status and /metrics.
type Server struct {
	srv *http.Server
}

// New builds a Server listening on addr once Start is called.
func New(addr string, stats Stats) *Server {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		snap := map[string]any{}
		if stats != nil {
			snap = stats.Snapshot()
		}
		if err := json.NewEncoder(rw).Encode(snap); err != nil {
			cclog.Warnf("statusserver: encoding /status: %v", err)
		}
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	handler := handlers.RecoveryHandler()(handlers.CompressHandler(r))

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	cclog.Infof("statusserver: listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
