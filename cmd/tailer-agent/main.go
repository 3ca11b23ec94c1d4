// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of tailer-agent.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/tailer-agent/internal/config"
	"github.com/ClusterCockpit/tailer-agent/internal/runtimeEnv"
	"github.com/ClusterCockpit/tailer-agent/internal/statusserver"
	"github.com/ClusterCockpit/tailer-agent/internal/taskManager"
	"github.com/google/gops/agent"
)

var (
	date    string
	commit  string
	version string
)

func main() {
	var flagConfigFile, flagLogLevel string
	var flagVersion, flagGops, flagLogDateTime bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Specify the path to the configuration file")
	flag.StringVar(&flagLogLevel, "loglevel", "warn", "Sets the logging level: `[debug,info,warn (default),err,fatal,crit]`")
	flag.BoolVar(&flagLogDateTime, "logdate", false, "Set this flag to add date and time to log messages")
	flag.BoolVar(&flagVersion, "version", false, "Show version information and exit")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	if flagVersion {
		fmt.Printf("Version:\t%s\n", version)
		fmt.Printf("Git hash:\t%s\n", commit)
		fmt.Printf("Build time:\t%s\n", date)
		fmt.Printf("Go version:\t%s\n", runtime.Version())
		os.Exit(0)
	}

	cclog.Init(flagLogLevel, flagLogDateTime)

	// See https://github.com/google/gops (Runtime overhead is almost zero)
	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			cclog.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		cclog.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		cclog.Fatalf("loading configuration failed: %s", err.Error())
	}

	p, err := newPipeline(cfg)
	if err != nil {
		cclog.Fatalf("building pipeline failed: %s", err.Error())
	}

	statusserver.RegisterBuildInfo(version, commit, date)
	srv := statusserver.New(cfg.Global.Addr, p)

	// Checkpoint and buffer files were opened above, so root is no longer
	// needed from here on.
	if err := runtimeEnv.DropPrivileges(cfg.Global.User, cfg.Global.Group); err != nil {
		cclog.Fatalf("error while preparing server start: %s", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			cclog.Errorf("status server failed: %s", err.Error())
		}
	}()

	taskManager.Start()
	p.registerTasks(cfg)
	p.start(ctx, &wg)

	runtimeEnv.SystemdNotify(true, "running")
	cclog.Infof("tailer-agent started, status server on %s", cfg.Global.Addr)

	<-ctx.Done()
	runtimeEnv.SystemdNotify(false, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		cclog.Warnf("status server shutdown: %s", err.Error())
	}

	taskManager.Shutdown()
	wg.Wait()
	p.finalize()
	cclog.Info("tailer-agent stopped")
}
