// Command molt-worker is the offload worker process: it loads a manifest
// of exports, wires them to the built-in handlers, and serves requests
// framed over stdin/stdout or a Unix domain socket until the transport
// closes. A stop signal cancels the serving context, which a connection
// observes after its next request frame.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NVIDIA/molt/dbx"
	"github.com/NVIDIA/molt/dispatch"
	"github.com/NVIDIA/molt/handlers"
	"github.com/NVIDIA/molt/hk"
	"github.com/NVIDIA/molt/manifest"
	"github.com/NVIDIA/molt/molcfg"
	"github.com/NVIDIA/molt/nlog"
	"github.com/NVIDIA/molt/server"
	"github.com/NVIDIA/molt/stats"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := molcfg.Init(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "molt-worker: ", err)
		return 2
	}

	housekeeper := hk.New()
	go housekeeper.Run()
	housekeeper.WaitStarted()
	defer housekeeper.Stop()

	dbmgr, err := dbx.NewManager(cfg, housekeeper)
	if err != nil {
		nlog.Errorf("molt-worker: building db manager: %v", err)
		return 1
	}
	defer dbmgr.Close()

	collector := stats.NewCollector()
	if cfg.MetricsOutputPath != "" {
		stop := make(chan struct{})
		defer close(stop)
		go collector.RunSnapshotWriter(cfg.MetricsOutputPath, 5*time.Second, stop)
	}

	exportsFile, err := manifest.Load(cfg.ExportsPath)
	if err != nil {
		nlog.Errorf("molt-worker: loading manifest %s: %v", cfg.ExportsPath, err)
		return 1
	}

	namesBox := new(func() []string)
	deps := handlers.Deps{
		Cfg:       cfg,
		DB:        dbmgr,
		Collector: collector,
		Names:     namesBox,
		StartedAt: time.Now(),
	}
	compiled := handlers.Compiled(deps)

	reg, err := manifest.Build(exportsFile, compiled)
	if err != nil {
		nlog.Errorf("molt-worker: building registry: %v", err)
		return 1
	}
	*namesBox = reg.Names

	disp := dispatch.New(reg, collector, dispatch.Config{
		Threads:              cfg.Threads,
		MaxQueue:             cfg.MaxQueue,
		ServerDefaultTimeout: cfg.ServerDefaultTimeout,
		Async:                cfg.Runtime == molcfg.RuntimeAsync,
	})

	srv := server.New(disp, cfg.MaxFrameBytes, cfg.MaxQueue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchSignals(cancel)

	if cfg.Stdio {
		if err := srv.ServeStdio(ctx); err != nil {
			nlog.Warningf("molt-worker: stdio transport ended: %v", err)
		}
		return 0
	}

	if err := srv.ServeUnix(ctx, cfg.SocketPath); err != nil {
		nlog.Errorf("molt-worker: unix transport: %v", err)
		return 1
	}
	return 0
}

func watchSignals(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	cancel()
}
