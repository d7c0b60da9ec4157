// Package handlers implements the worker's demo export surface — the
// fixtures a manifest can declare out of the box (health, list, compute,
// offload_table) plus the two DB-backed exports (db_query, db_exec) that
// tie dbx into the dispatcher. Every handler satisfies manifest.Handler:
// (tok *token.Token, args any) -> (any, error), generalized from the
// teacher's one-small-method-per-verb layout (ais/tgtcp.go) to
// one-file-per-export here.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package handlers

import (
	"time"

	"github.com/NVIDIA/molt/dbx"
	"github.com/NVIDIA/molt/manifest"
	"github.com/NVIDIA/molt/molcfg"
	"github.com/NVIDIA/molt/stats"
)

// Deps bundles the worker-wide collaborators handlers close over. Built
// once in cmd/molt-worker after config, manifest, dbx.Manager, and the
// metrics collector all exist.
// Names is boxed behind a pointer because cmd/molt-worker only learns
// manifest.Registry.Names once the registry is built, which itself needs
// Compiled's output — Deps is handed to Compiled before that forward
// reference exists, so every handler closure shares one box and reads
// through it at call time rather than capturing a nil func by value.
type Deps struct {
	Cfg       *molcfg.Config
	DB        *dbx.Manager
	Collector *stats.Collector
	Names     *func() []string
	StartedAt time.Time
}

// Compiled returns the name -> Handler map cmd/molt-worker passes to
// manifest.Build. A manifest export with no entry here is a fatal
// startup misconfiguration (manifest/registry.go's Build already reports
// that divergence).
func Compiled(d Deps) map[string]manifest.Handler {
	return map[string]manifest.Handler{
		"health":        healthHandler(d),
		"list":          listHandler(d),
		"compute":       computeHandler(d),
		"offload_table": offloadTableHandler(d),
		"db_query":      dbQueryHandler(d),
		"db_exec":       dbExecHandler(d),
	}
}
