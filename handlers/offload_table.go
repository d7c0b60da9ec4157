/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package handlers

import (
	"time"

	"github.com/NVIDIA/molt/cos"
	"github.com/NVIDIA/molt/token"
)

// offloadTableHandler is a synthetic DB-shaped fixture that returns a
// column/row table without touching any real backend, so a client can
// exercise the offload path's bulk-result codec without provisioning a
// database. Its latency knobs (molcfg.Config.FakeDB*) stand in for what a
// real db_query call would cost: a fixed connect/plan latency plus a
// per-row decode cost, so contract tests can assert on timing behavior
// deterministically.
func offloadTableHandler(d Deps) func(tok *token.Token, args any) (any, error) {
	return func(tok *token.Token, args any) (any, error) {
		rows, err := argInt64(args, "rows")
		if err != nil {
			return nil, err
		}
		if rows < 0 {
			return nil, cos.NewErrInvalidInput("rows must be >= 0, got %d", rows)
		}

		// the simulated latency knobs are themselves a wall-clock dependent
		// delay; deterministic mode (§4.6) forbids that implicit
		// nondeterminism outright, since none of the granted capabilities
		// covers "time" the way net.outbound covers network access.
		simulateLatency := !d.Cfg.Deterministic

		if simulateLatency && d.Cfg.FakeDBBaseLatency > 0 {
			select {
			case <-time.After(d.Cfg.FakeDBBaseLatency):
			case <-tok.Done():
				return nil, tok.Err()
			}
		}

		cols := []any{"id", "value"}
		out := make([]any, 0, rows)
		for i := int64(0); i < rows; i++ {
			if simulateLatency && d.Cfg.FakeDBPerRowDecode > 0 {
				time.Sleep(d.Cfg.FakeDBPerRowDecode)
			}
			spin(d.Cfg.FakeDBPerRowCPUIter)
			out = append(out, []any{i, i * 2})
			if i%1024 == 0 && tok.Cancelled() {
				return nil, tok.Err()
			}
		}
		if tok.Cancelled() {
			return nil, tok.Err()
		}
		return map[string]any{"cols": cols, "rows": out}, nil
	}
}

// spin burns n trivial iterations to model a per-row CPU cost (decode,
// validation) without pulling in a real workload generator.
func spin(n int) {
	x := 0
	for i := 0; i < n; i++ {
		x += i ^ (i << 1)
	}
	_ = x
}
