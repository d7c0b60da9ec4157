/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package handlers

import (
	"os"
	"time"

	"github.com/NVIDIA/molt/token"
)

func healthHandler(d Deps) func(tok *token.Token, args any) (any, error) {
	pid := os.Getpid()
	return func(tok *token.Token, args any) (any, error) {
		out := map[string]any{
			"ok":  true,
			"pid": int64(pid),
		}
		// wall-clock reads are implicit nondeterminism (§4.6); none of the
		// granted capabilities license "time", so deterministic mode just
		// omits it rather than reporting a value that can't repeat.
		if !d.Cfg.Deterministic {
			out["uptime_s"] = time.Since(d.StartedAt).Seconds()
		}
		return out, nil
	}
}
