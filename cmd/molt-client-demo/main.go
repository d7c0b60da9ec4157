// Command molt-client-demo spawns a molt-worker child process over stdio
// and exercises its exports end to end, a runnable illustration of the
// offload package rather than a production tool.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/NVIDIA/molt/offload"
)

func main() {
	os.Exit(run())
}

func run() int {
	workerBin := flag.String("worker", "molt-worker", "path to the molt-worker binary")
	exportsPath := flag.String("exports", "./exports.json", "manifest passed to the spawned worker")
	n := flag.Int("n", 10, "n passed to the compute export")
	flag.Parse()

	cmd := exec.Command(*workerBin, "--stdio", "--exports", *exportsPath)
	cmd.Stderr = os.Stderr

	client, err := offload.Spawn(offload.Config{
		Command:        cmd,
		ClientTimeout:  10 * time.Second,
		RestartOnCrash: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "molt-client-demo: spawning worker:", err)
		return 1
	}
	defer client.Close()

	ctx := context.Background()

	if err := client.Ping(ctx, 2000); err != nil {
		fmt.Fprintln(os.Stderr, "molt-client-demo: ping:", err)
		return 1
	}
	fmt.Println("ping: ok")

	health, err := client.Call(ctx, "health", 2000, map[string]any{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "molt-client-demo: health:", err)
		return 1
	}
	fmt.Printf("health: %v\n", health)

	exports, err := client.Call(ctx, "list", 2000, map[string]any{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "molt-client-demo: list:", err)
		return 1
	}
	fmt.Printf("exports: %v\n", exports)

	result, err := client.CallIdempotent(ctx, "compute", 5000, map[string]any{"n": int64(*n)})
	if err != nil {
		fmt.Fprintln(os.Stderr, "molt-client-demo: compute:", err)
		return 1
	}
	fmt.Printf("compute(%d): %v\n", *n, result)

	return 0
}
