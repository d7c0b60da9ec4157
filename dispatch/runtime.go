/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// execRuntime bounds how many handler bodies may run concurrently, the
// choice point between the two execution models of §4.3/§9.
type execRuntime interface {
	// acquire blocks until a slot is free or ctx is done, returning a
	// release func on success.
	acquire(ctx context.Context) (release func(), err error)
}

// syncRuntime is the fixed-size thread-pool model: at most `threads`
// handler bodies run at once, each one a blocking dequeue-and-run loop in
// spirit even though Go expresses the "thread" as a semaphore ticket
// rather than an OS thread explicitly parked on a channel.
type syncRuntime struct {
	sem *semaphore.Weighted
}

func newSyncRuntime(threads int) *syncRuntime {
	return &syncRuntime{sem: semaphore.NewWeighted(int64(threads))}
}

func (r *syncRuntime) acquire(ctx context.Context) (func(), error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { r.sem.Release(1) }, nil
}

// asyncRuntime is the cooperative reactor model: handlers may suspend at DB
// awaits and frame writes, and many may be in flight at once since
// suspension never blocks an OS thread. It bounds concurrency only by the
// shared admission gate (§4.3 queue bound), not by a second semaphore.
type asyncRuntime struct{}

func newAsyncRuntime() *asyncRuntime { return &asyncRuntime{} }

func (*asyncRuntime) acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}
