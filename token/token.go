// Package token implements the per-request cancel token described in §3 and
// §5 of the specification: a cooperative, poll-only signal derived from a
// deadline timer plus an explicit Cancel() setter, consulted by the
// dispatcher before a request runs, by the DB pool while waiting for a
// connection, and for the duration of a DB query; it is not checked per
// row batch or on frame write.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package token

import (
	"context"
	"sync"
	"time"

	"github.com/NVIDIA/molt/cos"
)

// Token is safe for concurrent use: one goroutine may call Cancel() while
// another polls Cancelled()/Err()/Done().
type Token struct {
	mu        sync.Mutex
	done      chan struct{}
	closed    bool
	cancelled bool
	timedOut  bool
	deadline  time.Time
	timer     *time.Timer

	metricsMu sync.Mutex
	metrics   map[string]float64
}

// New creates a token that auto-transitions to the timed-out state when d
// elapses. d <= 0 means no deadline (only explicit Cancel applies).
func New(d time.Duration) *Token {
	t := &Token{done: make(chan struct{})}
	if d > 0 {
		t.deadline = time.Now().Add(d)
		t.timer = time.AfterFunc(d, t.timeout)
	}
	return t
}

func (t *Token) timeout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.timedOut = true
	t.closed = true
	close(t.done)
}

// Cancel transitions the token to cancelled. Idempotent: repeated calls,
// including ones racing a deadline expiry, are no-ops after the first
// transition (§5: "Cancellation is idempotent").
func (t *Token) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.cancelled = true
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	close(t.done)
}

// Done returns a channel closed the instant the token transitions, for use
// in a select alongside blocking operations (pool acquire, DB round-trip).
func (t *Token) Done() <-chan struct{} { return t.done }

// Cancelled reports whether the token has transitioned, for any reason.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Err returns the reason the token transitioned, or nil if still live.
func (t *Token) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case !t.closed:
		return nil
	case t.timedOut:
		return cos.NewErrTimeout("deadline exceeded")
	default:
		return cos.NewErrCancelled("request cancelled")
	}
}

// SetMetric lets a handler attach a side metric (db row count, pool
// gauges) that the dispatcher folds into the response's metrics map once
// the handler returns, without widening manifest.Handler's return
// signature for the common case that never needs it.
func (t *Token) SetMetric(key string, value float64) {
	t.metricsMu.Lock()
	defer t.metricsMu.Unlock()
	if t.metrics == nil {
		t.metrics = make(map[string]float64, 4)
	}
	t.metrics[key] = value
}

// Metrics returns a copy of every metric a handler attached via SetMetric.
func (t *Token) Metrics() map[string]float64 {
	t.metricsMu.Lock()
	defer t.metricsMu.Unlock()
	out := make(map[string]float64, len(t.metrics))
	for k, v := range t.metrics {
		out[k] = v
	}
	return out
}

// Deadline reports the zero time when the token carries no deadline.
func (t *Token) Deadline() time.Time { return t.deadline }

// WithContext bridges t onto a context.Context for collaborators (dbx,
// offload) that only know how to take blocking calls that far: a goroutine
// watches t.Done() and calls cancel the moment t transitions, so io bound
// calls made with the returned ctx unblock the instant the token does.
// Callers must always invoke the returned CancelFunc once done to stop the
// watcher goroutine, even on the success path.
func (t *Token) WithContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := make(chan struct{})
	go func() {
		select {
		case <-t.Done():
			cancel()
		case <-stop:
		}
	}()
	return ctx, func() { close(stop); cancel() }
}

// Release stops any pending deadline timer without cancelling the token,
// called once a request reaches a terminal state so its timer does not
// linger until it would otherwise fire.
func (t *Token) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}
