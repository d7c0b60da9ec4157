// Package dispatch bounds concurrency, enforces deadlines, propagates
// cancellation, and emits metrics for every accepted request (§4.3).
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/NVIDIA/molt/cos"
	"github.com/NVIDIA/molt/manifest"
	"github.com/NVIDIA/molt/nlog"
	"github.com/NVIDIA/molt/stats"
	"github.com/NVIDIA/molt/token"
	"github.com/NVIDIA/molt/wire"
)

// Dispatcher is process-wide: one Dispatcher serves every connection, each
// of which owns its own Session for request_id-scoped cancel lookups.
type Dispatcher struct {
	reg        *manifest.Registry
	rt         execRuntime
	admit      *semaphore.Weighted
	admitCap   int64
	admitted   atomic.Int64 // current queued+running, for the gauge only
	serverDflt time.Duration
	collector  *stats.Collector
}

type Config struct {
	Threads              int
	MaxQueue             int
	ServerDefaultTimeout time.Duration
	Async                bool
}

func New(reg *manifest.Registry, collector *stats.Collector, cfg Config) *Dispatcher {
	var rt execRuntime
	if cfg.Async {
		rt = newAsyncRuntime()
	} else {
		rt = newSyncRuntime(cfg.Threads)
	}
	admitCap := int64(cfg.MaxQueue + cfg.Threads)
	if admitCap <= 0 {
		admitCap = 1
	}
	return &Dispatcher{
		reg:        reg,
		rt:         rt,
		admit:      semaphore.NewWeighted(admitCap),
		admitCap:   admitCap,
		serverDflt: cfg.ServerDefaultTimeout,
		collector:  collector,
	}
}

// Submit runs one request through the full Queued -> Running -> terminal
// state machine (§4.3) and returns exactly one response.
func (d *Dispatcher) Submit(sess *Session, req *wire.Request) *wire.Response {
	tEnqueue := time.Now()

	if !d.admit.TryAcquire(1) {
		// Busy is reached without ever becoming Queued (§4.3).
		d.collector.ObserveTerminal(string(wire.StatusBusy), &stats.RequestMetrics{})
		return &wire.Response{RequestID: req.RequestID, Status: wire.StatusBusy, Error: "queue full"}
	}
	d.admitted.Add(1)
	defer func() {
		d.admitted.Add(-1)
		d.admit.Release(1)
	}()
	d.collector.SetQueueDepth(int(d.admitted.Load()))

	tok := token.New(d.deadline(req.TimeoutMs))
	defer tok.Release()
	sess.register(req.RequestID, tok)
	defer sess.unregister(req.RequestID)
	d.collector.SetInFlight(sess.InFlight())

	// cancel check #1: before dispatch (§4.3, §5)
	if tok.Cancelled() {
		return d.terminalFromToken(req, tok, &stats.RequestMetrics{})
	}

	tDispatch := time.Now()
	queueUs := usSince(tEnqueue, tDispatch)

	entry, err := d.reg.Resolve(req.Entry)
	if err != nil {
		return &wire.Response{RequestID: req.RequestID, Status: wire.StatusInvalidInput, Error: err.Error()}
	}

	ctx, cancel := tok.WithContext(context.Background())
	defer cancel()

	release, err := d.rt.acquire(ctx)
	if err != nil {
		m := &stats.RequestMetrics{QueueUs: queueUs}
		return d.terminalFromToken(req, tok, m)
	}
	defer release()

	tDecode := time.Now()
	args, err := wire.DecodeValue(req.Payload, entry.CodecIn)
	decodeUs := usSince(tDecode, time.Now())
	if err != nil {
		m := &stats.RequestMetrics{QueueUs: queueUs, DecodeUs: decodeUs}
		d.collector.ObserveTerminal(string(wire.StatusInvalidInput), m)
		return &wire.Response{RequestID: req.RequestID, Status: wire.StatusInvalidInput,
			Error: fmt.Sprintf("failed to decode payload: %v", err), Metrics: m.Numeric()}
	}

	// cancel check #2: immediately before running the handler body
	if tok.Cancelled() {
		m := &stats.RequestMetrics{QueueUs: queueUs, DecodeUs: decodeUs}
		return d.terminalFromToken(req, tok, m)
	}

	tExec := time.Now()
	result, herr := callHandler(entry, tok, args)
	execUs := usSince(tExec, time.Now())
	handlerUs := usSince(tDispatch, time.Now())

	m := &stats.RequestMetrics{QueueUs: queueUs, DecodeUs: decodeUs, ExecUs: execUs, HandlerUs: handlerUs}

	if tok.Cancelled() {
		return d.terminalFromToken(req, tok, m)
	}
	if herr != nil {
		status := classifyHandlerErr(herr)
		d.collector.ObserveTerminal(string(status), m)
		return &wire.Response{RequestID: req.RequestID, Status: status, Error: safeMessage(herr), Metrics: m.Numeric()}
	}

	payload, eerr := wire.EncodeValue(result, entry.CodecOut)
	if eerr != nil {
		d.collector.ObserveTerminal(string(wire.StatusInternalError), m)
		return &wire.Response{RequestID: req.RequestID, Status: wire.StatusInternalError,
			Error: "failed to encode response", Metrics: m.Numeric()}
	}

	numeric := m.Numeric()
	for k, v := range tok.Metrics() {
		numeric[k] = v
	}
	d.collector.ObserveTerminal(string(wire.StatusOk), m)
	return &wire.Response{RequestID: req.RequestID, Status: wire.StatusOk, Payload: payload, Metrics: numeric}
}

func (d *Dispatcher) deadline(timeoutMs uint32) time.Duration {
	if timeoutMs == 0 {
		return d.serverDflt
	}
	req := time.Duration(timeoutMs) * time.Millisecond
	if d.serverDflt > 0 && d.serverDflt < req {
		return d.serverDflt
	}
	return req
}

func (d *Dispatcher) terminalFromToken(req *wire.Request, tok *token.Token, m *stats.RequestMetrics) *wire.Response {
	err := tok.Err()
	status := wire.StatusCancelled
	if _, ok := err.(*cos.ErrTimeout); ok {
		status = wire.StatusTimeout
	}
	d.collector.ObserveTerminal(string(status), m)
	return &wire.Response{RequestID: req.RequestID, Status: status, Error: err.Error(), Metrics: m.Numeric()}
}

func callHandler(entry *manifest.Entry, tok *token.Token, args any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stacked := errors.Errorf("panic in handler %s: %v", entry.Name, r)
			nlog.Errorf("%+v", stacked) // stack trace stays server-side, never reaches the caller
			err = fmt.Errorf("panic in handler %s", entry.Name)
		}
	}()
	return entry.Handler(tok, args)
}

// classifyHandlerErr maps a handler error to a response Status by a type
// switch on the concrete *cos.Err* type: validation failures are
// *cos.ErrInvalidInput; anything else (including *cos.ErrNotFound and
// wrapped errors) is InternalError (§7).
func classifyHandlerErr(err error) wire.Status {
	switch err.(type) {
	case *cos.ErrInvalidInput:
		return wire.StatusInvalidInput
	case *cos.ErrBusy:
		return wire.StatusBusy
	case *cos.ErrTimeout:
		return wire.StatusTimeout
	case *cos.ErrCancelled:
		return wire.StatusCancelled
	default:
		return wire.StatusInternalError
	}
}

func safeMessage(err error) string {
	// never echo a handler's wrapped internals (stack frames, driver
	// errors) to the caller (§7): only the cos taxonomy's own messages pass
	// through; an InternalError is logged here and replaced.
	if classifyHandlerErr(err) == wire.StatusInternalError {
		nlog.Errorf("dispatch: handler error: %v", err)
		return "internal error"
	}
	return err.Error()
}

func usSince(a, b time.Time) float64 { return float64(b.Sub(a).Microseconds()) }
