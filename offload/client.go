// Package offload implements the host-side client library for talking to
// a molt-worker child process: spawn or attach, send concurrent framed
// calls correlated by request_id, apply a client-side timeout independent
// of whatever deadline the server enforces, cancel in flight on either a
// client timeout or an unexpected disconnect, and restart a crashed or
// stuck worker transparently for callers that opted into idempotent retry.
// A client timeout gives the call one more grace window to drain before
// the worker is marked for restart, so a merely slow response doesn't
// cost a respawn.
//
// Grounded on the teacher's transport/sendmsg.go single-writer-mutex +
// reader-goroutine shape (here: one FrameWriter, one read loop dispatching
// into an in-flight map) generalized from "one outbound object stream" to
// "one child process, many concurrent request/response pairs".
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package offload

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NVIDIA/molt/cos"
	"github.com/NVIDIA/molt/nlog"
	"github.com/NVIDIA/molt/wire"
)

// Hooks are optional observation/interception points a caller can wire in,
// grounded on the pattern of small optional callback structs the teacher
// threads through its transport senders (e.g. transport/bundle's
// completion callbacks).
type Hooks struct {
	BeforeSend  func(req *wire.Request)
	AfterRecv   func(resp *wire.Response, rtt time.Duration)
	MetricsHook func(name string, value float64)
	// CancelCheck, if set, is polled once per pending call roughly every
	// 50ms; returning true sends a __cancel__ frame for that call without
	// waiting for the caller's own context to be done.
	CancelCheck func(requestID uint64) bool
}

// Config configures one Client's worker child process and transport.
type Config struct {
	// Command spawns the worker (e.g. exec.Command("molt-worker", "--stdio")).
	// Required by Spawn; Attach ignores it and dials a socket path instead.
	Command *exec.Cmd
	// ClientTimeout bounds how long Call waits for a response, independent
	// of the request's own timeout_ms sent to the server (§5 of the spec:
	// the client may give up before or after the server does).
	ClientTimeout time.Duration
	MaxFrameBytes int
	Codec         wire.Codec
	Hooks         Hooks
	// RestartOnCrash causes a dead worker to be respawned transparently;
	// only calls marked idempotent via CallIdempotent are retried against
	// the restarted worker (at most once), per §9.
	RestartOnCrash bool
	// RestartGrace bounds how long, after a client-side timeout sends
	// __cancel__, the client waits for that same call to drain naturally
	// before giving up on the worker and marking it for restart (§9's
	// grace-window open question; resolved here as one configurable wait,
	// analogous to "one queue-acquire budget"). Only consulted when
	// RestartOnCrash is set. Defaults to 250ms.
	RestartGrace time.Duration
}

type pending struct {
	resp chan *wire.Response
	sent time.Time
}

// Client owns one worker child process and its framed IPC connection.
type Client struct {
	id     string // short trace id, surfaced only in log lines
	cfg    Config
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	fw     *wire.FrameWriter

	mu       sync.Mutex
	inflight map[uint64]*pending
	nextID   atomic.Uint64

	closed   atomic.Bool
	closeErr error
	done     chan struct{}

	// needsRestart is set when a client-side timeout's grace window
	// elapses without the call draining, and cleared by the next call
	// that acts on it (possibly with an immediate restart+retry, for an
	// idempotent caller).
	needsRestart atomic.Bool
}

// Spawn starts cfg.Command and begins serving its stdio as a framed
// connection. The child's stdin/stdout are taken over entirely; its
// stderr is left connected to this process's stderr for log visibility.
func Spawn(cfg Config) (*Client, error) {
	if cfg.Command == nil {
		return nil, fmt.Errorf("offload: Config.Command is required for Spawn")
	}
	stdin, err := cfg.Command.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cfg.Command.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cfg.Command.Start(); err != nil {
		return nil, err
	}
	c := newClient(cfg, cfg.Command, stdin, stdout)
	nlog.Infof("offload[%s]: spawned worker pid %d", c.id, cfg.Command.Process.Pid)
	go c.readLoop()
	return c, nil
}

// Attach connects to an already-running worker listening on a Unix domain
// socket, rather than forking one. RestartOnCrash has no effect on an
// attached client: there is no command line to respawn from, so a lost
// connection is always a terminal error (§7 of spec.md).
func Attach(cfg Config, socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("offload: dialing %s: %w", socketPath, err)
	}
	cfg.RestartOnCrash = false
	c := newClient(cfg, nil, conn, conn)
	nlog.Infof("offload[%s]: attached to %s", c.id, socketPath)
	go c.readLoop()
	return c, nil
}

func newClient(cfg Config, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.ReadCloser) *Client {
	if cfg.Codec == "" {
		cfg.Codec = wire.CodecMsgPack
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = 30 * time.Second
	}
	if cfg.RestartGrace <= 0 {
		cfg.RestartGrace = 250 * time.Millisecond
	}
	return &Client{
		id:       uuid.New().String()[:8],
		cfg:      cfg,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		fw:       wire.NewFrameWriter(stdin),
		inflight: make(map[uint64]*pending),
		done:     make(chan struct{}),
	}
}

// Call sends req.Entry with payload built by encoding args per cfg.Codec,
// waits up to cfg.ClientTimeout (or ctx's own deadline, whichever is
// sooner) for a response, and returns the decoded result value or an
// error classified from the response Status.
func (c *Client) Call(ctx context.Context, entry string, timeoutMs uint32, args any) (any, error) {
	return c.call(ctx, entry, timeoutMs, args, false)
}

// CallIdempotent behaves like Call but, when cfg.RestartOnCrash is set and
// the worker dies mid-call, is retried exactly once against the
// respawned worker rather than failing outright (§9).
func (c *Client) CallIdempotent(ctx context.Context, entry string, timeoutMs uint32, args any) (any, error) {
	return c.call(ctx, entry, timeoutMs, args, true)
}

// Ping is a preflight liveness check (§4.5): a plain round trip on the
// reserved __ping__ entry, answered by the server directly without any
// manifest lookup, so it succeeds or fails purely on whether the worker
// process and its framing are alive. Returns an error on failure; callers
// that want to gate startup on a healthy worker should call this before
// issuing any real Call.
func (c *Client) Ping(ctx context.Context, timeoutMs uint32) error {
	_, err := c.call(ctx, wire.PingEntry, timeoutMs, nil, false)
	return err
}

func (c *Client) call(ctx context.Context, entry string, timeoutMs uint32, args any, idempotent bool) (any, error) {
	crashed := c.closed.Load() && cos.IsRetriableConnErr(c.closeErr)
	if c.cfg.RestartOnCrash && (c.needsRestart.CompareAndSwap(true, false) || crashed) {
		if err := c.restart(); err != nil {
			return nil, fmt.Errorf("offload: restarting worker: %w", err)
		}
	}

	payload, err := wire.EncodeValue(args, c.cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("offload: encoding args: %w", err)
	}
	reqID := c.nextID.Add(1)
	req := &wire.Request{RequestID: reqID, Entry: entry, TimeoutMs: timeoutMs, Codec: c.cfg.Codec, Payload: payload}

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		restartable := cos.IsRetriableConnErr(err) || c.needsRestart.Load()
		if idempotent && c.cfg.RestartOnCrash && restartable {
			c.needsRestart.Store(false)
			if rerr := c.restart(); rerr != nil {
				return nil, fmt.Errorf("offload: restart after crash: %w", rerr)
			}
			resp, err = c.roundTrip(ctx, req)
		}
		if err != nil {
			return nil, err
		}
	}

	if resp.Status != wire.StatusOk {
		return nil, statusErr(resp)
	}
	return wire.DecodeValue(resp.Payload, c.cfg.Codec)
}

func (c *Client) roundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("offload: client closed: %w", c.closeErr)
	}

	p := &pending{resp: make(chan *wire.Response, 1), sent: time.Now()}
	c.mu.Lock()
	c.inflight[req.RequestID] = p
	c.mu.Unlock()

	if c.cfg.Hooks.BeforeSend != nil {
		c.cfg.Hooks.BeforeSend(req)
	}

	b, err := wire.EncodeRequest(req, c.cfg.Codec)
	if err != nil {
		c.forgetInflight(req.RequestID)
		return nil, err
	}
	if err := c.fw.WriteFrame(b); err != nil {
		c.forgetInflight(req.RequestID)
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.cfg.ClientTimeout)
	defer cancel()

	pollTick := time.NewTicker(50 * time.Millisecond)
	defer pollTick.Stop()

	for {
		select {
		case resp := <-p.resp:
			c.forgetInflight(req.RequestID)
			if c.cfg.Hooks.AfterRecv != nil {
				c.cfg.Hooks.AfterRecv(resp, time.Since(p.sent))
			}
			return resp, nil
		case <-c.done:
			c.forgetInflight(req.RequestID)
			return nil, fmt.Errorf("offload: worker connection closed: %w", c.closeErr)
		case <-timeoutCtx.Done():
			c.sendCancel(req.RequestID)
			c.drainOrMarkForRestart(p, req.RequestID)
			return nil, cos.NewErrTimeout("offload call %d to %q timed out client-side", req.RequestID, req.Entry)
		case <-pollTick.C:
			if c.cfg.Hooks.CancelCheck != nil && c.cfg.Hooks.CancelCheck(req.RequestID) {
				c.sendCancel(req.RequestID)
			}
		}
	}
}

func (c *Client) forgetInflight(requestID uint64) {
	c.mu.Lock()
	delete(c.inflight, requestID)
	c.mu.Unlock()
}

// drainOrMarkForRestart runs after a client timeout has sent __cancel__ for
// requestID. It waits up to cfg.RestartGrace for that same call to still
// drain (the worker answers, just late) before concluding the worker is
// stuck and flagging it for restart on the next call (§9). If RestartOnCrash
// is off there's nothing to mark, so the entry is forgotten immediately.
func (c *Client) drainOrMarkForRestart(p *pending, requestID uint64) {
	defer c.forgetInflight(requestID)
	if !c.cfg.RestartOnCrash {
		return
	}
	select {
	case <-p.resp:
	case <-c.done:
	case <-time.After(c.cfg.RestartGrace):
		c.needsRestart.Store(true)
	}
}

func (c *Client) sendCancel(requestID uint64) {
	payload, err := wire.EncodeCancel(&wire.CancelPayload{RequestID: requestID}, c.cfg.Codec)
	if err != nil {
		nlog.Warningf("offload: encoding cancel for %d: %v", requestID, err)
		return
	}
	b, err := wire.EncodeRequest(&wire.Request{
		RequestID: c.nextID.Add(1), Entry: wire.CancelEntry, Codec: c.cfg.Codec, Payload: payload,
	}, c.cfg.Codec)
	if err != nil {
		nlog.Warningf("offload: encoding cancel envelope for %d: %v", requestID, err)
		return
	}
	if err := c.fw.WriteFrame(b); err != nil {
		nlog.Warningf("offload: sending cancel for %d: %v", requestID, err)
	}
}

func (c *Client) readLoop() {
	defer c.teardown(io.EOF)
	for {
		frame, err := wire.ReadFrame(c.stdout, c.cfg.MaxFrameBytes)
		if err != nil {
			c.teardown(err)
			return
		}
		resp, err := wire.DecodeResponse(frame, c.cfg.Codec)
		if err != nil {
			nlog.Warningf("offload: decoding response frame: %v", err)
			continue
		}
		c.mu.Lock()
		p, ok := c.inflight[resp.RequestID]
		c.mu.Unlock()
		if !ok {
			continue // response for a call we gave up on already
		}
		select {
		case p.resp <- resp:
		default:
		}
	}
}

func (c *Client) teardown(err error) {
	if c.closed.CompareAndSwap(false, true) {
		c.closeErr = err
		close(c.done)
	}
}

// restart kills the current worker (if any) and re-spawns it from the
// original command line, rebuilding the framed connection. In-flight
// calls at the moment of restart are abandoned; only the caller that
// triggered the restart via CallIdempotent gets retried. Triggered either
// reactively, from a connection error on the call in progress, or lazily,
// at the start of the next call, after a prior call's client timeout that
// never drained within cfg.RestartGrace or after the worker connection was
// lost.
func (c *Client) restart() error {
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	cmd := cloneCommand(c.cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	nlog.Warningf("offload[%s]: restarted worker, new pid %d", c.id, cmd.Process.Pid)

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.stdout = stdout
	c.fw = wire.NewFrameWriter(stdin)
	c.inflight = make(map[uint64]*pending)
	c.done = make(chan struct{})
	c.closed.Store(false)
	c.closeErr = nil
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

func cloneCommand(cmd *exec.Cmd) *exec.Cmd {
	n := exec.Command(cmd.Path, cmd.Args[1:]...)
	n.Env = cmd.Env
	n.Dir = cmd.Dir
	n.Stderr = cmd.Stderr
	return n
}

// Close terminates the worker process (if one was spawned) or the socket
// connection (if attached), and releases the client. Safe to call more
// than once.
func (c *Client) Close() error {
	c.teardown(fmt.Errorf("offload: client closed by caller"))
	_ = c.stdin.Close()
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		return c.cmd.Wait()
	}
	return nil
}

func statusErr(resp *wire.Response) error {
	switch resp.Status {
	case wire.StatusBusy:
		return cos.NewErrBusy(resp.Error)
	case wire.StatusTimeout:
		return cos.NewErrTimeout(resp.Error)
	case wire.StatusCancelled:
		return cos.NewErrCancelled(resp.Error)
	default:
		return fmt.Errorf("offload: %s: %s", resp.Status, resp.Error)
	}
}
