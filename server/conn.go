// Package server accepts connections over stdio or a Unix domain socket
// and serves the framed request/response protocol on each one, wiring
// wire framing, a per-connection dispatch.Session, and a shared
// dispatch.Dispatcher together (§4.1). Grounded on the teacher's
// transport/sendmsg.go read-loop-plus-writer-mutex shape, generalized
// from one outbound object stream to one inbound connection serving many
// concurrent in-flight requests.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"context"
	"io"
	"net"
	"os"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/molt/dispatch"
	"github.com/NVIDIA/molt/nlog"
	"github.com/NVIDIA/molt/wire"
)

// Server owns the listening transport (stdio or Unix socket) and serves
// every accepted connection against the same Dispatcher.
type Server struct {
	disp          *dispatch.Dispatcher
	maxFrameBytes int
	maxConns      int
}

func New(disp *dispatch.Dispatcher, maxFrameBytes, maxConns int) *Server {
	return &Server{disp: disp, maxFrameBytes: maxFrameBytes, maxConns: maxConns}
}

// ServeStdio serves exactly one connection over os.Stdin/os.Stdout and
// blocks until it ends: EOF or a read error on stdin, or a cancelled ctx,
// which is checked only after each request frame is read.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.serveConn(ctx, stdioConn{os.Stdin, os.Stdout})
}

// ServeUnix listens on path and serves every accepted connection
// concurrently until ctx is cancelled, at which point the listener is
// closed and ServeUnix returns once every accepted connection has ended
// (each checks ctx only after reading a request frame). Accepted
// connections beyond maxConns
// queue at the kernel accept backlog via netutil.LimitListener, the same
// connection-limiting pattern golang.org/x/net provides for HTTP servers,
// applied here to the raw framed listener instead.
func (s *Server) ServeUnix(ctx context.Context, path string) error {
	_ = os.Remove(path) // stale socket from a prior crash
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var eg errgroup.Group
	for {
		conn, err := ln.Accept()
		if err != nil {
			_ = eg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		eg.Go(func() error {
			if err := s.serveConn(ctx, conn); err != nil && err != io.EOF {
				nlog.Warningf("server: connection ended: %v", err)
			}
			return nil
		})
	}
}

type stdioConn struct {
	r io.Reader
	w io.Writer
}

func (c stdioConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c stdioConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (s *Server) serveConn(ctx context.Context, rwc io.ReadWriter) error {
	fw := wire.NewFrameWriter(rwc)
	sess := dispatch.NewSession()
	var eg errgroup.Group
	defer func() {
		sess.CancelAll()
		_ = eg.Wait()
	}()

	for {
		frame, err := wire.ReadFrame(rwc, s.maxFrameBytes)
		if err != nil {
			if _, ok := err.(*wire.ErrProtocol); ok {
				nlog.Warningf("server: %v", err)
			}
			return err
		}

		codec := wire.SniffCodec(frame)
		req, derr := wire.DecodeRequest(frame, codec)
		if derr != nil {
			nlog.Warningf("server: dropping unparseable frame: %v", derr)
			continue
		}

		if req.Entry == wire.CancelEntry {
			handleCancel(sess, req, codec)
			continue
		}

		if req.Entry == wire.PingEntry {
			if err := replyToPing(fw, req, codec); err != nil {
				nlog.Warningf("server: writing ping response %d: %v", req.RequestID, err)
			}
			continue
		}

		eg.Go(func() error {
			resp := s.disp.Submit(sess, req)
			b, eerr := wire.EncodeResponse(resp, codec)
			if eerr != nil {
				nlog.Errorf("server: encoding response %d: %v", resp.RequestID, eerr)
				return nil
			}
			if werr := fw.WriteFrame(b); werr != nil {
				nlog.Warningf("server: writing response %d: %v", resp.RequestID, werr)
			}
			return nil
		})

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func handleCancel(sess *dispatch.Session, req *wire.Request, codec wire.Codec) {
	cp, err := wire.DecodeCancel(req.Payload, codec)
	if err != nil {
		nlog.Warningf("server: malformed __cancel__ payload: %v", err)
		return
	}
	sess.Cancel(cp.RequestID)
}

// replyToPing answers a preflight ping immediately with Ok, without ever
// touching the dispatcher or the manifest — a ping must succeed purely by
// virtue of the connection being alive and framing working.
func replyToPing(fw *wire.FrameWriter, req *wire.Request, codec wire.Codec) error {
	b, err := wire.EncodeResponse(&wire.Response{RequestID: req.RequestID, Status: wire.StatusOk}, codec)
	if err != nil {
		return err
	}
	return fw.WriteFrame(b)
}
