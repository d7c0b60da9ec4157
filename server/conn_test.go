/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/NVIDIA/molt/dispatch"
	"github.com/NVIDIA/molt/manifest"
	"github.com/NVIDIA/molt/stats"
	"github.com/NVIDIA/molt/token"
	"github.com/NVIDIA/molt/wire"
)

func testDispatcher(handlers map[string]manifest.Handler, cfg dispatch.Config) *dispatch.Dispatcher {
	exports := make([]manifest.Export, 0, len(handlers))
	for name := range handlers {
		exports = append(exports, manifest.Export{Name: name, CodecIn: "json", CodecOut: "json"})
	}
	f := &manifest.File{AbiVersion: "1.0.0", Exports: exports}
	reg, err := manifest.Build(f, handlers)
	if err != nil {
		panic(err)
	}
	return dispatch.New(reg, stats.NewCollector(), cfg)
}

func writeClientRequest(t *testing.T, conn net.Conn, req *wire.Request) {
	t.Helper()
	b, err := wire.EncodeRequest(req, wire.CodecJSON)
	if err != nil {
		t.Fatal(err)
	}
	if err := wire.NewFrameWriter(conn).WriteFrame(b); err != nil {
		t.Fatal(err)
	}
}

func readClientResponse(t *testing.T, conn net.Conn) *wire.Response {
	t.Helper()
	frame, err := wire.ReadFrame(conn, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := wire.DecodeResponse(frame, wire.CodecJSON)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestServeConnRoundTripsOneRequest(t *testing.T) {
	disp := testDispatcher(map[string]manifest.Handler{
		"echo": func(tok *token.Token, args any) (any, error) { return args, nil },
	}, dispatch.Config{Threads: 2, MaxQueue: 4, ServerDefaultTimeout: time.Second})
	s := New(disp, 1<<20, 0)

	client, serverConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serveConn(ctx, serverConn) }()

	writeClientRequest(t, client, &wire.Request{RequestID: 1, Entry: "echo", Codec: wire.CodecJSON, Payload: []byte(`"hi"`)})
	resp := readClientResponse(t, client)
	if resp.Status != wire.StatusOk || string(resp.Payload) != `"hi"` {
		t.Fatalf("got %+v", resp)
	}

	cancel()
	client.Close()
	<-done
}

func TestServeConnPingBypassesDispatch(t *testing.T) {
	disp := testDispatcher(map[string]manifest.Handler{}, dispatch.Config{Threads: 1, MaxQueue: 1, ServerDefaultTimeout: time.Second})
	s := New(disp, 1<<20, 0)

	client, serverConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serveConn(ctx, serverConn) }()

	writeClientRequest(t, client, &wire.Request{RequestID: 1, Entry: wire.PingEntry, Codec: wire.CodecJSON})
	resp := readClientResponse(t, client)
	if resp.Status != wire.StatusOk {
		t.Fatalf("expected a ping to succeed with no exports registered, got %+v", resp)
	}

	cancel()
	client.Close()
	<-done
}

func TestServeConnCancelBypassesDispatch(t *testing.T) {
	entered := make(chan struct{})
	disp := testDispatcher(map[string]manifest.Handler{
		"wait": func(tok *token.Token, args any) (any, error) {
			close(entered)
			<-tok.Done()
			return nil, tok.Err()
		},
	}, dispatch.Config{Threads: 1, MaxQueue: 1, ServerDefaultTimeout: time.Minute})
	s := New(disp, 1<<20, 0)

	client, serverConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.serveConn(ctx, serverConn) }()

	writeClientRequest(t, client, &wire.Request{RequestID: 7, Entry: "wait", Codec: wire.CodecJSON, Payload: []byte(`null`)})
	<-entered

	cancelPayload, err := wire.EncodeCancel(&wire.CancelPayload{RequestID: 7}, wire.CodecJSON)
	if err != nil {
		t.Fatal(err)
	}
	writeClientRequest(t, client, &wire.Request{RequestID: 8, Entry: wire.CancelEntry, Codec: wire.CodecJSON, Payload: cancelPayload})

	resp := readClientResponse(t, client)
	if resp.Status != wire.StatusCancelled {
		t.Fatalf("expected Cancelled, got %+v", resp)
	}
	client.Close()
}
