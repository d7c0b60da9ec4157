/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch_test

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/molt/dispatch"
	"github.com/NVIDIA/molt/manifest"
	"github.com/NVIDIA/molt/stats"
	"github.com/NVIDIA/molt/token"
	"github.com/NVIDIA/molt/wire"
)

func buildRegistry(handlers map[string]manifest.Handler) *manifest.Registry {
	exports := make([]manifest.Export, 0, len(handlers))
	for name := range handlers {
		exports = append(exports, manifest.Export{Name: name, CodecIn: "json", CodecOut: "json"})
	}
	f := &manifest.File{AbiVersion: "1.0.0", Exports: exports}
	reg, err := manifest.Build(f, handlers)
	Expect(err).NotTo(HaveOccurred())
	return reg
}

func jsonReq(id uint64, entry string, timeoutMs uint32, payload string) *wire.Request {
	return &wire.Request{RequestID: id, Entry: entry, TimeoutMs: timeoutMs, Codec: wire.CodecJSON, Payload: []byte(payload)}
}

var _ = Describe("Dispatcher", func() {
	var collector *stats.Collector

	BeforeEach(func() {
		collector = stats.NewCollector()
	})

	It("runs a handler to completion and returns Ok", func() {
		reg := buildRegistry(map[string]manifest.Handler{
			"echo": func(tok *token.Token, args any) (any, error) { return args, nil },
		})
		d := dispatch.New(reg, collector, dispatch.Config{Threads: 2, MaxQueue: 4, ServerDefaultTimeout: time.Second})
		sess := dispatch.NewSession()
		resp := d.Submit(sess, jsonReq(1, "echo", 0, `"hi"`))
		Expect(resp.Status).To(Equal(wire.StatusOk))
		Expect(string(resp.Payload)).To(Equal(`"hi"`))
	})

	It("reports InvalidInput for an unknown entry", func() {
		reg := buildRegistry(map[string]manifest.Handler{})
		d := dispatch.New(reg, collector, dispatch.Config{Threads: 1, MaxQueue: 1, ServerDefaultTimeout: time.Second})
		sess := dispatch.NewSession()
		resp := d.Submit(sess, jsonReq(1, "nope", 0, `null`))
		Expect(resp.Status).To(Equal(wire.StatusInvalidInput))
	})

	It("reports Busy without ever becoming Queued once the admission gate is full", func() {
		release := make(chan struct{})
		reg := buildRegistry(map[string]manifest.Handler{
			"block": func(tok *token.Token, args any) (any, error) { <-release; return nil, nil },
		})
		d := dispatch.New(reg, collector, dispatch.Config{Threads: 1, MaxQueue: 0, ServerDefaultTimeout: time.Second})
		sess := dispatch.NewSession()

		done := make(chan *wire.Response, 1)
		go func() { done <- d.Submit(sess, jsonReq(1, "block", 0, `null`)) }()
		Eventually(func() int { return sess.InFlight() }).Should(Equal(1))

		resp := d.Submit(sess, jsonReq(2, "block", 0, `null`))
		Expect(resp.Status).To(Equal(wire.StatusBusy))

		close(release)
		Eventually(done).Should(Receive())
	})

	It("resolves Cancelled when a session cancel arrives mid-flight", func() {
		entered := make(chan struct{})
		reg := buildRegistry(map[string]manifest.Handler{
			"wait": func(tok *token.Token, args any) (any, error) {
				close(entered)
				<-tok.Done()
				return nil, tok.Err()
			},
		})
		d := dispatch.New(reg, collector, dispatch.Config{Threads: 1, MaxQueue: 1, ServerDefaultTimeout: time.Second})
		sess := dispatch.NewSession()

		done := make(chan *wire.Response, 1)
		go func() { done <- d.Submit(sess, jsonReq(5, "wait", 0, `null`)) }()
		<-entered
		sess.Cancel(5)

		var resp *wire.Response
		Eventually(done).Should(Receive(&resp))
		Expect(resp.Status).To(Equal(wire.StatusCancelled))
	})

	It("resolves Timeout when timeout_ms elapses before the handler returns", func() {
		reg := buildRegistry(map[string]manifest.Handler{
			"slow": func(tok *token.Token, args any) (any, error) { <-tok.Done(); return nil, tok.Err() },
		})
		d := dispatch.New(reg, collector, dispatch.Config{Threads: 1, MaxQueue: 1, ServerDefaultTimeout: time.Minute})
		sess := dispatch.NewSession()
		resp := d.Submit(sess, jsonReq(9, "slow", 20, `null`))
		Expect(resp.Status).To(Equal(wire.StatusTimeout))
	})

	It("recovers a handler panic as InternalError without leaking the panic value", func() {
		reg := buildRegistry(map[string]manifest.Handler{
			"boom": func(tok *token.Token, args any) (any, error) { panic(fmt.Errorf("kaboom: secret-detail")) },
		})
		d := dispatch.New(reg, collector, dispatch.Config{Threads: 1, MaxQueue: 1, ServerDefaultTimeout: time.Second})
		sess := dispatch.NewSession()
		resp := d.Submit(sess, jsonReq(3, "boom", 0, `null`))
		Expect(resp.Status).To(Equal(wire.StatusInternalError))
		Expect(resp.Error).NotTo(ContainSubstring("secret-detail"))
	})

	It("uses the async runtime without a second concurrency cap beyond admission", func() {
		reg := buildRegistry(map[string]manifest.Handler{
			"echo": func(tok *token.Token, args any) (any, error) { return "ok", nil },
		})
		d := dispatch.New(reg, collector, dispatch.Config{MaxQueue: 4, ServerDefaultTimeout: time.Second, Async: true})
		sess := dispatch.NewSession()
		resp := d.Submit(sess, jsonReq(1, "echo", 0, `null`))
		Expect(resp.Status).To(Equal(wire.StatusOk))
	})
})
