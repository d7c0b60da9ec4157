/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package dbx

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/molt/molcfg"
	"github.com/NVIDIA/molt/token"
)

type fakeConn struct {
	id      int
	closed  bool
	healthy bool
}

func (c *fakeConn) Query(ctx context.Context, sqlText string, args []any) ([]string, []Row, error) {
	return []string{"x"}, []Row{{int64(c.id)}}, nil
}
func (c *fakeConn) Exec(ctx context.Context, sqlText string, args []any) (int64, error) { return 1, nil }
func (c *fakeConn) CancelInFlight(ctx context.Context) error                            { return ErrCancelUnsupported }
func (c *fakeConn) Healthy(ctx context.Context) bool                                    { return c.healthy }
func (c *fakeConn) Close() error                                                        { c.closed = true; return nil }

func fakeFactory() (func(ctx context.Context) (Conn, error), *int32) {
	var n int32
	return func(ctx context.Context) (Conn, error) {
		id := atomic.AddInt32(&n, 1)
		return &fakeConn{id: int(id), healthy: true}, nil
	}, &n
}

var _ = Describe("Pool", func() {
	var cfg molcfg.DBAliasConfig

	BeforeEach(func() {
		cfg = molcfg.DBAliasConfig{
			Alias:               "t",
			MaxConns:            2,
			ConnectTimeout:      time.Second,
			MaxWait:             200 * time.Millisecond,
			StatementCacheSize:  8,
			HealthCheckInterval: time.Hour,
		}
	})

	It("opens at most MaxConns connections and hands a released connection to a waiter", func() {
		factory, opened := fakeFactory()
		p := newPool("t", cfg, factory, nil)
		defer p.Close()

		l1, err := p.Acquire(context.Background(), token.New(0))
		Expect(err).NotTo(HaveOccurred())
		l2, err := p.Acquire(context.Background(), token.New(0))
		Expect(err).NotTo(HaveOccurred())
		Expect(*opened).To(Equal(int32(2)))

		order := make(chan int, 2)
		go func() {
			l, err := p.Acquire(context.Background(), token.New(0))
			Expect(err).NotTo(HaveOccurred())
			order <- l.Conn().(*fakeConn).id
		}()
		go func() {
			time.Sleep(20 * time.Millisecond)
			l1.Release()
		}()

		var got int
		Eventually(order, time.Second).Should(Receive(&got))
		Expect(got).To(Equal(l1.Conn().(*fakeConn).id))
		l2.Release()
	})

	It("returns Busy once MaxWait elapses with no free connection", func() {
		factory, _ := fakeFactory()
		p := newPool("t", cfg, factory, nil)
		defer p.Close()

		l1, err := p.Acquire(context.Background(), token.New(0))
		Expect(err).NotTo(HaveOccurred())
		l2, err := p.Acquire(context.Background(), token.New(0))
		Expect(err).NotTo(HaveOccurred())

		_, err = p.Acquire(context.Background(), token.New(0))
		Expect(err).To(HaveOccurred())

		l1.Release()
		l2.Release()
	})

	It("honors cancellation of a waiting token ahead of MaxWait", func() {
		cfg.MaxWait = time.Hour
		factory, _ := fakeFactory()
		p := newPool("t", cfg, factory, nil)
		defer p.Close()

		l1, err := p.Acquire(context.Background(), token.New(0))
		Expect(err).NotTo(HaveOccurred())
		l2, err := p.Acquire(context.Background(), token.New(0))
		Expect(err).NotTo(HaveOccurred())

		tok := token.New(0)
		result := make(chan error, 1)
		go func() {
			_, aerr := p.Acquire(context.Background(), tok)
			result <- aerr
		}()
		time.Sleep(20 * time.Millisecond)
		tok.Cancel()

		Eventually(result, time.Second).Should(Receive(HaveOccurred()))
		l1.Release()
		l2.Release()
	})

	It("does not return a dirty connection to the idle list", func() {
		factory, opened := fakeFactory()
		p := newPool("t", cfg, factory, nil)
		defer p.Close()

		l1, err := p.Acquire(context.Background(), token.New(0))
		Expect(err).NotTo(HaveOccurred())
		l1.MarkDirty()
		l1.Release()

		inUse, idle, _ := p.Stats()
		Expect(inUse).To(Equal(0))
		Expect(idle).To(Equal(0))

		l2, err := p.Acquire(context.Background(), token.New(0))
		Expect(err).NotTo(HaveOccurred())
		Expect(*opened).To(Equal(int32(2))) // first conn discarded, a fresh one dialed
		l2.Release()
	})

	It("wraps a dial failure with alias context via pkg/errors", func() {
		factory := func(ctx context.Context) (Conn, error) { return nil, fmt.Errorf("connection refused") }
		p := newPool("t", cfg, factory, nil)
		defer p.Close()

		_, err := p.Acquire(context.Background(), token.New(0))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("dialing new connection"))
	})
})
