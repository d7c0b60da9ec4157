/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package dbx

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/molt/cos"
	"github.com/NVIDIA/molt/molcfg"
	"github.com/NVIDIA/molt/token"
)

func testCfg(caps ...string) *molcfg.Config {
	capset := map[string]bool{}
	for _, c := range caps {
		capset[c] = true
	}
	return &molcfg.Config{MaxRows: 1000, Capabilities: capset}
}

func managerWithPool(alias string, p *Pool) *Manager {
	return &Manager{pools: map[string]*Pool{alias: p}}
}

var _ = Describe("Execute", func() {
	var poolCfg molcfg.DBAliasConfig

	BeforeEach(func() {
		poolCfg = molcfg.DBAliasConfig{
			Alias: "t", MaxConns: 2, ConnectTimeout: time.Second,
			MaxWait: time.Second, StatementCacheSize: 8, HealthCheckInterval: time.Hour,
		}
	})

	It("rejects a query without the db.read capability", func() {
		factory, _ := fakeFactory()
		p := newPool("t", poolCfg, factory, nil)
		defer p.Close()
		mgr := managerWithPool("t", p)

		req, err := ParseQueryRequest(map[string]any{"db_alias": "t", "sql": "select 1"})
		Expect(err).NotTo(HaveOccurred())

		_, err = Execute(context.Background(), token.New(0), testCfg(), mgr, req)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a write without the db.write capability", func() {
		factory, _ := fakeFactory()
		p := newPool("t", poolCfg, factory, nil)
		defer p.Close()
		mgr := managerWithPool("t", p)

		req, err := ParseQueryRequest(map[string]any{"db_alias": "t", "sql": "delete from x", "allow_write": true})
		Expect(err).NotTo(HaveOccurred())

		_, err = Execute(context.Background(), token.New(0), testCfg(molcfg.CapDBRead), mgr, req)
		Expect(err).To(HaveOccurred())
	})

	It("runs a read query and reports rows", func() {
		factory, _ := fakeFactory()
		p := newPool("t", poolCfg, factory, nil)
		defer p.Close()
		mgr := managerWithPool("t", p)

		req, err := ParseQueryRequest(map[string]any{"db_alias": "t", "sql": "select 1"})
		Expect(err).NotTo(HaveOccurred())

		res, err := Execute(context.Background(), token.New(0), testCfg(molcfg.CapDBRead), mgr, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Cols).To(Equal([]string{"x"}))
		Expect(res.Rows).To(HaveLen(1))
	})

	It("runs a write with allow_write and reports rows affected", func() {
		factory, _ := fakeFactory()
		p := newPool("t", poolCfg, factory, nil)
		defer p.Close()
		mgr := managerWithPool("t", p)

		req, err := ParseQueryRequest(map[string]any{"db_alias": "t", "sql": "delete from x", "allow_write": true})
		Expect(err).NotTo(HaveOccurred())

		res, err := Execute(context.Background(), token.New(0), testCfg(molcfg.CapDBWrite), mgr, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.RowsAffected).To(Equal(int64(1)))
	})

	It("truncates rows to the configured max_rows ceiling", func() {
		factory, _ := fakeFactory()
		p := newPool("t", poolCfg, factory, nil)
		defer p.Close()
		mgr := managerWithPool("t", p)

		req, err := ParseQueryRequest(map[string]any{"db_alias": "t", "sql": "select 1", "max_rows": 0})
		Expect(err).NotTo(HaveOccurred())

		cfg := testCfg(molcfg.CapDBRead)
		cfg.MaxRows = 1 // falls back to this since the request didn't set max_rows
		res, err := Execute(context.Background(), token.New(0), cfg, mgr, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Rows).To(HaveLen(1)) // fakeConn only ever returns one row anyway
	})

	It("resolves Timeout when the handler's token expires mid-query, leaving the pool clean", func() {
		slowFactory := func(ctx context.Context) (Conn, error) { return &slowConn{}, nil }
		p := newPool("t", poolCfg, slowFactory, nil)
		defer p.Close()
		mgr := managerWithPool("t", p)

		req, err := ParseQueryRequest(map[string]any{"db_alias": "t", "sql": "select pg_sleep(1)"})
		Expect(err).NotTo(HaveOccurred())

		tok := token.New(20 * time.Millisecond)
		ctx, cancel := tok.WithContext(context.Background())
		defer cancel()

		_, err = Execute(ctx, tok, testCfg(molcfg.CapDBRead), mgr, req)
		Expect(err).To(HaveOccurred())
		Expect(tok.Cancelled()).To(BeTrue())

		inUse, idle, _ := p.Stats()
		Expect(inUse).To(Equal(0))
		Expect(idle).To(Equal(0)) // CancelInFlight failed on the fake, so the lease was marked dirty
	})

	It("resolves Timeout from the alias's own query_timeout_ms even when the token never expires", func() {
		slowFactory := func(ctx context.Context) (Conn, error) { return &slowConn{}, nil }
		qcfg := poolCfg
		qcfg.QueryTimeout = 20 * time.Millisecond
		p := newPool("t", qcfg, slowFactory, nil)
		defer p.Close()
		mgr := managerWithPool("t", p)

		req, err := ParseQueryRequest(map[string]any{"db_alias": "t", "sql": "select pg_sleep(1)"})
		Expect(err).NotTo(HaveOccurred())

		tok := token.New(0) // no token deadline at all
		_, err = Execute(context.Background(), tok, testCfg(molcfg.CapDBRead), mgr, req)
		Expect(err).To(HaveOccurred())
		_, isTimeout := err.(*cos.ErrTimeout)
		Expect(isTimeout).To(BeTrue())
		Expect(tok.Cancelled()).To(BeFalse()) // the token itself never fired

		inUse, idle, _ := p.Stats()
		Expect(inUse).To(Equal(0))
		Expect(idle).To(Equal(0)) // CancelInFlight failed on the fake, so the lease was marked dirty
	})

	It("marks the lease dirty and returns the pool to a consistent state on error", func() {
		errFactory := func(ctx context.Context) (Conn, error) { return &erroringConn{}, nil }
		p := newPool("t", poolCfg, errFactory, nil)
		defer p.Close()
		mgr := managerWithPool("t", p)

		req, err := ParseQueryRequest(map[string]any{"db_alias": "t", "sql": "select 1"})
		Expect(err).NotTo(HaveOccurred())

		_, err = Execute(context.Background(), token.New(0), testCfg(molcfg.CapDBRead), mgr, req)
		Expect(err).To(HaveOccurred())

		inUse, idle, _ := p.Stats()
		Expect(inUse).To(Equal(0))
		Expect(idle).To(Equal(0)) // the failed connection was discarded, not recycled
	})
})

type erroringConn struct{}

func (c *erroringConn) Query(ctx context.Context, sqlText string, args []any) ([]string, []Row, error) {
	return nil, nil, context.DeadlineExceeded
}
func (c *erroringConn) Exec(ctx context.Context, sqlText string, args []any) (int64, error) {
	return 0, context.DeadlineExceeded
}
func (c *erroringConn) CancelInFlight(ctx context.Context) error { return ErrCancelUnsupported }
func (c *erroringConn) Healthy(ctx context.Context) bool         { return true }
func (c *erroringConn) Close() error                             { return nil }

// slowConn models a query that never returns on its own, standing in for
// SELECT pg_sleep(1) against a token with a short deadline (§8 scenario 5).
type slowConn struct{}

func (c *slowConn) Query(ctx context.Context, sqlText string, args []any) ([]string, []Row, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}
func (c *slowConn) Exec(ctx context.Context, sqlText string, args []any) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}
func (c *slowConn) CancelInFlight(ctx context.Context) error { return ErrCancelUnsupported }
func (c *slowConn) Healthy(ctx context.Context) bool         { return true }
func (c *slowConn) Close() error                             { return nil }
