/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package dbx

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/NVIDIA/molt/cos"
	"github.com/NVIDIA/molt/hk"
	"github.com/NVIDIA/molt/molcfg"
	"github.com/NVIDIA/molt/nlog"
	"github.com/NVIDIA/molt/token"
)

type pooled struct {
	conn     Conn
	lastUsed time.Time
}

// Pool is a bounded bag of connections for one db_alias: at most MaxConns,
// at least MinConns kept warm, waiters served strictly FIFO so starvation
// is impossible by construction (§4.4, §9).
type Pool struct {
	alias   string
	cfg     molcfg.DBAliasConfig
	factory func(ctx context.Context) (Conn, error)
	stmts   *stmtCache

	mu      sync.Mutex
	idle    []*pooled
	numOpen int
	waiters *list.List // of chan *pooled, FIFO: PushBack to enqueue, Front to serve

	closed bool
}

func newPool(alias string, cfg molcfg.DBAliasConfig, factory func(ctx context.Context) (Conn, error), housekeeper *hk.Housekeeper) *Pool {
	p := &Pool{
		alias:   alias,
		cfg:     cfg,
		factory: factory,
		stmts:   newStmtCache(cfg.StatementCacheSize),
		waiters: list.New(),
	}
	if housekeeper != nil && cfg.MaxIdle > 0 {
		interval := cfg.MaxIdle / 2
		if interval <= 0 {
			interval = time.Second
		}
		housekeeper.Register("dbx-idle-evict-"+alias, interval, func() time.Duration {
			p.evictIdle()
			return interval
		})
	}
	return p
}

// Stats reports the live gauges of §3/§4.4.
func (p *Pool) Stats() (inUse, idle, waiters int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numOpen - len(p.idle), len(p.idle), p.waiters.Len()
}

// Lease is an acquired connection, exclusively owned by its caller until
// Release.
type Lease struct {
	pool  *Pool
	entry *pooled
	dirty bool
}

func (l *Lease) Conn() Conn { return l.entry.conn }

// MarkDirty flags the connection as unfit to return to the pool (session
// left dirty by an error mid-transaction); it is closed rather than reused,
// and a replacement may be created lazily on a later Acquire (§4.4).
func (l *Lease) MarkDirty() { l.dirty = true }

func (l *Lease) Release() {
	l.pool.release(l.entry, l.dirty)
}

// Acquire implements the §4.4 acquire algorithm: reuse an idle connection
// (health-checking it first if it has sat idle past the health-check
// interval), else open a new one if under MaxConns, else wait FIFO up to
// MaxWait, honoring tok's cancellation at every step.
func (p *Pool) Acquire(ctx context.Context, tok *token.Token) (*Lease, error) {
	for {
		p.mu.Lock()
		if n := len(p.idle); n > 0 {
			e := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()

			if time.Since(e.lastUsed) > p.cfg.HealthCheckInterval && p.cfg.HealthCheckInterval > 0 {
				hctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
				ok := e.conn.Healthy(hctx)
				cancel()
				if !ok {
					p.mu.Lock()
					p.numOpen--
					p.mu.Unlock()
					_ = e.conn.Close()
					continue // try again: idle, new, or wait
				}
			}
			return &Lease{pool: p, entry: e}, nil
		}

		if p.numOpen < p.cfg.MaxConns {
			p.numOpen++
			p.mu.Unlock()
			cctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
			conn, err := p.factory(cctx)
			cancel()
			if err != nil {
				p.mu.Lock()
				p.numOpen--
				p.mu.Unlock()
				return nil, errors.Wrapf(err, "pool %s: dialing new connection", p.alias)
			}
			return &Lease{pool: p, entry: &pooled{conn: conn, lastUsed: time.Now()}}, nil
		}

		// pool is at capacity: wait FIFO for a release.
		ch := make(chan *pooled, 1)
		elem := p.waiters.PushBack(ch)
		p.mu.Unlock()

		waitCtx := ctx
		var waitCancel context.CancelFunc
		if p.cfg.MaxWait > 0 {
			waitCtx, waitCancel = context.WithTimeout(ctx, p.cfg.MaxWait)
			defer waitCancel()
		}

		select {
		case e := <-ch:
			if e == nil {
				return nil, cos.NewErrBusy("pool %s closed while waiting", p.alias)
			}
			return &Lease{pool: p, entry: e}, nil
		case <-tok.Done():
			p.removeWaiter(elem)
			return nil, tok.Err()
		case <-waitCtx.Done():
			p.removeWaiter(elem)
			return nil, cos.NewErrBusy("pool %s exhausted: max_wait_ms elapsed", p.alias)
		}
	}
}

func (p *Pool) removeWaiter(elem *list.Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// guard against a concurrent release already having removed it
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			p.waiters.Remove(e)
			return
		}
	}
}

func (p *Pool) release(e *pooled, dirty bool) {
	p.mu.Lock()
	if dirty {
		p.numOpen--
		p.mu.Unlock()
		_ = e.conn.Close()
		return
	}

	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		ch := front.Value.(chan *pooled)
		p.mu.Unlock()
		e.lastUsed = time.Now()
		ch <- e // buffered: never blocks
		return
	}

	e.lastUsed = time.Now()
	p.idle = append(p.idle, e)
	p.mu.Unlock()
}

// evictIdle closes idle connections that have sat unused past MaxIdle,
// never dropping below MinConns. Run periodically by the shared hk
// scheduler rather than a per-pool ticker goroutine.
func (p *Pool) evictIdle() {
	p.mu.Lock()
	now := time.Now()
	keep := p.idle[:0]
	var toClose []*pooled
	for _, e := range p.idle {
		if now.Sub(e.lastUsed) > p.cfg.MaxIdle && p.numOpen > p.cfg.MinConns {
			toClose = append(toClose, e)
			p.numOpen--
			continue
		}
		keep = append(keep, e)
	}
	p.idle = keep
	p.mu.Unlock()

	for _, e := range toClose {
		if err := e.conn.Close(); err != nil {
			nlog.Warningf("dbx: closing evicted idle conn on %s: %v", p.alias, err)
		}
	}
}

// Close tears down every connection (idle and any still-registered
// waiters are unblocked with an error) and should only be called at
// worker shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(chan *pooled))
	}
	p.waiters.Init()
	p.mu.Unlock()

	for _, e := range idle {
		_ = e.conn.Close()
	}
}
