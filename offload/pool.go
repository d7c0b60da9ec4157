/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package offload

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Pool round-robins calls across a fixed set of spawned workers, each with
// its own independent in-flight table — a cancel for one member never
// touches another's calls, since cancellation is scoped per connection
// (§3: request_id is unique per connection, not globally).
type Pool struct {
	members []*Client
	next    atomic.Uint64
}

// NewPool spawns n workers from baseCfg, cloning baseCfg.Command for each
// member so every worker gets its own process and stdio pipes.
func NewPool(baseCfg Config, n int) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("offload: pool size must be > 0, got %d", n)
	}
	if baseCfg.Command == nil {
		return nil, fmt.Errorf("offload: Config.Command is required for NewPool")
	}
	p := &Pool{members: make([]*Client, 0, n)}
	for i := 0; i < n; i++ {
		cfg := baseCfg
		cfg.Command = cloneCommand(baseCfg.Command)
		c, err := Spawn(cfg)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("offload: spawning pool member %d: %w", i, err)
		}
		p.members = append(p.members, c)
	}
	return p, nil
}

// Call routes to the next member in round-robin order.
func (p *Pool) Call(ctx context.Context, entry string, timeoutMs uint32, args any) (any, error) {
	return p.pick().Call(ctx, entry, timeoutMs, args)
}

func (p *Pool) CallIdempotent(ctx context.Context, entry string, timeoutMs uint32, args any) (any, error) {
	return p.pick().CallIdempotent(ctx, entry, timeoutMs, args)
}

// Ping preflights the next member in round-robin order.
func (p *Pool) Ping(ctx context.Context, timeoutMs uint32) error {
	return p.pick().Ping(ctx, timeoutMs)
}

func (p *Pool) pick() *Client {
	i := p.next.Add(1) - 1
	return p.members[int(i)%len(p.members)]
}

// Close shuts down every member, returning the first error encountered.
func (p *Pool) Close() error {
	var first error
	for _, c := range p.members {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
