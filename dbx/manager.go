/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package dbx

import (
	"context"
	"fmt"

	"github.com/NVIDIA/molt/cos"
	"github.com/NVIDIA/molt/hk"
	"github.com/NVIDIA/molt/molcfg"
)

// Manager owns one Pool per configured db_alias, built once at startup and
// never mutated afterward (new aliases are not picked up without a
// restart, matching the rest of Config's read-mostly discipline).
type Manager struct {
	pools map[string]*Pool
}

// NewManager dials (lazily, via each Pool's factory) a pool per alias in
// cfg.DBAliases, wiring them all to the shared housekeeper for idle
// eviction (§4.4).
func NewManager(cfg *molcfg.Config, housekeeper *hk.Housekeeper) (*Manager, error) {
	m := &Manager{pools: make(map[string]*Pool, len(cfg.DBAliases))}
	for alias, aliasCfg := range cfg.DBAliases {
		if aliasCfg.DSN == "" {
			continue // declared but unconfigured alias: skip, not an error
		}
		factory, err := dialerFor(aliasCfg)
		if err != nil {
			return nil, fmt.Errorf("db alias %s: %w", alias, err)
		}
		m.pools[alias] = newPool(alias, aliasCfg, factory, housekeeper)
	}
	return m, nil
}

func dialerFor(cfg molcfg.DBAliasConfig) (func(ctx context.Context) (Conn, error), error) {
	switch cfg.Driver {
	case "sqlite":
		return dialSQLite(cfg)
	case "postgres", "":
		return dialPostgres(cfg), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// Pool looks up the named alias's pool.
func (m *Manager) Pool(alias string) (*Pool, error) {
	p, ok := m.pools[alias]
	if !ok {
		return nil, cos.NewErrNotFound("db alias %q", alias)
	}
	return p, nil
}

// Stats reports per-alias pool gauges (in use, idle, waiters) for every
// configured alias.
func (m *Manager) Stats() map[string][3]int {
	out := make(map[string][3]int, len(m.pools))
	for alias, p := range m.pools {
		inUse, idle, waiters := p.Stats()
		out[alias] = [3]int{inUse, idle, waiters}
	}
	return out
}

// Close tears down every pool at worker shutdown.
func (m *Manager) Close() {
	for _, p := range m.pools {
		p.Close()
	}
}
