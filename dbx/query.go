/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package dbx

import (
	"context"
	"errors"

	"github.com/NVIDIA/molt/cos"
	"github.com/NVIDIA/molt/molcfg"
	"github.com/NVIDIA/molt/stats"
	"github.com/NVIDIA/molt/token"
)

// Result is the handler-facing outcome of a db_query/db_exec call: rows and
// columns for a query, rows-affected for an exec, plus the side metrics the
// caller attaches to the response envelope (§3, §4.4).
type Result struct {
	Cols         []string
	Rows         []Row
	RowsAffected int64
	Metrics      *stats.RequestMetrics
}

// Execute runs one validated QueryRequest end to end: capability gate,
// pool acquire, statement-cache-aware query/exec, max_rows truncation,
// cancellation and timeout mapping, and cleanup.
//
// cfg is consulted only for MaxRows (the server-wide ceiling) and
// capability grants; per-alias tuning lives on the Pool already.
func Execute(ctx context.Context, tok *token.Token, cfg *molcfg.Config, mgr *Manager, req *QueryRequest) (*Result, error) {
	if req.AllowWrite && !cfg.HasCapability(molcfg.CapDBWrite) {
		return nil, cos.NewErrInvalidInput("allow_write requires the db.write capability")
	}
	if !req.AllowWrite && !cfg.HasCapability(molcfg.CapDBRead) {
		return nil, cos.NewErrInvalidInput("db_query requires the db.read capability")
	}

	pool, err := mgr.Pool(req.DBAlias)
	if err != nil {
		return nil, err
	}

	lease, err := pool.Acquire(ctx, tok)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	inUse, idle, waiters := pool.Stats()
	m := &stats.RequestMetrics{}
	m.AddPoolGauges(inUse, idle, waiters)

	maxRows := req.MaxRows
	if maxRows <= 0 || maxRows > cfg.MaxRows {
		maxRows = cfg.MaxRows
	}

	// the backend drivers (pgx, database/sql) already cache prepared
	// statements internally; this cache exists to track shape-reuse for
	// the db_stmt_cache_hit gauge without forcing a second prepare layer
	// on top of theirs.
	key := req.StatementCacheKey()
	_, hit := pool.stmts.Get(key)
	m.SetStmtCacheHit(hit)
	pool.stmts.Put(key, true)

	// query_timeout_ms (§4.4) is a second, per-alias deadline layered under
	// whatever the caller's own token/timeout_ms already imposes: a query
	// that outlives it is a Timeout even if the overall request budget
	// hasn't expired yet.
	queryCtx := ctx
	if pool.cfg.QueryTimeout > 0 {
		var qcancel context.CancelFunc
		queryCtx, qcancel = context.WithTimeout(ctx, pool.cfg.QueryTimeout)
		defer qcancel()
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-tok.Done():
		case <-queryCtx.Done():
		case <-done:
			return
		}
		cerr := lease.Conn().CancelInFlight(context.Background())
		if cerr != nil {
			lease.MarkDirty()
		}
	}()

	var res *Result
	if req.AllowWrite {
		affected, execErr := lease.Conn().Exec(queryCtx, req.SQL, req.Args())
		close(done)
		if execErr != nil {
			lease.MarkDirty()
			return nil, classifyExecErr(queryCtx, tok, req.DBAlias, execErr)
		}
		m.AddDBMetrics(0, len(req.SQL), 0)
		res = &Result{RowsAffected: affected, Metrics: m}
	} else {
		cols, rows, queryErr := lease.Conn().Query(queryCtx, req.SQL, req.Args())
		close(done)
		if queryErr != nil {
			lease.MarkDirty()
			return nil, classifyExecErr(queryCtx, tok, req.DBAlias, queryErr)
		}
		truncated := rows
		if maxRows > 0 && len(truncated) > maxRows {
			truncated = truncated[:maxRows]
		}
		m.AddDBMetrics(len(truncated), len(req.SQL), estimateBytes(cols, truncated))
		res = &Result{Cols: cols, Rows: truncated, Metrics: m}
	}

	return res, nil
}

// classifyExecErr turns a driver-level error from a failed Query/Exec into
// the error the caller should see: the alias's own query_timeout_ms firing
// takes precedence (it's the more specific deadline), then the caller's own
// token, then the raw driver error for anything else (§7).
func classifyExecErr(queryCtx context.Context, tok *token.Token, alias string, driverErr error) error {
	if errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
		return cos.NewErrTimeout("query on alias %q exceeded query_timeout_ms", alias)
	}
	if tok.Cancelled() {
		return tok.Err()
	}
	return driverErr
}

func estimateBytes(cols []string, rows []Row) int {
	n := 0
	for _, c := range cols {
		n += len(c)
	}
	for _, r := range rows {
		for _, v := range r {
			switch x := v.(type) {
			case string:
				n += len(x)
			case []byte:
				n += len(x)
			default:
				n += 8
			}
		}
	}
	return n
}
