/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package dbx

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/NVIDIA/molt/molcfg"
)

// sqliteConn wraps a single pinned *sql.Conn. database/sql's own pooling
// is disabled (MaxIdleConns=0 on the shared *sql.DB) so our Pool remains
// the sole pool; Close releases the pinned conn back to database/sql,
// which then actually closes it rather than caching it.
type sqliteConn struct {
	c *sql.Conn
}

// dialSQLite returns a factory sharing one *sql.DB per alias (opened lazily
// by database/sql, not per lease) and pinning a fresh *sql.Conn out of it
// on every call, so each dbx.Conn still maps 1:1 to one Pool lease.
func dialSQLite(cfg molcfg.DBAliasConfig) (func(ctx context.Context) (Conn, error), error) {
	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(0)

	return func(ctx context.Context) (Conn, error) {
		c, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return &sqliteConn{c: c}, nil
	}, nil
}

func (s *sqliteConn) Query(ctx context.Context, sqlText string, args []any) ([]string, []Row, error) {
	rows, err := s.c.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		out = append(out, Row(vals))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return cols, out, nil
}

func (s *sqliteConn) Exec(ctx context.Context, sqlText string, args []any) (int64, error) {
	res, err := s.c.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CancelInFlight: SQLite has no wire protocol to interrupt a query on a
// different connection; the pool closes the connection instead (§4.4).
func (s *sqliteConn) CancelInFlight(ctx context.Context) error {
	return ErrCancelUnsupported
}

func (s *sqliteConn) Healthy(ctx context.Context) bool {
	return s.c.PingContext(ctx) == nil
}

func (s *sqliteConn) Close() error {
	return s.c.Close()
}
