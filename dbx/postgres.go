/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package dbx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"

	"github.com/NVIDIA/molt/molcfg"
)

type pgConn struct {
	c *pgx.Conn
}

func dialPostgres(cfg molcfg.DBAliasConfig) func(ctx context.Context) (Conn, error) {
	return func(ctx context.Context) (Conn, error) {
		pgxCfg, err := pgx.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parsing DSN for alias %s: %w", cfg.Alias, err)
		}
		if cfg.TLSRootCertPath != "" {
			tlsCfg, err := tlsConfigFromRootCert(cfg.TLSRootCertPath)
			if err != nil {
				return nil, err
			}
			pgxCfg.TLSConfig = tlsCfg
		}
		conn, err := pgx.ConnectConfig(ctx, pgxCfg)
		if err != nil {
			return nil, err
		}
		return &pgConn{c: conn}, nil
	}
}

func tlsConfigFromRootCert(path string) (*tls.Config, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading TLS root cert %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", path)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (p *pgConn) Query(ctx context.Context, sqlText string, args []any) ([]string, []Row, error) {
	rows, err := p.c.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}

	var out []Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}
		out = append(out, Row(vals))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return cols, out, nil
}

func (p *pgConn) Exec(ctx context.Context, sqlText string, args []any) (int64, error) {
	tag, err := p.c.Exec(ctx, sqlText, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CancelInFlight issues a real Postgres protocol-level cancel request on a
// fresh connection to the same backend, per §4.4/§4.5/§9 ("issue a
// protocol cancel first; if not supported, close").
func (p *pgConn) CancelInFlight(ctx context.Context) error {
	return p.c.PgConn().CancelRequest(ctx)
}

func (p *pgConn) Healthy(ctx context.Context) bool {
	return p.c.Ping(ctx) == nil
}

func (p *pgConn) Close() error {
	return p.c.Close(context.Background())
}
