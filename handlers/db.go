/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package handlers

import (
	"context"

	"github.com/NVIDIA/molt/dbx"
	"github.com/NVIDIA/molt/token"
)

func dbQueryHandler(d Deps) func(tok *token.Token, args any) (any, error) {
	return dbHandler(d, false)
}

func dbExecHandler(d Deps) func(tok *token.Token, args any) (any, error) {
	return dbHandler(d, true)
}

// dbHandler parses and runs one db_query/db_exec call through dbx, forcing
// allow_write to forWrite's value so a db_query export can never sneak a
// write through even if the caller set allow_write:true in the payload,
// and a db_exec export can never silently run as read-only.
func dbHandler(d Deps, forWrite bool) func(tok *token.Token, args any) (any, error) {
	return func(tok *token.Token, args any) (any, error) {
		req, err := dbx.ParseQueryRequest(args)
		if err != nil {
			return nil, err
		}
		req.AllowWrite = forWrite

		ctx, cancel := tok.WithContext(context.Background())
		defer cancel()

		res, err := dbx.Execute(ctx, tok, d.Cfg, d.DB, req)
		if err != nil {
			return nil, err
		}
		for k, v := range res.Metrics.Numeric() {
			tok.SetMetric(k, v)
		}

		out := map[string]any{
			"db_alias": req.DBAlias,
		}
		if req.Tag != "" {
			out["tag"] = req.Tag
		}
		if forWrite {
			out["rows_affected"] = res.RowsAffected
			return out, nil
		}

		cols := make([]any, len(res.Cols))
		for i, c := range res.Cols {
			cols[i] = c
		}
		rows := make([]any, len(res.Rows))
		for i, r := range res.Rows {
			rowVals := make([]any, len(r))
			copy(rowVals, r)
			rows[i] = rowVals
		}
		out["cols"] = cols
		out["rows"] = rows
		return out, nil
	}
}
