/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package dbx

import (
	"fmt"
	"sort"

	"github.com/NVIDIA/molt/cos"
)

// ParamMode selects how Values are bound to the query placeholders (§4.4).
type ParamMode string

const (
	ParamPositional ParamMode = "positional"
	ParamNamed      ParamMode = "named"
)

// NamedParam is one (name, typed value) pair under named mode. Values are
// canonicalized by sorting on Name before a statement key is derived, so
// the same logical call always yields the same cache key regardless of the
// order the caller listed its params in (§3, determinism property).
type NamedParam struct {
	Name  string
	Value TypedValue
}

// TypedValue carries an explicit type tag rather than relying on the
// codec's native dynamic typing, so "null" is never ambiguous with
// "absent" (§4.4: "an untyped null is rejected as InvalidInput").
type TypedValue struct {
	Type  string // "null" | "bool" | "int64" | "float64" | "string" | "bytes"
	Value any
}

var scalarTypes = map[string]bool{
	"null": true, "bool": true, "int64": true, "float64": true, "string": true, "bytes": true,
}

// QueryRequest is the parsed, validated db_query/db_exec payload.
type QueryRequest struct {
	DBAlias      string
	SQL          string
	Mode         ParamMode
	Positional   []TypedValue
	Named        []NamedParam // sorted by Name after ParseQueryRequest
	MaxRows      int
	ResultFormat string // defaults to "rows"; any other value is stored as given and does not change the result shape
	AllowWrite   bool
	Tag          string
}

// ParseQueryRequest validates the decoded request payload (a map[string]any
// produced by the generic wire codec) into a QueryRequest, or an
// *cos.ErrInvalidInput describing exactly what was wrong.
func ParseQueryRequest(raw any) (*QueryRequest, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, cos.NewErrInvalidInput("db request payload must be an object")
	}

	alias, _ := m["db_alias"].(string)
	if alias == "" {
		return nil, cos.NewErrInvalidInput("db_alias is required")
	}
	sqlText, _ := m["sql"].(string)
	if sqlText == "" {
		return nil, cos.NewErrInvalidInput("sql is required")
	}

	q := &QueryRequest{
		DBAlias:      alias,
		SQL:          sqlText,
		Mode:         ParamPositional,
		ResultFormat: "rows",
	}
	if v, ok := m["max_rows"]; ok {
		n, err := asInt(v)
		if err != nil {
			return nil, cos.NewErrInvalidInput("max_rows: %v", err)
		}
		q.MaxRows = n
	}
	if v, ok := m["allow_write"].(bool); ok {
		q.AllowWrite = v
	}
	if v, ok := m["tag"].(string); ok {
		q.Tag = v
	}
	if v, ok := m["result_format"].(string); ok && v != "" {
		q.ResultFormat = v
	}

	params, _ := m["params"].(map[string]any)
	if params != nil {
		if mode, ok := params["mode"].(string); ok && mode != "" {
			q.Mode = ParamMode(mode)
		}
		values, _ := params["values"].([]any)
		switch q.Mode {
		case ParamPositional:
			for i, v := range values {
				tv, err := parseTypedValue(v)
				if err != nil {
					return nil, cos.NewErrInvalidInput("params.values[%d]: %v", i, err)
				}
				q.Positional = append(q.Positional, tv)
			}
		case ParamNamed:
			for i, v := range values {
				entry, ok := v.(map[string]any)
				if !ok {
					return nil, cos.NewErrInvalidInput("params.values[%d]: named param must be an object", i)
				}
				name, _ := entry["name"].(string)
				if name == "" {
					return nil, cos.NewErrInvalidInput("params.values[%d]: name is required", i)
				}
				tv, err := parseTypedValue(entry["value"])
				if err != nil {
					return nil, cos.NewErrInvalidInput("params.values[%d] (%s): %v", i, name, err)
				}
				q.Named = append(q.Named, NamedParam{Name: name, Value: tv})
			}
			sort.Slice(q.Named, func(i, j int) bool { return q.Named[i].Name < q.Named[j].Name })
		default:
			return nil, cos.NewErrInvalidInput("params.mode must be positional or named, got %q", mode)
		}
	}

	return q, nil
}

// parseTypedValue requires an explicit {"type": ..., "value": ...} tag; a
// bare null with no type tag is rejected rather than silently coerced,
// per §4.4.
func parseTypedValue(v any) (TypedValue, error) {
	entry, ok := v.(map[string]any)
	if !ok {
		return TypedValue{}, fmt.Errorf("value must be an object with explicit type")
	}
	typ, _ := entry["type"].(string)
	if !scalarTypes[typ] {
		return TypedValue{}, fmt.Errorf("unknown or missing type %q", typ)
	}
	val := entry["value"]
	if typ == "null" && val != nil {
		return TypedValue{}, fmt.Errorf(`type "null" must carry value: null`)
	}
	return TypedValue{Type: typ, Value: val}, nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

// Args converts the validated, ordered parameter list into driver-ready
// Go values for the backend's placeholder binding, in column/positional
// order (named params were already sorted by name in ParseQueryRequest so
// SQL text referencing $1.. or :name must match that canonical ordering).
func (q *QueryRequest) Args() []any {
	switch q.Mode {
	case ParamNamed:
		args := make([]any, len(q.Named))
		for i, p := range q.Named {
			args[i] = p.Value.Value
		}
		return args
	default:
		args := make([]any, len(q.Positional))
		for i, p := range q.Positional {
			args[i] = p.Value
		}
		return args
	}
}

// StatementCacheKey derives the deterministic key used by Pool's stmtCache.
func (q *QueryRequest) StatementCacheKey() string {
	var types []string
	switch q.Mode {
	case ParamNamed:
		for _, p := range q.Named {
			types = append(types, p.Name+":"+p.Value.Type)
		}
	default:
		for _, p := range q.Positional {
			types = append(types, p.Type)
		}
	}
	return StmtKey(q.SQL, types)
}
