/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package handlers

import (
	"github.com/NVIDIA/molt/cos"
	"github.com/NVIDIA/molt/token"
)

const computeYieldEvery = 1 << 16

// computeHandler is a CPU-bound fixture exercising cooperative
// cancellation (§5): it sums squares up to n, checking tok.Cancelled()
// every computeYieldEvery iterations rather than only at entry, so a
// long-running call is still interruptible mid-flight.
func computeHandler(d Deps) func(tok *token.Token, args any) (any, error) {
	return func(tok *token.Token, args any) (any, error) {
		n, err := argInt64(args, "n")
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, cos.NewErrInvalidInput("n must be >= 0, got %d", n)
		}

		var sum int64
		for i := int64(1); i <= n; i++ {
			sum += i * i
			if i%computeYieldEvery == 0 && tok.Cancelled() {
				return nil, tok.Err()
			}
		}
		if tok.Cancelled() {
			return nil, tok.Err()
		}
		return map[string]any{"sum_of_squares": sum}, nil
	}
}

func argInt64(args any, key string) (int64, error) {
	m, ok := args.(map[string]any)
	if !ok {
		return 0, cos.NewErrInvalidInput("payload must be an object")
	}
	v, ok := m[key]
	if !ok {
		return 0, cos.NewErrInvalidInput("%q is required", key)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, cos.NewErrInvalidInput("%q must be an integer, got %T", key, v)
	}
}
