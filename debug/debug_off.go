//go:build !debug

// Package debug provides assertions that compile away in production builds.
// Build with -tags debug to enable them.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package debug

func Assert(_ bool, _ ...any) {}
func AssertNoErr(_ error)     {}
func ON() bool                { return false }
