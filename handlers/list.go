/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package handlers

import "github.com/NVIDIA/molt/token"

// listHandler reports every declared export name, useful for a client
// introspecting a worker it just spawned without reading its manifest
// file directly. *d.Names is wired to manifest.Registry.Names by
// cmd/molt-worker once the registry exists (a forward reference the
// registry itself can't supply at Compiled-time, since Build needs the
// compiled map first).
func listHandler(d Deps) func(tok *token.Token, args any) (any, error) {
	return func(tok *token.Token, args any) (any, error) {
		names := []string{}
		if d.Names != nil && *d.Names != nil {
			names = (*d.Names)()
		}
		out := make([]any, len(names))
		for i, n := range names {
			out[i] = n
		}
		return map[string]any{"exports": out}, nil
	}
}
