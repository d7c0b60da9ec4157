/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package manifest

import (
	"fmt"

	"github.com/NVIDIA/molt/cos"
	"github.com/NVIDIA/molt/token"
	"github.com/NVIDIA/molt/wire"
)

// Handler is a compiled entry's callable. It receives the decoded payload
// (per the export's codec_in) and a cancel token, and returns a result to
// be encoded per the export's codec_out, or an error.
//
// Handlers never panic across this boundary in practice, but the
// dispatcher recovers anyway (§4.3, §7) so a handler author's mistake
// cannot take the worker down.
type Handler func(tok *token.Token, args any) (any, error)

// Entry pairs one manifest export with its resolved compiled handler.
type Entry struct {
	Name     string
	CodecIn  wire.Codec
	CodecOut wire.Codec
	Handler  Handler
}

// Registry is the immutable, name-keyed mapping built once at startup from
// a validated manifest plus the set of compiled handlers actually linked
// into this binary (the out-of-scope compiler/runtime collaborator,
// exposed here as a flat map — see §1, §4.2).
type Registry struct {
	entries map[string]*Entry
}

// Build resolves every manifest export against compiled, returning
// InternalError-shaped diagnostics (via the returned error) if the two
// diverge: a declared export with no compiled handler is a fatal
// misconfiguration caught at startup, not at first dispatch.
func Build(f *File, compiled map[string]Handler) (*Registry, error) {
	entries := make(map[string]*Entry, len(f.Exports))
	var missing []string
	for _, e := range f.Exports {
		h, ok := compiled[e.Name]
		if !ok {
			missing = append(missing, e.Name)
			continue
		}
		entries[e.Name] = &Entry{
			Name:     e.Name,
			CodecIn:  wire.Codec(e.CodecIn),
			CodecOut: wire.Codec(e.CodecOut),
			Handler:  h,
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("manifest and compiled set diverged: no compiled handler for %v", missing)
	}
	return &Registry{entries: entries}, nil
}

// Resolve looks up name, returning a *cos.ErrNotFound wrapped as
// "unknown export" when absent, per §4.2.
func (r *Registry) Resolve(name string) (*Entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, cos.NewErrNotFound("unknown export %s", name)
	}
	return e, nil
}

// Names returns every declared export name, stable order not guaranteed.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	return names
}
