/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"sync"

	"github.com/NVIDIA/molt/token"
)

// Session tracks the in-flight requests of one connection. request_id is
// only guaranteed unique within the lifetime of one connection's responses
// (§3), so cancel lookups must be scoped per connection rather than shared
// process-wide.
type Session struct {
	mu       sync.Mutex
	inflight map[uint64]*token.Token
}

func NewSession() *Session {
	return &Session{inflight: make(map[uint64]*token.Token)}
}

func (s *Session) register(id uint64, tok *token.Token) {
	s.mu.Lock()
	s.inflight[id] = tok
	s.mu.Unlock()
}

func (s *Session) unregister(id uint64) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// Cancel transitions the named request's token, if it is still in flight.
// A cancel for an unknown or already-terminal id is a silent no-op, making
// repeated/late __cancel__ frames idempotent (§5).
func (s *Session) Cancel(id uint64) {
	s.mu.Lock()
	tok := s.inflight[id]
	s.mu.Unlock()
	if tok != nil {
		tok.Cancel()
	}
}

// InFlight reports the current number of requests registered on this
// session, used for the in-flight gauge.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// CancelAll cancels every request still in flight on this session, used
// when the underlying connection closes so outstanding work resolves as
// Cancelled instead of leaking until its deadline fires.
func (s *Session) CancelAll() {
	s.mu.Lock()
	toks := make([]*token.Token, 0, len(s.inflight))
	for _, tok := range s.inflight {
		toks = append(toks, tok)
	}
	s.mu.Unlock()
	for _, tok := range toks {
		tok.Cancel()
	}
}
