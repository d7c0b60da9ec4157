/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package dbx

import (
	"container/list"
	"strings"
	"sync"
)

// stmtCache is a per-connection-pool LRU keyed by a deterministic
// (sql, parameter types) key, capped at a configured size (§4.4). Execute
// consults it only to report whether a query's shape was seen before (the
// db_stmt_cache_hit metric); backends do not read it when preparing.
//
// Entries are scoped per Pool rather than per individual connection object
// in this implementation: since every connection in one pool serves the
// same db_alias against the same schema, a shared cache of "has this SQL
// been seen with these param types" avoids re-deriving the key on every
// call without losing per-backend-connection prepare semantics (each
// backend still prepares against its own driver handle; the cache here
// only remembers canonical keys and eviction order).
type stmtCache struct {
	mu       sync.Mutex
	cap      int
	ll       *list.List
	elements map[string]*list.Element
}

type stmtEntry struct {
	key    string
	handle any
}

func newStmtCache(capacity int) *stmtCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &stmtCache{cap: capacity, ll: list.New(), elements: map[string]*list.Element{}}
}

// StmtKey builds the deterministic cache key for sqlText against paramTypes,
// in declared order (positional) — named params are canonicalized by the
// caller (sorted by name) before reaching here, so the same logical
// request always produces the same key (§3, §8 determinism property).
func StmtKey(sqlText string, paramTypes []string) string {
	var b strings.Builder
	b.WriteString(sqlText)
	b.WriteByte('\x00')
	for i, t := range paramTypes {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(t)
	}
	return b.String()
}

func (c *stmtCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.elements[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(e)
	return e.Value.(*stmtEntry).handle, true
}

func (c *stmtCache) Put(key string, handle any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.elements[key]; ok {
		e.Value.(*stmtEntry).handle = handle
		c.ll.MoveToFront(e)
		return
	}
	e := c.ll.PushFront(&stmtEntry{key: key, handle: handle})
	c.elements[key] = e
	if c.ll.Len() > c.cap {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.elements, oldest.Value.(*stmtEntry).key)
		}
	}
}
