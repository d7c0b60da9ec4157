// Package hk provides a mechanism for registering cleanup/health-check
// callbacks invoked at specified intervals, the way the teacher's hk
// package lets every subsystem register a periodic job against one shared
// scheduler instead of each one spinning its own ticker goroutine. Here it
// backs the DB pool's idle-connection eviction (§4.4); connection health
// checks run at acquire time and the metrics snapshot writer runs its own
// ticker, so neither is registered here.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"
)

// Job is invoked when due; its return value is the delay until it should
// run again. A non-positive return value unregisters the job.
type Job func() time.Duration

type entry struct {
	name    string
	due     time.Time
	fn      Job
	index   int
	removed bool
}

type jobHeap []*entry

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *jobHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Housekeeper runs registered jobs on their own schedule from a single
// background goroutine, avoiding one ticker per pool/cache instance.
type Housekeeper struct {
	mu      sync.Mutex
	h       jobHeap
	wake    chan struct{}
	started chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func New() *Housekeeper {
	return &Housekeeper{
		wake:    make(chan struct{}, 1),
		started: make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

// Register schedules fn to run first after delay, then again after whatever
// delay fn itself returns.
func (hk *Housekeeper) Register(name string, delay time.Duration, fn Job) {
	hk.mu.Lock()
	heap.Push(&hk.h, &entry{name: name, due: time.Now().Add(delay), fn: fn})
	hk.mu.Unlock()
	hk.poke()
}

func (hk *Housekeeper) poke() {
	select {
	case hk.wake <- struct{}{}:
	default:
	}
}

// Run is the scheduler's main loop; call it in its own goroutine.
func (hk *Housekeeper) Run() {
	hk.once.Do(func() { close(hk.started) })
	for {
		d := hk.nextWait()
		select {
		case <-hk.stop:
			return
		case <-hk.wake:
		case <-time.After(d):
			hk.runDue()
		}
	}
}

func (hk *Housekeeper) nextWait() time.Duration {
	hk.mu.Lock()
	defer hk.mu.Unlock()
	if hk.h.Len() == 0 {
		return time.Hour
	}
	d := time.Until(hk.h[0].due)
	if d < 0 {
		return 0
	}
	return d
}

func (hk *Housekeeper) runDue() {
	now := time.Now()
	for {
		hk.mu.Lock()
		if hk.h.Len() == 0 || hk.h[0].due.After(now) {
			hk.mu.Unlock()
			return
		}
		e := heap.Pop(&hk.h).(*entry)
		hk.mu.Unlock()

		next := e.fn()
		if next > 0 {
			hk.mu.Lock()
			e.due = time.Now().Add(next)
			heap.Push(&hk.h, e)
			hk.mu.Unlock()
		}
	}
}

// WaitStarted blocks until Run has begun, for deterministic test setup.
func (hk *Housekeeper) WaitStarted() { <-hk.started }

// Stop terminates the scheduler's goroutine.
func (hk *Housekeeper) Stop() { close(hk.stop) }
