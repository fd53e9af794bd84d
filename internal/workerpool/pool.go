// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package workerpool implements the fixed worker pool of spec.md §4.6: a
// set of goroutines, each with a scratch buffer, fed one job at a time.
// The event-fd wakeup the spec describes is replaced by a single-slot
// buffered channel -- same "one pending job, wake, run, reset" shape,
// without needing a real eventfd since Go's scheduler already parks a
// goroutine blocked on a channel receive for free.
package workerpool

import (
	"sync"
	"sync/atomic"

	"github.com/aristanetworks/kvstored/internal/buffer"
)

// Job is a unit of work handed to a worker; it receives the worker's
// scratch buffer to use for framing/response assembly.
type Job func(scratch *buffer.Buffer)

// Worker is one pool slot: a goroutine, a scratch buffer, and an
// acquire/release-ordered running flag the dispatcher polls to find an
// idle worker (spec.md §4.6).
type Worker struct {
	idx     int
	running atomic.Bool
	jobCh   chan Job
	exit    chan struct{}
	done    chan struct{}
	scratch *buffer.Buffer
}

// IsRunning is an acquire load, used by the pool to find an idle worker.
func (w *Worker) IsRunning() bool { return w.running.Load() }

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case job := <-w.jobCh:
			job(w.scratch)
			w.scratch.Reset()
			w.running.Store(false)
		case <-w.exit:
			return
		}
	}
}

// Pool is a fixed-size set of Workers.
type Pool struct {
	workers []*Worker
	mu      sync.Mutex // guards rrIndex; only the reactor goroutine dispatches, but Barrier snapshots IsRunning from the same goroutine too, so this stays uncontended in practice
	rrIndex int
}

// New starts n workers, each with scratchSize bytes of default scratch
// buffer capacity.
func New(n, scratchSize int) *Pool {
	p := &Pool{workers: make([]*Worker, n)}
	for i := 0; i < n; i++ {
		w := &Worker{
			idx:     i,
			jobCh:   make(chan Job, 1),
			exit:    make(chan struct{}),
			done:    make(chan struct{}),
			scratch: buffer.New(scratchSize),
		}
		p.workers[i] = w
		go w.loop()
	}
	return p
}

// Size returns the fixed worker count.
func (p *Pool) Size() int { return len(p.workers) }

// IsRunning reports worker i's busy/idle state (for Barrier.Tick).
func (p *Pool) IsRunning(i int) bool { return p.workers[i].IsRunning() }

// Dispatch finds an idle worker via round-robin starting from the last
// index used (spec.md §4.6) and posts job to it. Returns false if every
// worker is currently busy; the caller (the reactor, on a connection's
// readable event) should leave the connection's data unread until a
// worker frees up.
func (p *Pool) Dispatch(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.workers)
	for i := 0; i < n; i++ {
		idx := (p.rrIndex + i) % n
		w := p.workers[idx]
		if !w.IsRunning() {
			w.running.Store(true)
			w.jobCh <- job
			p.rrIndex = (idx + 1) % n
			return true
		}
	}
	return false
}

// Stop signals every worker to exit and waits for them to drain.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		close(w.exit)
	}
	for _, w := range p.workers {
		<-w.done
	}
}
