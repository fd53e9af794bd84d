// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package memcache

import (
	"sync"

	"github.com/aristanetworks/kvstored/internal/conn"
)

// MaxRequestLength is spec.md §4.8.1's MAX_REQUEST_LENGTH: a connection
// whose next request would exceed this is reset.
const MaxRequestLength = 30 * 1024 * 1024

// ConnState is the per-connection protocol state described in spec.md §3
// "Connection state": the connection identity used as the object lock
// owner, and the list of keys this connection currently holds locked (for
// unlock_all and teardown cleanup).
//
// ConnHandler.OnReadable dispatches at most one in-flight job per
// connection (spec.md §5), so locked/closing are touched by only one
// worker goroutine at a time during normal operation; mu additionally
// guards against OnInvalidate (reactor goroutine, via the GC/Barrier
// teardown path) observing these fields concurrently with that worker.
type ConnState struct {
	ID conn.ID

	mu      sync.Mutex
	locked  map[string]struct{}
	closing bool
}

// NewConnState allocates a fresh per-connection identity.
func NewConnState() *ConnState {
	return &ConnState{ID: conn.NextID(), locked: make(map[string]struct{})}
}

// RecordLock remembers that this connection now holds k locked.
func (c *ConnState) RecordLock(k []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked[string(k)] = struct{}{}
}

// ForgetLock removes k from this connection's held-lock list (on an
// explicit unlock, not required to exist).
func (c *ConnState) ForgetLock(k []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locked, string(k))
}

// LockedKeys returns every key this connection currently believes it has
// locked, for unlock_all and connection teardown.
func (c *ConnState) LockedKeys() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([][]byte, 0, len(c.locked))
	for k := range c.locked {
		keys = append(keys, []byte(k))
	}
	return keys
}

// Close marks the connection as shutting down; Quit is cooperative (spec.md
// §5 "Cancellation"): the caller finishes the in-flight command, then
// checks Closing before parsing another.
func (c *ConnState) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
}

// Closing reports whether Quit has been processed on this connection.
func (c *ConnState) Closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}
