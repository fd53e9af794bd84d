// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package conn defines the connection identity used across the server as
// the object lock owner (spec.md §3 "Connection state") and as the key for
// per-connection counter acquisition bookkeeping (spec.md §4.11).
package conn

import "sync/atomic"

// ID uniquely identifies a connection for the lifetime of the process.
// The zero value means "no owner" (an object is unlocked).
type ID uint64

var next uint64

// NextID allocates a fresh, never-reused connection identity.
func NextID() ID {
	return ID(atomic.AddUint64(&next, 1))
}

// Valid reports whether id refers to a real connection (as opposed to the
// zero value used to mean "unlocked"/"no owner").
func (id ID) Valid() bool { return id != 0 }
