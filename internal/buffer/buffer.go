// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package buffer implements the dynamic byte buffer described in
// spec.md §4.1: a growable contiguous region used both for inbound framing
// (carry-over across non-blocking reads) and for inline object payloads.
//
// No library in the example pack covers this narrow contract (grow, erase
// a head prefix, reset to a construction-time default capacity, and a
// prepare/consume pair for writing directly from a socket read); stdlib
// bytes.Buffer is close but lacks erase-from-head and a bounded reset, so
// this wraps a plain []byte rather than bytes.Buffer to get those for free.
package buffer

// DefaultCapacity is used when New is called with size 0.
const DefaultCapacity = 4096

// Buffer is a growable, reusable byte buffer.
type Buffer struct {
	buf      []byte
	defaultN int
}

// New creates a Buffer whose Reset returns it to defaultCapacity bytes of
// backing storage (DefaultCapacity if defaultCapacity is 0).
func New(defaultCapacity int) *Buffer {
	if defaultCapacity <= 0 {
		defaultCapacity = DefaultCapacity
	}
	return &Buffer{
		buf:      make([]byte, 0, defaultCapacity),
		defaultN: defaultCapacity,
	}
}

// Len returns the number of valid bytes currently held.
func (b *Buffer) Len() int { return len(b.buf) }

// Cap returns the current backing capacity.
func (b *Buffer) Cap() int { return cap(b.buf) }

// Bytes returns the valid portion of the buffer. The slice is invalidated
// by any subsequent mutating call.
func (b *Buffer) Bytes() []byte { return b.buf }

// Append copies p onto the end of the buffer, growing as needed.
func (b *Buffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// EraseHead removes the first n bytes, shifting the remainder down so it
// starts at index 0. n must be <= Len().
func (b *Buffer) EraseHead(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.buf) {
		b.buf = b.buf[:0]
		return
	}
	copy(b.buf, b.buf[n:])
	b.buf = b.buf[:len(b.buf)-n]
}

// Reset empties the buffer and, if its backing array has grown past the
// construction-time default, reallocates it back down to that size. This
// bounds per-connection memory held by idle framing buffers after a large
// request has been parsed.
func (b *Buffer) Reset() {
	if cap(b.buf) > b.defaultN {
		b.buf = make([]byte, 0, b.defaultN)
		return
	}
	b.buf = b.buf[:0]
}

// Prepare returns a writable tail of at least n bytes, growing the backing
// array if necessary. The caller performs an external write (e.g. a
// non-blocking socket Read) into the returned slice, then calls Consume
// with the number of bytes actually written.
func (b *Buffer) Prepare(n int) []byte {
	if avail := cap(b.buf) - len(b.buf); avail < n {
		grown := make([]byte, len(b.buf), len(b.buf)+n)
		copy(grown, b.buf)
		b.buf = grown
	}
	return b.buf[len(b.buf):cap(b.buf)]
}

// Consume records that n bytes of a prior Prepare call were filled in and
// are now valid buffer content.
func (b *Buffer) Consume(n int) {
	b.buf = b.buf[:len(b.buf)+n]
}
