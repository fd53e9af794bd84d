// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package netsock provides the raw, non-blocking socket layer the reactor
// multiplexes: sockets are created, accepted, and read/written via direct
// golang.org/x/sys/unix calls rather than net.Conn, since net.Conn's
// built-in runtime poller would fight our own epoll loop (internal/
// reactor) for ownership of the fd. This mirrors the teacher's dscp
// package's habit of reaching past net.Conn into syscall.RawConn/unix
// when a specific socket behavior is required.
package netsock

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// MaxPendingWrite bounds the per-connection buffered-write queue (spec.md
// §4.5's "bounded pending-write queue"); a connection that can't drain
// faster than it's fed past this is disconnected rather than let its
// backlog grow unbounded.
const MaxPendingWrite = 1 << 20 // 1MiB

// ErrWouldBlock is returned by Read when no data is currently available
// on a non-blocking socket (EAGAIN/EWOULDBLOCK).
var ErrWouldBlock = errors.New("netsock: would block")

// ErrQueueFull is returned by Write when the pending-write queue has hit
// MaxPendingWrite without draining.
var ErrQueueFull = errors.New("netsock: pending write queue full")

// Conn is a non-blocking TCP connection plus its buffered-write queue.
// Reads and writes go straight to the fd; a partial or blocked write is
// queued and retried from Flush, called by the protocol layer's
// OnWritable once the reactor sees the fd writable again.
type Conn struct {
	fd     int
	remote string

	mu      sync.Mutex
	pending []byte
	valid   bool
}

// NewConn wraps an already-accepted, already non-blocking fd.
func NewConn(fd int, remote string) *Conn {
	return &Conn{fd: fd, remote: remote, valid: true}
}

// Fd implements reactor.Resource.
func (c *Conn) Fd() int { return c.fd }

// RemoteAddr returns the peer address string recorded at accept time.
func (c *Conn) RemoteAddr() string { return c.remote }

// Valid reports whether the connection is still open.
func (c *Conn) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid
}

// Read reads directly from the socket. Returns ErrWouldBlock if no data
// is currently available; the caller should wait for the next readable
// event rather than retry in a spin loop.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("netsock: read: %w", err)
	}
	if n == 0 {
		return 0, errHangup
	}
	return n, nil
}

var errHangup = errors.New("netsock: connection closed by peer")

// ErrHangup is returned by Read when the peer has closed its end.
func ErrHangup() error { return errHangup }

// Write attempts an immediate non-blocking write of p. Whatever can't be
// written immediately (a short write, or EAGAIN) is appended to the
// pending queue for Flush to retry. Returns ErrQueueFull, with nothing
// queued, if appending would exceed MaxPendingWrite.
func (c *Conn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) > 0 {
		return c.enqueueLocked(p)
	}

	n, err := unix.Write(c.fd, p)
	if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		return fmt.Errorf("netsock: write: %w", err)
	}
	if n == len(p) {
		return nil
	}
	return c.enqueueLocked(p[n:])
}

func (c *Conn) enqueueLocked(p []byte) error {
	if len(c.pending)+len(p) > MaxPendingWrite {
		return ErrQueueFull
	}
	c.pending = append(c.pending, p...)
	return nil
}

// HasPending reports whether Flush still has queued bytes to drain.
func (c *Conn) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// Flush drains as much of the pending queue as the socket will currently
// accept. Returns true once the queue is fully drained, meaning the
// caller can stop listening for writability.
func (c *Conn) Flush() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.pending) > 0 {
		n, err := unix.Write(c.fd, c.pending)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false, nil
			}
			if err == unix.EPIPE || err == unix.ECONNRESET {
				return false, fmt.Errorf("netsock: flush: %w", err)
			}
			return false, fmt.Errorf("netsock: flush: %w", err)
		}
		c.pending = c.pending[n:]
	}
	c.pending = c.pending[:0]
	return true, nil
}

// Close closes the underlying fd. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return nil
	}
	c.valid = false
	return unix.Close(c.fd)
}
