// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package memcache

import (
	"sync/atomic"

	"github.com/aristanetworks/glog"

	"github.com/aristanetworks/kvstored/internal/buffer"
	"github.com/aristanetworks/kvstored/internal/netsock"
	"github.com/aristanetworks/kvstored/internal/reactor"
	"github.com/aristanetworks/kvstored/internal/stats"
	"github.com/aristanetworks/kvstored/internal/workerpool"
)

// readChunk is the per-OnReadable read size handed to netsock.Conn.Read
// (spec.md §4.1 "read into the framing buffer's prepared tail").
const readChunk = 16 * 1024

// ConnHandler adapts one client connection to reactor.Resource: it owns
// the inbound framing buffer (touched only by the reactor goroutine) and
// dispatches each fully-framed command to the worker pool, which computes
// the response and writes it back directly through the connection's own
// synchronized Write/Flush (spec.md §4.4/§4.6).
type ConnHandler struct {
	nc      *netsock.Conn
	cs      *ConnState
	store   *Store
	pool    *workerpool.Pool
	reactor *reactor.Reactor
	stats   *stats.Stats

	recv      *buffer.Buffer
	wantClose atomic.Bool

	// busy is set while a worker is executing a command dispatched from
	// this connection, and cleared when that job's response has been
	// written. Spec.md §5 requires commands on one connection to execute
	// strictly in arrival order ("workers are never handed a second job
	// for a busy connection"); this flag is what OnReadable checks before
	// dispatching another command, rather than dispatching every buffered
	// frame to a different worker concurrently.
	busy atomic.Bool
}

// NewConnHandler wraps an accepted connection, allocating a fresh
// connection identity to use as the lock owner for every command this
// connection issues.
func NewConnHandler(nc *netsock.Conn, store *Store, pool *workerpool.Pool, r *reactor.Reactor, st *stats.Stats) *ConnHandler {
	cs := NewConnState()
	return &ConnHandler{
		nc:      nc,
		cs:      cs,
		store:   store,
		pool:    pool,
		reactor: r,
		stats:   st,
		recv:    buffer.New(buffer.DefaultCapacity),
	}
}

// Fd implements reactor.Resource.
func (h *ConnHandler) Fd() int { return h.nc.Fd() }

// Valid implements reactor.Resource.
func (h *ConnHandler) Valid() bool { return h.nc.Valid() }

// OnReadable implements reactor.Resource: drains the socket into the
// framing buffer, then decodes and dispatches at most one complete
// command to the worker pool (spec.md §5: "workers are never handed a
// second job for a busy connection; the reactor re-enqueues the FD").
// Further buffered commands, and any command left undispatched because
// every worker is busy, wait for the next readable tick -- either a real
// epoll event, or the self-re-enqueue this connection performs once its
// in-flight job's response has drained (see dispatchDone).
func (h *ConnHandler) OnReadable() bool {
	for {
		p := h.recv.Prepare(readChunk)
		n, err := h.nc.Read(p)
		if err != nil {
			if err == netsock.ErrWouldBlock {
				break
			}
			return false
		}
		h.recv.Consume(n)
		h.stats.BytesRead.Add(uint64(n))
		if n < len(p) {
			break // short read: socket drained for now
		}
	}

	if h.busy.Load() {
		// A job dispatched from an earlier command on this connection is
		// still in flight; leave any newly buffered bytes alone until it
		// completes and re-enqueues us.
		return true
	}
	if h.wantClose.Load() {
		// Quit has already been processed; stop dispatching and let
		// pending removal close the connection (spec.md §5 "Cancellation").
		return true
	}

	data := h.recv.Bytes()
	if len(data) == 0 {
		return true
	}
	var consumed int
	var job workerpool.Job
	if data[0] == byte(ReqMagic) {
		req, n, derr := DecodeBinary(data)
		if derr != nil {
			return false
		}
		if n == 0 {
			return true
		}
		consumed = n
		reqCopy := req
		job = func(scratch *buffer.Buffer) {
			resp, quit := HandleBinaryRequest(h.store, h.cs, reqCopy)
			h.dispatchDone(resp, quit)
		}
	} else {
		cmd, n, derr := DecodeText(data)
		if derr != nil {
			return false
		}
		if n == 0 {
			return true
		}
		consumed = n
		cmdCopy := cmd
		job = func(scratch *buffer.Buffer) {
			resp, quit := HandleTextCommand(h.store, h.cs, cmdCopy)
			h.dispatchDone(resp, quit)
		}
	}

	h.busy.Store(true)
	if !h.pool.Dispatch(job) {
		// Every worker is busy: back off and retry on the next tick
		// (spec.md §4.6 backpressure), without having consumed the frame.
		h.busy.Store(false)
		h.reactor.AddReadable(h)
		return true
	}
	h.recv.EraseHead(consumed)
	return true
}

// dispatchDone is called from the worker goroutine once a single
// command's response is ready. It writes the response, then clears the
// per-connection busy flag and asks the reactor to re-examine this
// connection for another buffered command -- the serialization point
// that keeps this connection's commands executing in arrival order.
func (h *ConnHandler) dispatchDone(resp []byte, quit bool) {
	h.writeResponse(resp, quit)
	h.busy.Store(false)
	h.reactor.RequestReadable(h)
}

// writeResponse is called from a worker goroutine once a command's
// response is ready. It writes directly to the connection (safe: Conn
// has its own mutex) and, if the write didn't fully drain, asks the
// reactor to start watching this fd for writability.
func (h *ConnHandler) writeResponse(resp []byte, quit bool) {
	if quit {
		h.wantClose.Store(true)
	}
	if len(resp) > 0 {
		if err := h.nc.Write(resp); err != nil {
			h.reactor.RequestRemoval(h)
			return
		}
		h.stats.BytesWritten.Add(uint64(len(resp)))
	}
	if h.nc.HasPending() {
		h.reactor.RequestWritable(h)
		return
	}
	if h.wantClose.Load() {
		h.reactor.RequestRemoval(h)
	}
}

// OnWritable implements reactor.Resource: resumes draining a connection's
// pending-write queue once the reactor observes it writable again.
func (h *ConnHandler) OnWritable() bool {
	done, err := h.nc.Flush()
	if err != nil {
		return false
	}
	if !done {
		return true
	}
	if h.wantClose.Load() {
		return false
	}
	h.reactor.ModifyEvents(h, reactor.Readable)
	return true
}

// OnHangup implements reactor.Resource.
func (h *ConnHandler) OnHangup() {
	glog.V(2).Infof("memcache: connection %s hung up", h.nc.RemoteAddr())
}

// OnError implements reactor.Resource.
func (h *ConnHandler) OnError(err error) {
	glog.Warningf("memcache: connection %s error: %v", h.nc.RemoteAddr(), err)
}

// OnInvalidate implements reactor.Resource: releases every lock this
// connection held (spec.md §8 "closing a connection with held locks
// releases every one") and closes the socket.
func (h *ConnHandler) OnInvalidate() {
	h.store.ReleaseAllLocks(h.cs.LockedKeys(), h.cs.ID)
	h.cs.Close()
	h.nc.Close()
	h.stats.CurrConns.Add(-1)
}
