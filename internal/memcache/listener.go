// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package memcache

import (
	"sync/atomic"

	"github.com/aristanetworks/glog"

	"github.com/aristanetworks/kvstored/internal/netsock"
	"github.com/aristanetworks/kvstored/internal/reactor"
	"github.com/aristanetworks/kvstored/internal/stats"
	"github.com/aristanetworks/kvstored/internal/workerpool"
)

// ListenerResource adapts a netsock.Listener to reactor.Resource: on
// every readable event it accepts until EAGAIN (spec.md §4.4's
// edge-triggered "drain to EAGAIN" rule), registering each accepted
// connection as its own ConnHandler resource.
type ListenerResource struct {
	ln      *netsock.Listener
	store   *Store
	pool    *workerpool.Pool
	reactor *reactor.Reactor
	stats   *stats.Stats

	// accepting gates whether newly accepted connections are served.
	// Spec.md §4.9: "the server refuses connections on the memcache port
	// while in slave mode" -- the server toggles this via SetAccepting as
	// it flips between master and slave role (internal/server), rather
	// than tearing down and re-binding the listening socket on every
	// transition.
	accepting atomic.Bool
}

// NewListenerResource wraps ln for registration with r. The listener
// starts out not accepting client traffic; the caller must SetAccepting
// true once this instance is confirmed master.
func NewListenerResource(ln *netsock.Listener, store *Store, pool *workerpool.Pool, r *reactor.Reactor, st *stats.Stats) *ListenerResource {
	return &ListenerResource{ln: ln, store: store, pool: pool, reactor: r, stats: st}
}

// SetAccepting toggles whether accepted connections are handed a
// ConnHandler and served, or closed immediately (spec.md §4.9).
func (l *ListenerResource) SetAccepting(v bool) { l.accepting.Store(v) }

// Fd implements reactor.Resource.
func (l *ListenerResource) Fd() int { return l.ln.Fd() }

// Valid implements reactor.Resource: a listener is valid for the life of
// the process.
func (l *ListenerResource) Valid() bool { return true }

// OnReadable implements reactor.Resource: accepts every pending
// connection.
func (l *ListenerResource) OnReadable() bool {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if err == netsock.ErrWouldBlock {
				return true
			}
			glog.Warningf("memcache: accept on %s: %v", l.ln.Addr(), err)
			return true
		}
		if !l.accepting.Load() {
			glog.V(2).Infof("memcache: refusing %s, server is not master", nc.RemoteAddr())
			nc.Close()
			continue
		}
		h := NewConnHandler(nc, l.store, l.pool, l.reactor, l.stats)
		if err := l.reactor.AddResource(h, reactor.Readable); err != nil {
			glog.Warningf("memcache: registering %s: %v", nc.RemoteAddr(), err)
			nc.Close()
			continue
		}
		l.stats.CurrConns.Add(1)
		l.stats.TotalConns.Add(1)
		glog.V(2).Infof("memcache: accepted %s", nc.RemoteAddr())
	}
}

// OnWritable implements reactor.Resource; a listening socket is never
// writable-interested.
func (l *ListenerResource) OnWritable() bool { return true }

// OnHangup implements reactor.Resource.
func (l *ListenerResource) OnHangup() {
	glog.Errorf("memcache: listener %s hung up", l.ln.Addr())
}

// OnError implements reactor.Resource.
func (l *ListenerResource) OnError(err error) {
	glog.Errorf("memcache: listener %s error: %v", l.ln.Addr(), err)
}

// OnInvalidate implements reactor.Resource.
func (l *ListenerResource) OnInvalidate() {
	l.ln.Close()
}
