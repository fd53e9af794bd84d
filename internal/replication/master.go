// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package replication implements master/slave fan-out of mutations over
// the quiet binary memcache opcodes (spec.md §4.9): a master accepts slave
// connections on repl_port and streams SetQ/DeleteQ frames; a slave dials
// the master, applies incoming frames unlocked, and tracks a heartbeat.
//
// Replication deliberately does not route through the reactor/worker-pool
// machinery memcache.ConnHandler uses: each slave connection is few in
// number (MaxSlaves) and long-lived, so one blocking goroutine per
// connection is simpler and matches the same tradeoff internal/counter's
// server makes for its own small, low-fanout connection set.
package replication

import (
	"net"
	"sync"
	"time"

	"github.com/aristanetworks/glog"

	"github.com/aristanetworks/kvstored/internal/memcache"
	"github.com/aristanetworks/kvstored/internal/object"
)

// MaxSlaves bounds the number of concurrently connected slaves.
const MaxSlaves = 5

// SlaveTimeout is how long a master waits without a heartbeat from a
// slave before considering it dead and dropping it.
const SlaveTimeout = 30 * time.Second

// keepaliveInterval is how often the master (and the slave) send a Noop
// frame on an otherwise idle connection, a bidirectional keepalive on
// top of the plain SetQ/DeleteQ fanout.
const keepaliveInterval = 10 * time.Second

// Master fans mutations out to every connected slave. It implements
// memcache.Replicator; its per-slave connections (slaveConn) implement
// gc.SnapshotSink.
type Master struct {
	ln   net.Listener
	done chan struct{}

	mu     sync.Mutex
	slaves map[*slaveConn]struct{}

	newSlavesMu sync.Mutex
	newSlaves   []*slaveConn // joined since the last GC sweep picked them up
}

// NewMaster starts listening on addr for slave connections.
func NewMaster(addr string) (*Master, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	m := &Master{
		ln:     ln,
		done:   make(chan struct{}),
		slaves: make(map[*slaveConn]struct{}),
	}
	go m.acceptLoop()
	go m.heartbeatLoop()
	return m, nil
}

// heartbeatLoop periodically broadcasts a Noop frame to every connected
// slave, the master's half of the bidirectional keepalive: it lets a
// slave detect a silently-dead master via its own read deadline even when
// no mutation has happened recently to carry traffic.
func (m *Master) heartbeatLoop() {
	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()
	frame := memcache.EncodeRequest(memcache.OpNoop, 0, 0, nil, nil, nil)
	for {
		select {
		case <-t.C:
			m.broadcast(frame)
		case <-m.done:
			return
		}
	}
}

// Addr returns the listener's bound address.
func (m *Master) Addr() net.Addr { return m.ln.Addr() }

func (m *Master) acceptLoop() {
	for {
		c, err := m.ln.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		n := len(m.slaves)
		m.mu.Unlock()
		if n >= MaxSlaves {
			glog.Warningf("replication: rejecting slave %s, already at MAX_SLAVES=%d", c.RemoteAddr(), MaxSlaves)
			c.Close()
			continue
		}
		sc := newSlaveConn(c)
		m.mu.Lock()
		m.slaves[sc] = struct{}{}
		m.mu.Unlock()
		m.newSlavesMu.Lock()
		m.newSlaves = append(m.newSlaves, sc)
		m.newSlavesMu.Unlock()
		glog.Infof("replication: slave %s joined", c.RemoteAddr())
		go m.watchSlave(sc)
	}
}

// watchSlave reads and discards frames on the slave connection (purely
// heartbeats, a slave never replicates back to its master) until it hangs
// up or times out, then removes it.
func (m *Master) watchSlave(sc *slaveConn) {
	defer m.remove(sc)
	buf := make([]byte, memcache.HeaderLen)
	for {
		sc.conn.SetReadDeadline(time.Now().Add(SlaveTimeout))
		if _, err := readFull(sc.conn, buf); err != nil {
			return
		}
	}
}

func (m *Master) remove(sc *slaveConn) {
	m.mu.Lock()
	delete(m.slaves, sc)
	m.mu.Unlock()
	sc.close()
	glog.Infof("replication: slave %s left", sc.conn.RemoteAddr())
}

// HasPendingSnapshots reports whether any slave has joined since the last
// PendingSnapshots call, without draining the list -- used by the GC
// loop's early-trigger check (spec.md §4.10 "new slaves needing a
// snapshot") to decide whether to run a sweep before gc_interval elapses.
func (m *Master) HasPendingSnapshots() bool {
	m.newSlavesMu.Lock()
	defer m.newSlavesMu.Unlock()
	return len(m.newSlaves) > 0
}

// PendingSnapshots drains and returns the slaves that joined since the
// last call, for the GC sweep to send a full snapshot to (spec.md §4.9
// "a newly joined slave gets a full snapshot at the next GC sweep").
func (m *Master) PendingSnapshots() []interface {
	SnapshotSet(k []byte, o *object.Object)
} {
	m.newSlavesMu.Lock()
	defer m.newSlavesMu.Unlock()
	if len(m.newSlaves) == 0 {
		return nil
	}
	out := make([]interface {
		SnapshotSet(k []byte, o *object.Object)
	}, len(m.newSlaves))
	for i, sc := range m.newSlaves {
		out[i] = sc
	}
	m.newSlaves = nil
	return out
}

// ReplicateSet implements memcache.Replicator: fans a SetQ frame to every
// connected slave.
func (m *Master) ReplicateSet(k []byte, o *object.Object) {
	payload, err := o.Read(nil)
	if err != nil {
		return
	}
	extras := make([]byte, 8)
	putUint32(extras[0:4], o.Flags())
	putUint32(extras[4:8], uint32(o.Exptime()))
	frame := memcache.EncodeRequest(memcache.OpSetQ, 0, o.CAS(), extras, k, payload)
	m.broadcast(frame)
}

// ReplicateDelete implements memcache.Replicator: fans a DeleteQ frame to
// every connected slave.
func (m *Master) ReplicateDelete(k []byte) {
	frame := memcache.EncodeRequest(memcache.OpDeleteQ, 0, 0, nil, k, nil)
	m.broadcast(frame)
}

func (m *Master) broadcast(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sc := range m.slaves {
		if err := sc.write(frame); err != nil {
			glog.Warningf("replication: writing to slave %s: %v", sc.conn.RemoteAddr(), err)
		}
	}
}

// Close stops accepting new slaves and disconnects every current one.
func (m *Master) Close() error {
	close(m.done)
	err := m.ln.Close()
	m.mu.Lock()
	slaves := make([]*slaveConn, 0, len(m.slaves))
	for sc := range m.slaves {
		slaves = append(slaves, sc)
	}
	m.slaves = make(map[*slaveConn]struct{})
	m.mu.Unlock()
	for _, sc := range slaves {
		sc.close()
	}
	return err
}

// slaveConn serializes writes to one connected slave and implements
// gc.SnapshotSink so the GC sweep can address it directly.
type slaveConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func newSlaveConn(c net.Conn) *slaveConn {
	return &slaveConn{conn: c}
}

func (sc *slaveConn) write(frame []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := sc.conn.Write(frame)
	return err
}

// SnapshotSet implements gc.SnapshotSink: sends one object as a SetQ frame
// directly to this slave, used to bring it fully up to date.
func (sc *slaveConn) SnapshotSet(k []byte, o *object.Object) {
	payload, err := o.Read(nil)
	if err != nil {
		return
	}
	extras := make([]byte, 8)
	putUint32(extras[0:4], o.Flags())
	putUint32(extras[4:8], uint32(o.Exptime()))
	frame := memcache.EncodeRequest(memcache.OpSetQ, 0, o.CAS(), extras, k, payload)
	sc.write(frame)
}

func (sc *slaveConn) close() {
	sc.conn.Close()
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
