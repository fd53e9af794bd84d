// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package replication

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristanetworks/glog"

	"github.com/aristanetworks/kvstored/internal/memcache"
)

// Applier is the subset of *memcache.Store a slave needs to apply
// incoming replicated frames.
type Applier interface {
	ApplyReplicated(k []byte, payload []byte, flags uint32, exptime int64, cas uint64)
	RemoveReplicated(k []byte)
}

// Slave dials a master's repl_port, reconnecting with backoff, and
// applies incoming SetQ/DeleteQ frames unlocked. Grounded on the
// teacher's lanz client's connect/read/reconnect loop, generalized from a
// protobuf stream to this server's binary frame format.
type Slave struct {
	addr    string
	applier Applier

	mu   sync.Mutex
	stop chan struct{}
	once sync.Once
}

// NewSlave creates a Slave that will connect to addr once Run is called.
func NewSlave(addr string, applier Applier) *Slave {
	return &Slave{addr: addr, applier: applier, stop: make(chan struct{})}
}

// Run connects to the master and applies frames until Stop is called or
// ctx is done. It reconnects automatically on any disconnect.
func (s *Slave) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // retry forever until stopped
	b.MaxInterval = 30 * time.Second

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", s.addr, 10*time.Second)
		if err != nil {
			wait := b.NextBackOff()
			glog.V(1).Infof("replication: could not connect to master %s: %v, retrying in %s", s.addr, err, wait)
			select {
			case <-time.After(wait):
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		glog.Infof("replication: connected to master %s", s.addr)
		b.Reset()

		if err := s.readLoop(ctx, conn); err != nil {
			glog.Warningf("replication: lost connection to master %s: %v", s.addr, err)
		}
		conn.Close()
	}
}

func (s *Slave) readLoop(ctx context.Context, conn net.Conn) error {
	go func() {
		select {
		case <-s.stop:
			conn.Close()
		case <-ctx.Done():
			conn.Close()
		}
	}()

	stopHeartbeat := s.heartbeat(conn)
	defer stopHeartbeat()

	header := make([]byte, memcache.HeaderLen)
	for {
		// A healthy master sends at least a Noop every keepaliveInterval
		// even when idle (see Master.heartbeatLoop); allow some slack so a
		// single delayed tick doesn't cause a spurious reconnect.
		conn.SetReadDeadline(time.Now().Add(3 * keepaliveInterval))
		if _, err := readFull(conn, header); err != nil {
			return err
		}
		bodyLen := uint32(header[8])<<24 | uint32(header[9])<<16 | uint32(header[10])<<8 | uint32(header[11])
		frame := make([]byte, memcache.HeaderLen+int(bodyLen))
		copy(frame, header)
		if bodyLen > 0 {
			if _, err := readFull(conn, frame[memcache.HeaderLen:]); err != nil {
				return err
			}
		}
		req, n, err := memcache.DecodeBinary(frame)
		if err != nil {
			return err
		}
		if n == 0 {
			continue // should not happen, frame is always complete here
		}
		switch req.Opcode {
		case memcache.OpSetQ, memcache.OpSetBin:
			flags, exptime := decodeSetExtras(req.Extras)
			s.applier.ApplyReplicated(req.Key, req.Value, flags, exptime, req.CAS)
		case memcache.OpDeleteQ, memcache.OpDelete:
			s.applier.RemoveReplicated(req.Key)
		case memcache.OpNoop:
			// keepalive only
		}
	}
}

// heartbeat starts a goroutine sending periodic Noop frames to the
// master so it can detect this slave's liveness even when idle, and
// returns a function to stop it.
func (s *Slave) heartbeat(conn net.Conn) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(keepaliveInterval)
		defer t.Stop()
		frame := memcache.EncodeRequest(memcache.OpNoop, 0, 0, nil, nil, nil)
		for {
			select {
			case <-t.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if _, err := conn.Write(frame); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// Stop halts the reconnect loop and closes any active connection.
func (s *Slave) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func decodeSetExtras(extras []byte) (flags uint32, exptime int64) {
	if len(extras) < 8 {
		return 0, 0
	}
	flags = uint32(extras[0])<<24 | uint32(extras[1])<<16 | uint32(extras[2])<<8 | uint32(extras[3])
	exptime = int64(uint32(extras[4])<<24 | uint32(extras[5])<<16 | uint32(extras[6])<<8 | uint32(extras[7]))
	return flags, exptime
}
