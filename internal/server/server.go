// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package server wires together the reactor, worker pool, memcache and
// counter protocol listeners, the admin HTTP server, the GC sweeper, and
// replication into kvstored's master/slave lifecycle (spec.md §4.3/§4.9):
// the process acts as master exactly while its configured virtual IP is
// locally present, and as a replication slave otherwise.
package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/aristanetworks/kvstored/internal/adminsrv"
	"github.com/aristanetworks/kvstored/internal/config"
	"github.com/aristanetworks/kvstored/internal/counter"
	"github.com/aristanetworks/kvstored/internal/gc"
	"github.com/aristanetworks/kvstored/internal/memcache"
	"github.com/aristanetworks/kvstored/internal/netsock"
	"github.com/aristanetworks/kvstored/internal/object"
	"github.com/aristanetworks/kvstored/internal/reactor"
	"github.com/aristanetworks/kvstored/internal/replication"
	"github.com/aristanetworks/kvstored/internal/stats"
	"github.com/aristanetworks/kvstored/internal/vip"
	"github.com/aristanetworks/kvstored/internal/workerpool"
	"github.com/aristanetworks/kvstored/logger"
)

// counterPortOffset is added to the memcache port to derive the default
// counter-protocol listen port (spec.md §4.11 names 11215 as the default
// alongside 11211 for the memcache port).
const counterPortOffset = 4

// adminPortOffset derives the embedded admin HTTP server's port (metrics,
// pprof, expvar, runtime log level) from the memcache port.
const adminPortOffset = 1

// vipPollInterval is how often the master/slave state machine re-checks
// whether the virtual IP is locally present.
const vipPollInterval = 2 * time.Second

// pollTimeoutMS bounds how long the reactor's Tick blocks in epoll_wait
// when there is no other work, so the master/slave and GC tickers still
// get serviced promptly.
const pollTimeoutMS = 250

// Server owns every long-lived subsystem of one kvstored process.
type Server struct {
	cfg config.Config
	log logger.Logger

	stats   *stats.Stats
	store   *memcache.Store
	reactor *reactor.Reactor
	pool    *workerpool.Pool

	vipChecker *vip.Checker
	repl       *dynamicReplicator

	mu          sync.Mutex
	isMaster    bool
	listenerRes *memcache.ListenerResource
	replMaster  *replication.Master
	replSlave   *replication.Slave
	gcCancel    context.CancelFunc
}

// dynamicReplicator forwards Store's replicate-on-mutation calls to
// whichever replication.Master is currently active, or drops them while
// this instance has no slaves to fan out to (not master, or master with
// none connected yet).
type dynamicReplicator struct {
	mu   sync.RWMutex
	cur  memcache.Replicator
}

func (d *dynamicReplicator) set(r memcache.Replicator) {
	d.mu.Lock()
	d.cur = r
	d.mu.Unlock()
}

func (d *dynamicReplicator) ReplicateSet(k []byte, o *object.Object) {
	d.mu.RLock()
	cur := d.cur
	d.mu.RUnlock()
	if cur != nil {
		cur.ReplicateSet(k, o)
	}
}

func (d *dynamicReplicator) ReplicateDelete(k []byte) {
	d.mu.RLock()
	cur := d.cur
	d.mu.RUnlock()
	if cur != nil {
		cur.ReplicateDelete(k)
	}
}

// New builds a Server from cfg; it does not start listening until Run is
// called.
func New(cfg config.Config, log logger.Logger) (*Server, error) {
	st := stats.New()

	var checker *vip.Checker
	if cfg.VirtualIP != "" {
		c, err := vip.NewChecker(cfg.VirtualIP)
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		checker = c
	}

	r, err := reactor.New(cfg.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("server: creating reactor: %w", err)
	}

	repl := &dynamicReplicator{}
	store := memcache.NewStore(memcache.Config{
		Buckets:       cfg.Buckets,
		TempDir:       cfg.TempDir,
		HeapDataLimit: cfg.HeapDataLimit,
		MaxDataSize:   cfg.MaxDataSize,
	}, st, repl)

	pool := workerpool.New(cfg.Workers, 4096)
	r.Barrier().SetWorkerCount(pool.Size())

	return &Server{
		cfg:        cfg,
		log:        log,
		stats:      st,
		store:      store,
		reactor:    r,
		pool:       pool,
		vipChecker: checker,
		repl:       repl,
	}, nil
}

// Run starts every listener and the reactor loop, and blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := netsock.Listen(fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("server: listening on memcache port: %w", err)
	}
	defer ln.Close()

	listenerRes := memcache.NewListenerResource(ln, s.store, s.pool, s.reactor, s.stats)
	if err := s.reactor.AddResource(listenerRes, reactor.Readable); err != nil {
		return fmt.Errorf("server: registering memcache listener: %w", err)
	}
	s.mu.Lock()
	s.listenerRes = listenerRes
	s.mu.Unlock()

	counterLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port+counterPortOffset))
	if err != nil {
		return fmt.Errorf("server: listening on counter port: %w", err)
	}
	defer counterLn.Close()

	counterSrv := &counter.Server{
		Store:      counter.NewStore(s.cfg.Buckets),
		Stats:      s.stats,
		Logger:     s.log,
		GCInterval: s.cfg.GCInterval,
	}
	go func() {
		if err := counterSrv.Serve(ctx, counterLn); err != nil && ctx.Err() == nil {
			s.log.Errorf("server: counter protocol server stopped: %v", err)
		}
	}()

	adminSrv := adminsrv.New(fmt.Sprintf(":%d", s.cfg.Port+adminPortOffset), stats.NewCollector(s.stats))
	go func() {
		if err := adminSrv.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Errorf("server: admin http server stopped: %v", err)
		}
	}()

	if s.vipChecker != nil {
		go s.masterSlaveLoop(ctx)
	} else {
		// No VIP configured: this instance is always master, a valid
		// single-node deployment (spec.md §8 open question decision).
		s.promoteLocked(ctx)
	}

	s.reactorLoop(ctx)

	s.mu.Lock()
	s.demoteLocked()
	s.mu.Unlock()
	s.pool.Stop()
	s.reactor.Invalidate()
	return nil
}

func (s *Server) reactorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.reactor.Tick(pollTimeoutMS)
		s.reactor.Barrier().Tick(s.pool.IsRunning)
		garbage := s.reactor.FixGarbage()
		if len(garbage) > 0 {
			s.reactor.Barrier().Add(s.pool.IsRunning, s.reactor.GC)
		}
	}
}

// masterSlaveLoop polls VIP presence and flips the process between master
// and slave roles, per spec.md §4.3.
func (s *Server) masterSlaveLoop(ctx context.Context) {
	t := time.NewTicker(vipPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		present, err := s.vipChecker.Present()
		if err != nil {
			s.log.Errorf("server: checking virtual IP presence: %v", err)
			continue
		}
		s.mu.Lock()
		switch {
		case present && !s.isMaster:
			s.log.Infof("server: virtual IP %s now present, becoming master", s.vipChecker)
			s.promoteLocked(ctx)
		case !present && s.isMaster:
			s.log.Infof("server: virtual IP %s no longer present, becoming slave", s.vipChecker)
			s.demoteLocked()
			s.becomeSlaveLocked(ctx)
		}
		s.mu.Unlock()
	}
}

// promoteLocked starts accepting replication slaves and the GC sweeper, and
// resumes serving client memcache traffic (spec.md §4.9). Caller must hold
// s.mu.
func (s *Server) promoteLocked(ctx context.Context) {
	if s.replSlave != nil {
		s.replSlave.Stop()
		s.replSlave = nil
	}
	m, err := replication.NewMaster(fmt.Sprintf(":%d", s.cfg.ReplPort))
	if err != nil {
		s.log.Errorf("server: starting replication master: %v", err)
	} else {
		s.replMaster = m
		s.repl.set(m)
	}
	gcCtx, cancel := context.WithCancel(ctx)
	s.gcCancel = cancel
	go s.gcLoop(gcCtx)
	s.isMaster = true
	if s.listenerRes != nil {
		s.listenerRes.SetAccepting(true)
	}
}

// demoteLocked stops the GC sweeper and replication master, if running, and
// refuses further client memcache traffic (spec.md §4.9: "the server
// refuses connections on the memcache port while in slave mode"). It also
// stops any running replication slave dialer, so a slave-then-shutdown
// transition doesn't leak that goroutine. Caller must hold s.mu.
func (s *Server) demoteLocked() {
	if s.gcCancel != nil {
		s.gcCancel()
		s.gcCancel = nil
	}
	if s.replMaster != nil {
		s.replMaster.Close()
		s.replMaster = nil
		s.repl.set(nil)
	}
	if s.replSlave != nil {
		s.replSlave.Stop()
		s.replSlave = nil
	}
	s.isMaster = false
	if s.listenerRes != nil {
		s.listenerRes.SetAccepting(false)
	}
}

// becomeSlaveLocked starts dialing the master at the configured virtual
// IP's replication port. The dialer is tied to ctx (the server's run
// context) so it also exits on process shutdown, not just on an explicit
// Stop from a later promotion or demotion. Caller must hold s.mu.
func (s *Server) becomeSlaveLocked(ctx context.Context) {
	host, _, err := net.SplitHostPort(s.cfg.VirtualIP)
	if err != nil {
		host = s.cfg.VirtualIP
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.ReplPort))
	slave := replication.NewSlave(addr, s.store)
	s.replSlave = slave
	go slave.Run(ctx)
}

// gcCheckInterval bounds how often gcLoop re-evaluates spec.md §4.10's
// early trigger conditions (flush boundary reached, memory_limit
// overshoot, new slave needing a snapshot) rather than waiting out a full
// gc_interval.
const gcCheckInterval = time.Second

// maxConsecutiveGCs is spec.md §4.10's MAX_CONSECUTIVE_GCS: bounds how
// many sweeps in a row may be forced early by a flapping condition (a
// churn of slaves repeatedly joining) before gcLoop falls back to waiting
// for the regular gc_interval tick.
const maxConsecutiveGCs = 3

// gcLoop runs the GC sweep on its own goroutine per sweep, joined before
// the next one starts (spec.md §4.10), until ctx is cancelled. A sweep
// runs whenever gc_interval has elapsed, or sooner if a flush boundary has
// been reached, memory_limit is already exceeded, or a newly joined slave
// is waiting on its snapshot.
func (s *Server) gcLoop(ctx context.Context) {
	t := time.NewTicker(gcCheckInterval)
	defer t.Stop()
	var wg sync.WaitGroup
	lastSweep := time.Now()
	consecutiveEarly := 0
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-t.C:
		}

		present, err := s.vipPresentOrTrue()
		if err != nil || !present {
			continue // VIP gone: fast exit, another tick will catch the demotion
		}

		s.mu.Lock()
		m := s.replMaster
		s.mu.Unlock()

		due := time.Since(lastSweep) >= s.cfg.GCInterval
		flushDue := s.store.FlushAt() != 0 && s.store.FlushAt() <= time.Now().Unix()
		overLimit := s.cfg.MemoryLimit > 0 && gc.EstimateUsedBytes(s.store) > s.cfg.MemoryLimit
		// Only the new-slave trigger is subject to MAX_CONSECUTIVE_GCS: a
		// churn of joining slaves could otherwise force sweeps back to
		// back, whereas a flush boundary or memory overshoot is exactly
		// the condition the early trigger exists to resolve promptly.
		slaveWaiting := m != nil && m.HasPendingSnapshots() && consecutiveEarly < maxConsecutiveGCs
		early := !due && (flushDue || overLimit || slaveWaiting)
		if !due && !early {
			continue
		}
		if due || flushDue || overLimit {
			consecutiveEarly = 0
		} else {
			consecutiveEarly++
		}
		lastSweep = time.Now()

		var sinks []gc.SnapshotSink
		if m != nil {
			for _, sink := range m.PendingSnapshots() {
				sinks = append(sinks, sink)
			}
		}
		var repl memcache.Replicator = noopRepl{}
		if m != nil {
			repl = m
		}

		wg.Wait() // the previous sweep must finish before the next starts
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := gc.Sweep(s.store, s.stats, repl, sinks, gc.Config{
				MemoryLimit: s.cfg.MemoryLimit,
				GCInterval:  s.cfg.GCInterval,
			})
			s.log.Infof("server: gc sweep: %d survived, %d expired, %d evicted, %d flushed",
				res.Survived, res.Expired, res.Evicted, res.Flushed)
		}()
	}
}

func (s *Server) vipPresentOrTrue() (bool, error) {
	if s.vipChecker == nil {
		return true, nil
	}
	return s.vipChecker.Present()
}

type noopRepl struct{}

func (noopRepl) ReplicateSet(k []byte, o *object.Object) {}
func (noopRepl) ReplicateDelete(k []byte)                {}
