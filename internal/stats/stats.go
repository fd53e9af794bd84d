// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package stats holds the server's relaxed-atomic counters (spec.md §4.13)
// and exports them both as `stats` protocol lines and as Prometheus
// gauges/counters for internal/adminsrv.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a collection of relaxed atomic counters. Values read via Snapshot
// need not be mutually consistent, per spec.md §5.
type Stats struct {
	Gets          atomic.Uint64
	GetHits       atomic.Uint64
	GetMisses     atomic.Uint64
	Sets          atomic.Uint64
	Deletes       atomic.Uint64
	DeleteMisses  atomic.Uint64
	IncrDecr      atomic.Uint64
	CASHits       atomic.Uint64
	CASMisses     atomic.Uint64
	Expirations   atomic.Uint64
	Evictions     atomic.Uint64
	FlushCommands atomic.Uint64
	CurrItems     atomic.Int64
	CurrConns     atomic.Int64
	TotalConns    atomic.Uint64
	BytesRead     atomic.Uint64
	BytesWritten  atomic.Uint64
	CounterAcq    atomic.Uint64
	CounterRel    atomic.Uint64
	CounterDenied atomic.Uint64
	ReplOpsSent   atomic.Uint64
	ReplOpsApplied atomic.Uint64
	ReplSlaves    atomic.Int64
}

// New returns an empty Stats block.
func New() *Stats { return &Stats{} }

// Snapshot is a point-in-time, non-atomic-as-a-whole copy suitable for
// rendering `stats` output.
type Snapshot struct {
	Gets, GetHits, GetMisses                     uint64
	Sets, Deletes, DeleteMisses                   uint64
	IncrDecr, CASHits, CASMisses                  uint64
	Expirations, Evictions, FlushCommands         uint64
	CurrItems, CurrConns                          int64
	TotalConns, BytesRead, BytesWritten           uint64
	CounterAcq, CounterRel, CounterDenied         uint64
	ReplOpsSent, ReplOpsApplied                   uint64
	ReplSlaves                                    int64
}

// Snapshot reads every counter once. Individual fields may be torn relative
// to each other (this is intentional per spec.md §5) but each field itself
// is read atomically.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Gets:           s.Gets.Load(),
		GetHits:        s.GetHits.Load(),
		GetMisses:      s.GetMisses.Load(),
		Sets:           s.Sets.Load(),
		Deletes:        s.Deletes.Load(),
		DeleteMisses:   s.DeleteMisses.Load(),
		IncrDecr:       s.IncrDecr.Load(),
		CASHits:        s.CASHits.Load(),
		CASMisses:      s.CASMisses.Load(),
		Expirations:    s.Expirations.Load(),
		Evictions:      s.Evictions.Load(),
		FlushCommands:  s.FlushCommands.Load(),
		CurrItems:      s.CurrItems.Load(),
		CurrConns:      s.CurrConns.Load(),
		TotalConns:     s.TotalConns.Load(),
		BytesRead:      s.BytesRead.Load(),
		BytesWritten:   s.BytesWritten.Load(),
		CounterAcq:     s.CounterAcq.Load(),
		CounterRel:     s.CounterRel.Load(),
		CounterDenied:  s.CounterDenied.Load(),
		ReplOpsSent:    s.ReplOpsSent.Load(),
		ReplOpsApplied: s.ReplOpsApplied.Load(),
		ReplSlaves:     s.ReplSlaves.Load(),
	}
}

// Collector adapts Stats to prometheus.Collector for internal/adminsrv,
// grounded on the teacher's monitor/server.go admin HTTP surface (which
// exposed expvar; this repo additionally exposes Prometheus gauges since
// the teacher go.mod already depends on client_golang for other services).
type Collector struct {
	s *Stats
}

// NewCollector wraps s for registration with a prometheus.Registry.
func NewCollector(s *Stats) *Collector { return &Collector{s: s} }

var descs = struct {
	gets, getHits, getMisses, sets, deletes                     *prometheus.Desc
	currItems, currConns, expirations, evictions                *prometheus.Desc
	counterAcq, counterRel, counterDenied                        *prometheus.Desc
	replSent, replApplied, replSlaves                             *prometheus.Desc
}{
	gets:          prometheus.NewDesc("kvstored_gets_total", "Total get commands", nil, nil),
	getHits:       prometheus.NewDesc("kvstored_get_hits_total", "Total get hits", nil, nil),
	getMisses:     prometheus.NewDesc("kvstored_get_misses_total", "Total get misses", nil, nil),
	sets:          prometheus.NewDesc("kvstored_sets_total", "Total set/add/replace/cas/append/prepend commands", nil, nil),
	deletes:       prometheus.NewDesc("kvstored_deletes_total", "Total delete commands", nil, nil),
	currItems:     prometheus.NewDesc("kvstored_curr_items", "Live objects across all buckets", nil, nil),
	currConns:     prometheus.NewDesc("kvstored_curr_connections", "Open client connections", nil, nil),
	expirations:   prometheus.NewDesc("kvstored_expired_total", "Objects removed by expiry", nil, nil),
	evictions:     prometheus.NewDesc("kvstored_evicted_total", "Objects removed by LRU-by-age eviction", nil, nil),
	counterAcq:    prometheus.NewDesc("kvstored_counter_acquires_total", "Counter protocol Acquire calls", nil, nil),
	counterRel:    prometheus.NewDesc("kvstored_counter_releases_total", "Counter protocol Release calls", nil, nil),
	counterDenied: prometheus.NewDesc("kvstored_counter_denied_total", "Counter Acquire calls denied (ResourceNotAvailable)", nil, nil),
	replSent:      prometheus.NewDesc("kvstored_repl_ops_sent_total", "Replication ops fanned out by the master", nil, nil),
	replApplied:   prometheus.NewDesc("kvstored_repl_ops_applied_total", "Replication ops applied by a slave", nil, nil),
	replSlaves:    prometheus.NewDesc("kvstored_repl_slaves", "Currently connected slaves", nil, nil),
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descs.gets
	ch <- descs.getHits
	ch <- descs.getMisses
	ch <- descs.sets
	ch <- descs.deletes
	ch <- descs.currItems
	ch <- descs.currConns
	ch <- descs.expirations
	ch <- descs.evictions
	ch <- descs.counterAcq
	ch <- descs.counterRel
	ch <- descs.counterDenied
	ch <- descs.replSent
	ch <- descs.replApplied
	ch <- descs.replSlaves
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.s.Snapshot()
	ch <- prometheus.MustNewConstMetric(descs.gets, prometheus.CounterValue, float64(snap.Gets))
	ch <- prometheus.MustNewConstMetric(descs.getHits, prometheus.CounterValue, float64(snap.GetHits))
	ch <- prometheus.MustNewConstMetric(descs.getMisses, prometheus.CounterValue, float64(snap.GetMisses))
	ch <- prometheus.MustNewConstMetric(descs.sets, prometheus.CounterValue, float64(snap.Sets))
	ch <- prometheus.MustNewConstMetric(descs.deletes, prometheus.CounterValue, float64(snap.Deletes))
	ch <- prometheus.MustNewConstMetric(descs.currItems, prometheus.GaugeValue, float64(snap.CurrItems))
	ch <- prometheus.MustNewConstMetric(descs.currConns, prometheus.GaugeValue, float64(snap.CurrConns))
	ch <- prometheus.MustNewConstMetric(descs.expirations, prometheus.CounterValue, float64(snap.Expirations))
	ch <- prometheus.MustNewConstMetric(descs.evictions, prometheus.CounterValue, float64(snap.Evictions))
	ch <- prometheus.MustNewConstMetric(descs.counterAcq, prometheus.CounterValue, float64(snap.CounterAcq))
	ch <- prometheus.MustNewConstMetric(descs.counterRel, prometheus.CounterValue, float64(snap.CounterRel))
	ch <- prometheus.MustNewConstMetric(descs.counterDenied, prometheus.CounterValue, float64(snap.CounterDenied))
	ch <- prometheus.MustNewConstMetric(descs.replSent, prometheus.CounterValue, float64(snap.ReplOpsSent))
	ch <- prometheus.MustNewConstMetric(descs.replApplied, prometheus.CounterValue, float64(snap.ReplOpsApplied))
	ch <- prometheus.MustNewConstMetric(descs.replSlaves, prometheus.GaugeValue, float64(snap.ReplSlaves))
}
