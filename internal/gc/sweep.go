// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package gc implements the periodic bucket sweep of spec.md §4.10:
// expiration, LRU-by-age eviction under memory pressure, flush reaping,
// and per-new-slave full snapshot emission, run as its own goroutine per
// sweep and joined before the next one starts.
package gc

import (
	"time"

	"github.com/aristanetworks/kvstored/internal/key"
	"github.com/aristanetworks/kvstored/internal/memcache"
	"github.com/aristanetworks/kvstored/internal/object"
	"github.com/aristanetworks/kvstored/internal/stats"
)

// SnapshotSink receives a full-object snapshot during a sweep, used to
// bring a newly joined replication slave up to date (spec.md §4.9 "the GC
// sweep emits a full snapshot... to every new slave").
type SnapshotSink interface {
	SnapshotSet(k []byte, o *object.Object)
}

// Result summarizes one sweep, logged by the caller and folded into stats.
type Result struct {
	Expired     int
	Evicted     int
	Flushed     int
	Survived    int
	OldestAge   uint32
	LargestSize int64
	TotalBytes  int64
}

// Config holds the sweep's tunables (spec.md §6 configuration keys).
type Config struct {
	MemoryLimit int64
	GCInterval  time.Duration
}

// Sweep performs one full pass over every bucket of store's table. repl
// receives replicate-on-remove calls for flushed/evicted/expired entries;
// newSlaves (possibly empty) each receive a SetQ-equivalent snapshot for
// every surviving, non-flushed entry.
func Sweep(store *memcache.Store, st *stats.Stats, repl memcache.Replicator, newSlaves []SnapshotSink, cfg Config) Result {
	table := store.Table()
	flushAt := store.FlushAt()
	now := time.Now().Unix()

	// Phase 1: read-only pass to measure total memory and the oldest
	// surviving age, inputs to the eviction-age formula below.
	var totalBytes int64
	var oldestAge uint32
	for i := 0; i < table.NumBuckets(); i++ {
		table.GC(i, func(_ key.Key, o *object.Object) bool {
			totalBytes += o.Size()
			if o.Age() > oldestAge {
				oldestAge = o.Age()
			}
			return false // measurement only, never remove
		})
	}

	evicting := cfg.MemoryLimit > 0 && totalBytes > cfg.MemoryLimit
	evictionAge := chooseEvictionAge(oldestAge, cfg.GCInterval)

	var res Result
	res.OldestAge = oldestAge
	res.TotalBytes = totalBytes

	// Phase 2: the real sweep, applying spec.md §4.10's per-entry decision
	// in priority order: flush, then eviction, then expiry, else survive.
	for i := 0; i < table.NumBuckets(); i++ {
		table.GC(i, func(k key.Key, o *object.Object) bool {
			locked := o.Locked()

			if flushAt != 0 && flushAt <= now && !locked {
				repl.ReplicateDelete(k.Bytes())
				o.Close()
				res.Flushed++
				return true
			}
			if evicting && !locked && o.Age() >= evictionAge {
				repl.ReplicateDelete(k.Bytes())
				o.Close()
				res.Evicted++
				st.Evictions.Add(1)
				return true
			}
			if o.Expired(now, 0) && !locked {
				repl.ReplicateDelete(k.Bytes())
				o.Close()
				res.Expired++
				st.Expirations.Add(1)
				return true
			}

			o.IncrementAge()
			if o.Age() == object.FlushCacheAge {
				o.HintDropCache()
			}
			if o.Size() > res.LargestSize {
				res.LargestSize = o.Size()
			}
			for _, sink := range newSlaves {
				sink.SnapshotSet(k.Bytes(), o)
			}
			res.Survived++
			return false
		})
	}

	removed := res.Flushed + res.Evicted + res.Expired
	if removed > 0 {
		st.CurrItems.Add(-int64(removed))
	}
	return res
}

// EstimateUsedBytes walks every bucket read-only and sums surviving
// object sizes -- the same measurement Sweep's own phase 1 performs. The
// GC loop (internal/server) uses it to decide whether memory_limit is
// already exceeded before gc_interval's next tick elapses (spec.md §4.10's
// early trigger "total used memory exceeds memory_limit"), without
// waiting for a full sweep to find out.
func EstimateUsedBytes(store *memcache.Store) int64 {
	table := store.Table()
	var total int64
	for i := 0; i < table.NumBuckets(); i++ {
		table.GC(i, func(_ key.Key, o *object.Object) bool {
			total += o.Size()
			return false
		})
	}
	return total
}

// chooseEvictionAge implements spec.md §4.10's "concentrate eviction on
// the oldest ~1-hour tail": if the oldest surviving entry is younger than
// roughly two sweep-hours, evict from the midpoint of its age; otherwise
// evict everything older than one sweep-hour short of the oldest.
func chooseEvictionAge(oldestAge uint32, gcInterval time.Duration) uint32 {
	if gcInterval <= 0 {
		gcInterval = time.Second
	}
	ticksPerHour := uint32(3600 / gcInterval.Seconds())
	if ticksPerHour == 0 {
		ticksPerHour = 1
	}
	if oldestAge < 2*ticksPerHour {
		return oldestAge / 2
	}
	return oldestAge - ticksPerHour
}
