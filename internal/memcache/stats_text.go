// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package memcache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aristanetworks/kvstored/internal/key"
	"github.com/aristanetworks/kvstored/internal/object"
)

// RenderStats renders the `stats [items|sizes|settings|ops]` sub-commands
// (spec.md §4.8.2, supplemented per SPEC_FULL.md §6 with the `settings`
// and `sizes` variants the distillation dropped).
func RenderStats(store *Store, sub string) string {
	switch sub {
	case "settings":
		return renderStatsSettings(store)
	case "sizes":
		return renderStatsSizes(store)
	case "items":
		return renderStatsItems(store)
	default:
		return renderStatsOps(store)
	}
}

func renderStatsOps(store *Store) string {
	snap := store.stats.Snapshot()
	var sb strings.Builder
	line := func(k string, v interface{}) {
		fmt.Fprintf(&sb, "STAT %s %v\r\n", k, v)
	}
	line("cmd_get", snap.Gets)
	line("get_hits", snap.GetHits)
	line("get_misses", snap.GetMisses)
	line("cmd_set", snap.Sets)
	line("cmd_delete", snap.Deletes)
	line("delete_misses", snap.DeleteMisses)
	line("incr_decr_hits", snap.IncrDecr)
	line("cas_hits", snap.CASHits)
	line("cas_misses", snap.CASMisses)
	line("expired_unfetched", snap.Expirations)
	line("evictions", snap.Evictions)
	line("flush_commands", snap.FlushCommands)
	line("curr_items", snap.CurrItems)
	line("curr_connections", snap.CurrConns)
	line("total_connections", snap.TotalConns)
	line("bytes_read", snap.BytesRead)
	line("bytes_written", snap.BytesWritten)
	line("counter_acquires", snap.CounterAcq)
	line("counter_releases", snap.CounterRel)
	line("counter_denied", snap.CounterDenied)
	line("repl_ops_sent", snap.ReplOpsSent)
	line("repl_ops_applied", snap.ReplOpsApplied)
	line("repl_slaves", snap.ReplSlaves)
	sb.WriteString("END\r\n")
	return sb.String()
}

func renderStatsSettings(store *Store) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "STAT max_data_size %d\r\n", store.maxDataSize)
	fmt.Fprintf(&sb, "STAT heap_data_limit %d\r\n", store.heapDataLimit)
	fmt.Fprintf(&sb, "STAT buckets %d\r\n", store.table.NumBuckets())
	sb.WriteString("END\r\n")
	return sb.String()
}

// sizeClass buckets a payload size into a power-of-two class, matching the
// GC sweep's size-class histogram bookkeeping (spec.md §4.10).
func sizeClass(n int64) int {
	class := 1
	for class < int(n) {
		class <<= 1
	}
	return class
}

// renderStatsSizes walks every bucket to build a power-of-two payload-size
// histogram. Like Len, this is O(N) and only ever called from the `stats
// sizes` command, never a hot path.
func renderStatsSizes(store *Store) string {
	hist := map[int]int{}
	for i := 0; i < store.table.NumBuckets(); i++ {
		store.table.GC(i, func(_ key.Key, o *object.Object) bool {
			hist[sizeClass(o.Size())]++
			return false // never remove; this is a read-only walk
		})
	}
	classes := make([]int, 0, len(hist))
	for c := range hist {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	var sb strings.Builder
	for _, c := range classes {
		fmt.Fprintf(&sb, "STAT %d %d\r\n", c, hist[c])
	}
	sb.WriteString("END\r\n")
	return sb.String()
}

func renderStatsItems(store *Store) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "STAT items:1:number %s\r\n", strconv.Itoa(store.table.Len()))
	sb.WriteString("END\r\n")
	return sb.String()
}
