// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package counter

import (
	"github.com/aristanetworks/kvstored/internal/bucket"
	"github.com/aristanetworks/kvstored/internal/conn"
	"github.com/aristanetworks/kvstored/internal/key"
)

// Store is the bucketed table of named counters -- the "counter object"
// hash table spec.md §1(g) calls out as a companion to the cache store.
type Store struct {
	table *bucket.Table[Resource]
}

// NewStore builds a counter store with the given bucket count.
func NewStore(buckets int) *Store {
	return &Store{table: bucket.New[Resource](buckets)}
}

// Acquire implements spec.md §4.11 Acquire: creates the named counter with
// max on first use, then tries to consume resources against it.
func (s *Store) Acquire(name []byte, resources, max uint32, owner conn.ID) bool {
	var ok bool
	s.table.Apply(key.Borrow(name),
		func(_ key.Key, r *Resource) bool {
			ok = r.Acquire(owner, resources)
			return true
		},
		func(_ key.Key) *Resource {
			r := NewResource(max)
			ok = r.Acquire(owner, resources)
			return r
		},
	)
	return ok
}

// Release implements spec.md §4.11 Release.
func (s *Store) Release(name []byte, resources uint32, owner conn.ID) bool {
	var ok bool
	found := s.table.Apply(key.Borrow(name),
		func(_ key.Key, r *Resource) bool {
			ok = r.Release(owner, resources)
			return true
		}, nil)
	return found && ok
}

// Get returns (consumption, max, found) for name.
func (s *Store) Get(name []byte) (consumption, max uint32, found bool) {
	found = s.table.Apply(key.Borrow(name),
		func(_ key.Key, r *Resource) bool {
			consumption, max = r.Snapshot()
			return true
		}, nil)
	return
}

// ReleaseAll releases every resource owner holds, across every named
// counter, on connection teardown (spec.md §4.11).
func (s *Store) ReleaseAll(owner conn.ID) {
	for i := 0; i < s.table.NumBuckets(); i++ {
		s.table.GC(i, func(_ key.Key, r *Resource) bool {
			r.ReleaseAll(owner)
			return false // never removes here; GCDeleted does the reaping
		})
	}
}

// Entry is one row of a Dump response.
type Entry struct {
	Name        []byte
	Consumption uint32
	Max         uint32
}

// Dump returns every live counter, for the `Dump` command.
func (s *Store) Dump() []Entry {
	var entries []Entry
	for i := 0; i < s.table.NumBuckets(); i++ {
		s.table.GC(i, func(k key.Key, r *Resource) bool {
			c, m := r.Snapshot()
			name := append([]byte(nil), k.Bytes()...)
			entries = append(entries, Entry{Name: name, Consumption: c, Max: m})
			return false
		})
	}
	return entries
}

// GCDeleted removes every counter that is Deletable (spec.md §3): zero
// consumption and no current owner. Run periodically by the server, the
// "companion... GC" spec.md §1(g) names for the counter service.
func (s *Store) GCDeleted() int {
	removed := 0
	for i := 0; i < s.table.NumBuckets(); i++ {
		s.table.GC(i, func(_ key.Key, r *Resource) bool {
			if r.Deletable() {
				removed++
				return true
			}
			return false
		})
	}
	return removed
}
