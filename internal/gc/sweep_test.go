// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package gc

import (
	"testing"
	"time"

	"github.com/aristanetworks/kvstored/internal/conn"
	"github.com/aristanetworks/kvstored/internal/memcache"
	"github.com/aristanetworks/kvstored/internal/object"
	"github.com/aristanetworks/kvstored/internal/stats"
)

type fakeRepl struct {
	sets    [][]byte
	deletes [][]byte
}

func (f *fakeRepl) ReplicateSet(k []byte, o *object.Object) { f.sets = append(f.sets, k) }
func (f *fakeRepl) ReplicateDelete(k []byte)                { f.deletes = append(f.deletes, k) }

func newTestStore(t *testing.T) *memcache.Store {
	t.Helper()
	return memcache.NewStore(memcache.Config{
		Buckets:       17,
		TempDir:       t.TempDir(),
		HeapDataLimit: 1 << 20,
		MaxDataSize:   1 << 20,
	}, stats.New(), nil)
}

func TestSweepExpiresPastEntries(t *testing.T) {
	store := newTestStore(t)
	owner := conn.NextID()

	// Absolute timestamp well in the past (greater than the 30-day
	// relative/absolute threshold, but still long before "now").
	const pastAbsolute = 1700000000
	if st, _ := store.StoreValue([]byte("stale"), owner, memcache.OpSet, []byte("v"), 0, pastAbsolute, 0); st != 0 {
		t.Fatalf("seeding stale key: status %v", st)
	}
	if st, _ := store.StoreValue([]byte("fresh"), owner, memcache.OpSet, []byte("v"), 0, 0, 0); st != 0 {
		t.Fatalf("seeding fresh key: status %v", st)
	}

	repl := &fakeRepl{}
	res := Sweep(store, stats.New(), repl, nil, Config{GCInterval: 0})

	if res.Expired != 1 {
		t.Errorf("Expired = %d, want 1", res.Expired)
	}
	if res.Survived != 1 {
		t.Errorf("Survived = %d, want 1", res.Survived)
	}
	if len(repl.deletes) != 1 || string(repl.deletes[0]) != "stale" {
		t.Errorf("deletes = %v, want [stale]", repl.deletes)
	}

	if got := store.Get([]byte("stale")); got.Status == 0 {
		t.Error("expired key should be gone after sweep")
	}
	if got := store.Get([]byte("fresh")); got.Status != 0 {
		t.Errorf("fresh key should survive, got status %v", got.Status)
	}
}

func TestSweepSkipsLockedEntries(t *testing.T) {
	store := newTestStore(t)
	owner := conn.NextID()

	const pastAbsolute = 1700000000
	if st, _ := store.StoreValue([]byte("locked"), owner, memcache.OpSet, []byte("v"), 0, pastAbsolute, 0); st != 0 {
		t.Fatalf("seeding: status %v", st)
	}
	if st := store.Lock([]byte("locked"), owner); st != 0 {
		t.Fatalf("locking: status %v", st)
	}

	res := Sweep(store, stats.New(), &fakeRepl{}, nil, Config{GCInterval: 0})
	if res.Expired != 0 {
		t.Errorf("Expired = %d, want 0 (locked entries must survive expiry)", res.Expired)
	}
	if res.Survived != 1 {
		t.Errorf("Survived = %d, want 1", res.Survived)
	}
}

func TestChooseEvictionAge(t *testing.T) {
	cases := []struct {
		oldest, wantAge uint32
		gcIntervalSec   int
	}{
		{oldest: 10, gcIntervalSec: 60, wantAge: 5},  // < 2*ticksPerHour -> half
		{oldest: 400, gcIntervalSec: 60, wantAge: 340}, // ticksPerHour = 60 -> oldest - 60
	}
	for _, c := range cases {
		got := chooseEvictionAge(c.oldest, time.Duration(c.gcIntervalSec)*time.Second)
		if got != c.wantAge {
			t.Errorf("chooseEvictionAge(%d, %ds) = %d, want %d", c.oldest, c.gcIntervalSec, got, c.wantAge)
		}
	}
}
