// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aristanetworks/kvstored/internal/object"
)

type fakeApplier struct {
	mu      sync.Mutex
	applied map[string][]byte
	removed map[string]bool
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{applied: map[string][]byte{}, removed: map[string]bool{}}
}

func (f *fakeApplier) ApplyReplicated(k []byte, payload []byte, flags uint32, exptime int64, cas uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[string(k)] = append([]byte(nil), payload...)
}

func (f *fakeApplier) RemoveReplicated(k []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[string(k)] = true
}

func (f *fakeApplier) get(k string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.applied[k]
	return v, ok
}

func (f *fakeApplier) wasRemoved(k string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed[k]
}

func TestMasterSlaveSetAndDelete(t *testing.T) {
	m, err := NewMaster("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	defer m.Close()

	applier := newFakeApplier()
	slave := NewSlave(m.Addr().String(), applier)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go slave.Run(ctx)
	defer slave.Stop()

	waitForSlaveCount(t, m, 1)

	o, err := object.New(t.TempDir(), 1<<20, []byte("value1"), 7, 0)
	if err != nil {
		t.Fatalf("object.New: %v", err)
	}
	m.ReplicateSet([]byte("k1"), o)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := applier.get("k1"); ok {
			if string(v) != "value1" {
				t.Fatalf("applied value = %q, want %q", v, "value1")
			}
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := applier.get("k1"); !ok {
		t.Fatal("timed out waiting for replicated SetQ to apply")
	}

	m.ReplicateDelete([]byte("k1"))
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if applier.wasRemoved("k1") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for replicated DeleteQ to apply")
}

func waitForSlaveCount(t *testing.T, m *Master, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		count := len(m.slaves)
		m.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d slave(s) to connect", n)
}
