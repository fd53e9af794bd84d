// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package memcache implements the cache's request/response protocol
// machines (spec.md §4.8): command semantics common to both the text and
// binary dialects live here in Store; text.go and binary.go implement the
// two framings over it.
package memcache

import (
	"sync/atomic"
	"time"

	"github.com/aristanetworks/kvstored/internal/bucket"
	"github.com/aristanetworks/kvstored/internal/conn"
	"github.com/aristanetworks/kvstored/internal/key"
	"github.com/aristanetworks/kvstored/internal/object"
	"github.com/aristanetworks/kvstored/internal/stats"
	"github.com/aristanetworks/kvstored/internal/wire"
)

// ExptimeNone is the binary-protocol sentinel meaning "leave exptime
// unchanged" on Increment/Decrement/GaT extras (spec.md §4.8.3).
const ExptimeNone = int64(0xFFFFFFFF)

// Replicator fans out successful mutations to connected slaves (spec.md
// §4.9). Store calls it after every mutating command; memcache does not
// depend on internal/replication directly to avoid an import cycle, since
// replication in turn applies incoming frames back through Store.
type Replicator interface {
	ReplicateSet(k []byte, o *object.Object)
	ReplicateDelete(k []byte)
}

type noopReplicator struct{}

func (noopReplicator) ReplicateSet(k []byte, o *object.Object) {}
func (noopReplicator) ReplicateDelete(k []byte)                {}

// Store ties the bucketed hash table to the command semantics of spec.md
// §4.8.5. It is safe for concurrent use by many worker goroutines; all
// per-key serialization comes from the underlying bucket.Table.
type Store struct {
	table         *bucket.Table[object.Object]
	tempDir       string
	heapDataLimit int64
	maxDataSize   int64
	flushAt       atomic.Int64 // spec.md §4.8.5 Flush(Q): global flush-at timestamp
	stats         *stats.Stats
	repl          Replicator
}

// Config bundles the construction-time limits for a Store.
type Config struct {
	Buckets       int
	TempDir       string
	HeapDataLimit int64
	MaxDataSize   int64
}

// NewStore builds an empty store. repl may be nil, in which case
// mutations are not replicated (used on a slave, which applies incoming
// replication frames directly via ApplyReplicated/RemoveReplicated
// instead of through client-facing Store methods).
func NewStore(cfg Config, st *stats.Stats, repl Replicator) *Store {
	if repl == nil {
		repl = noopReplicator{}
	}
	return &Store{
		table:         bucket.New[object.Object](cfg.Buckets),
		tempDir:       cfg.TempDir,
		heapDataLimit: cfg.HeapDataLimit,
		maxDataSize:   cfg.MaxDataSize,
		stats:         st,
		repl:          repl,
	}
}

// Table exposes the underlying bucket table for GC's sweep.
func (s *Store) Table() *bucket.Table[object.Object] { return s.table }

// FlushAt returns the current global flush boundary (0 = none).
func (s *Store) FlushAt() int64 { return s.flushAt.Load() }

func (s *Store) now() int64 { return time.Now().Unix() }

func (s *Store) expired(o *object.Object) bool {
	if o.Locked() {
		return false // a locked object never expires (spec.md §3)
	}
	return o.Expired(s.now(), s.flushAt.Load())
}

// GetResult is the outcome of a Get/GaT lookup.
type GetResult struct {
	Status wire.Status
	Value  []byte
	Flags  uint32
	CAS    uint64
}

// Get returns the value, flags and CAS for key, or NotFound.
func (s *Store) Get(k []byte) GetResult {
	s.stats.Gets.Add(1)
	var res GetResult
	lk := key.Borrow(k)
	s.table.Apply(lk, func(_ key.Key, o *object.Object) bool {
		if s.expired(o) {
			res.Status = wire.NotFound
			return true
		}
		v, err := o.Read(nil)
		if err != nil {
			res.Status = wire.NotFound
			return true
		}
		res.Status = wire.OK
		res.Value = v
		res.Flags = o.Flags()
		res.CAS = o.CAS()
		return true
	}, nil)
	if res.Status == wire.OK {
		s.stats.GetHits.Add(1)
	} else {
		res.Status = wire.NotFound
		s.stats.GetMisses.Add(1)
	}
	return res
}

// StoreOp selects set/add/replace semantics for Store.StoreValue.
type StoreOp int

const (
	// OpSet unconditionally stores, unless locked by another connection.
	OpSet StoreOp = iota
	// OpAdd stores only if the key is absent or expired.
	OpAdd
	// OpReplace stores only if the key is present and not expired.
	OpReplace
)

// StoreValue implements Set/Add/Replace/Cas (spec.md §4.8.5 Set/Add/Replace).
// casUnique of 0 means "no CAS check" (plain set/add/replace); non-zero
// requires the stored object's current CAS to match, else Exists/NotFound.
func (s *Store) StoreValue(k []byte, owner conn.ID, op StoreOp, payload []byte, flags uint32, exptime int64, casUnique uint64) (wire.Status, uint64) {
	if int64(len(payload)) > s.maxDataSize {
		return wire.TooLargeValue, 0
	}
	if len(k) > key.MaxLength {
		return wire.Invalid, 0
	}
	absExp := object.ResolveExptime(time.Now(), exptime)

	var status wire.Status
	var newCAS uint64
	var obj *object.Object
	lk := key.Borrow(k)

	handler := func(_ key.Key, o *object.Object) bool {
		if o.LockedByOther(owner) {
			status = wire.Locked
			return true
		}
		present := !s.expired(o)
		switch op {
		case OpAdd:
			if present {
				status = wire.NotStored
				return true
			}
		case OpReplace:
			if !present {
				status = wire.NotStored
				return true
			}
		}
		if casUnique != 0 {
			if !present {
				status = wire.NotFound
				return true
			}
			if o.CAS() != casUnique {
				status = wire.Exists
				return true
			}
		}
		if err := o.Set(payload); err != nil {
			status = wire.OutOfMemory
			return true
		}
		o.SetFlags(flags)
		o.SetExptime(absExp)
		status = wire.OK
		newCAS = o.CAS()
		obj = o
		return true
	}

	var creator func(key.Key) *object.Object
	if op != OpReplace && casUnique == 0 {
		creator = func(_ key.Key) *object.Object {
			o, err := object.New(s.tempDir, s.heapDataLimit, payload, flags, absExp)
			if err != nil {
				status = wire.OutOfMemory
				return o
			}
			status = wire.OK
			newCAS = o.CAS()
			obj = o
			s.stats.CurrItems.Add(1)
			return o
		}
	}

	if found := s.table.Apply(lk, handler, creator); !found {
		// Key absent and creator was nil: Replace on a missing key, or any
		// CAS-qualified store (including plain `cas`) against a missing key.
		if casUnique != 0 {
			status = wire.NotFound
		} else {
			status = wire.NotStored
		}
	}
	s.stats.Sets.Add(1)
	if status == wire.OK && obj != nil {
		s.repl.ReplicateSet(k, obj)
	}
	return status, newCAS
}

// AppendPrepend implements Append/Prepend (spec.md §4.8.5): requires
// existence, concatenates without touching flags/exptime, bumps CAS.
func (s *Store) AppendPrepend(k []byte, owner conn.ID, prepend bool, extra []byte) wire.Status {
	if int64(len(extra)) > s.maxDataSize {
		return wire.TooLargeValue
	}
	var status wire.Status
	var obj *object.Object
	lk := key.Borrow(k)
	s.table.Apply(lk, func(_ key.Key, o *object.Object) bool {
		if o.LockedByOther(owner) {
			status = wire.Locked
			return true
		}
		if s.expired(o) {
			status = wire.NotStored
			return true
		}
		var err error
		if prepend {
			err = o.Prepend(extra)
		} else {
			err = o.Append(extra)
		}
		if err != nil {
			status = wire.OutOfMemory
			return true
		}
		status = wire.OK
		obj = o
		return true
	}, nil)
	if status == 0 && obj == nil {
		status = wire.NotStored
	}
	if status == wire.OK {
		s.repl.ReplicateSet(k, obj)
	}
	return status
}

// Delete implements spec.md §4.8.5 Delete: lock-by-other -> Locked;
// lock-by-self clears the lock as part of removal; replicates on success.
func (s *Store) Delete(k []byte, owner conn.ID) wire.Status {
	status := wire.NotFound
	lk := key.Borrow(k)
	present := s.table.RemoveIf(lk, func(_ key.Key, o *object.Object) bool {
		if o.LockedByOther(owner) {
			status = wire.Locked
			return false
		}
		if s.expired(o) {
			status = wire.NotFound
			return false
		}
		o.Close()
		status = wire.OK
		return true
	})
	s.stats.Deletes.Add(1)
	if !present {
		status = wire.NotFound
	}
	if status == wire.NotFound {
		s.stats.DeleteMisses.Add(1)
	}
	if status == wire.OK {
		s.stats.CurrItems.Add(-1)
		s.repl.ReplicateDelete(k)
	}
	return status
}

// IncrDecrResult is the outcome of Incr/Decr/binary Increment/Decrement.
type IncrDecrResult struct {
	Status wire.Status
	Value  uint64
}

// IncrDecr implements spec.md §4.8.5 Incr/Decr. decrement selects
// subtraction (clamped at zero) vs. addition (wraps mod 2^64, spec.md §8).
// If the key is absent: when createIfMissing is false (text protocol),
// returns NotFound; when true (binary protocol), the object is created
// with initial, unless exptime == ExptimeNone, which also means NotFound
// on miss (spec.md §4.8.5 binary Incr/Decr semantics).
func (s *Store) IncrDecr(k []byte, owner conn.ID, delta uint64, decrement bool, createIfMissing bool, initial uint64, exptime int64) IncrDecrResult {
	s.stats.IncrDecr.Add(1)
	var res IncrDecrResult
	lk := key.Borrow(k)

	handler := func(_ key.Key, o *object.Object) bool {
		if o.LockedByOther(owner) {
			res.Status = wire.Locked
			return true
		}
		if s.expired(o) {
			res.Status = wire.NotFound
			return true
		}
		cur, ok := o.NumericValue()
		if !ok {
			res.Status = wire.NonNumeric
			return true
		}
		var next uint64
		if decrement {
			if delta > cur {
				next = 0
			} else {
				next = cur - delta
			}
		} else {
			next = cur + delta // wraps mod 2^64 per spec.md §8
		}
		o.SetNumericValue(next)
		res.Status = wire.OK
		res.Value = next
		return true
	}

	var creator func(key.Key) *object.Object
	if createIfMissing && exptime != ExptimeNone {
		creator = func(_ key.Key) *object.Object {
			absExp := object.ResolveExptime(time.Now(), exptime)
			o, err := object.New(s.tempDir, s.heapDataLimit, []byte(formatUint(initial)), 0, absExp)
			if err != nil {
				res.Status = wire.OutOfMemory
				return o
			}
			res.Status = wire.OK
			res.Value = initial
			s.stats.CurrItems.Add(1)
			return o
		}
	}

	found := s.table.Apply(lk, handler, creator)
	if !found && res.Status == 0 {
		res.Status = wire.NotFound
	}
	if res.Status == wire.OK {
		s.table.Apply(lk, func(_ key.Key, o *object.Object) bool {
			s.repl.ReplicateSet(k, o)
			return true
		}, nil)
	}
	return res
}

func formatUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Touch implements spec.md §4.8.5 Touch/GaT: updates exptime without
// bumping CAS. If withValue, also returns the current value/flags/CAS
// (used by GaT/GaTK).
func (s *Store) Touch(k []byte, owner conn.ID, exptime int64, withValue bool) GetResult {
	var res GetResult
	lk := key.Borrow(k)
	s.table.Apply(lk, func(_ key.Key, o *object.Object) bool {
		if o.LockedByOther(owner) {
			res.Status = wire.Locked
			return true
		}
		if s.expired(o) {
			res.Status = wire.NotFound
			return true
		}
		if exptime != ExptimeNone {
			o.SetExptime(object.ResolveExptime(time.Now(), exptime))
		}
		res.Status = wire.OK
		res.Flags = o.Flags()
		res.CAS = o.CAS()
		if withValue {
			v, err := o.Read(nil)
			if err == nil {
				res.Value = v
			}
		}
		return true
	}, nil)
	if res.Status == 0 {
		res.Status = wire.NotFound
	}
	if res.Status == wire.OK {
		s.table.Apply(lk, func(_ key.Key, o *object.Object) bool {
			s.repl.ReplicateSet(k, o)
			return true
		}, nil)
	}
	return res
}

// Lock implements spec.md §4.8.5 Lock: fails Locked if already held by
// anyone (including the caller), else assigns ownership to owner.
func (s *Store) Lock(k []byte, owner conn.ID) wire.Status {
	status := wire.NotFound
	lk := key.Borrow(k)
	found := s.table.Apply(lk, func(_ key.Key, o *object.Object) bool {
		if o.Locked() {
			status = wire.Locked
			return true
		}
		o.Lock(owner)
		status = wire.OK
		return true
	}, nil)
	if !found {
		status = wire.NotFound
	}
	return status
}

// Unlock implements spec.md §4.8.5 Unlock: NotLocked unless owner holds
// the lock.
func (s *Store) Unlock(k []byte, owner conn.ID) wire.Status {
	status := wire.NotFound
	lk := key.Borrow(k)
	found := s.table.Apply(lk, func(_ key.Key, o *object.Object) bool {
		if !o.Locked() || o.LockedByOther(owner) {
			status = wire.NotLocked
			return true
		}
		o.Unlock()
		status = wire.OK
		return true
	}, nil)
	if !found {
		status = wire.NotLocked
	}
	return status
}

// UnlockOne is a best-effort unlock used by UnlockAll/connection teardown:
// it never reports NotLocked, since the caller is sweeping a list of keys
// it believes it owns and some may already be gone.
func (s *Store) UnlockOne(k []byte, owner conn.ID) {
	lk := key.Borrow(k)
	s.table.Apply(lk, func(_ key.Key, o *object.Object) bool {
		if !o.LockedByOther(owner) {
			o.Unlock()
		}
		return true
	}, nil)
}

// FlushAllAt implements spec.md §4.8.5 Flush(Q): records a global flush-at
// timestamp delaySeconds from now; once that boundary is reached, any
// access to an unlocked object observes NotFound (enforced by
// Expired/expired above). GC reaps flushed objects on its next sweep (spec.md §4.10).
func (s *Store) FlushAllAt(delaySeconds int64) {
	s.stats.FlushCommands.Add(1)
	s.flushAt.Store(time.Now().Unix() + delaySeconds)
}

// ApplyReplicated installs or overwrites k with the replicated payload
// unlocked (spec.md §4.9 "apply_nolock"), used only by a slave applying
// incoming SetQ frames.
func (s *Store) ApplyReplicated(k []byte, payload []byte, flags uint32, exptime int64, cas uint64) {
	lk := key.Borrow(k)
	s.table.Apply(lk, func(_ key.Key, o *object.Object) bool {
		o.Set(payload)
		o.SetFlags(flags)
		o.SetExptime(exptime)
		return true
	}, func(_ key.Key) *object.Object {
		o, _ := object.New(s.tempDir, s.heapDataLimit, payload, flags, exptime)
		s.stats.CurrItems.Add(1)
		return o
	})
	s.stats.ReplOpsApplied.Add(1)
	_ = cas // the slave does not need the master's CAS to match exactly; it mirrors the payload
}

// RemoveReplicated removes k unlocked, used by a slave applying an
// incoming DeleteQ frame.
func (s *Store) RemoveReplicated(k []byte) {
	lk := key.Borrow(k)
	if s.table.Remove(lk, func(_ key.Key, o *object.Object) { o.Close() }) {
		s.stats.CurrItems.Add(-1)
	}
	s.stats.ReplOpsApplied.Add(1)
}

// ReplaceAndUnlock implements the RaU opcode (spec.md §4.8.5): atomically
// replaces the value of a key this connection holds the lock on, then
// releases the lock. Fails NotLocked without mutating if owner does not
// hold the lock (including if the key is absent).
func (s *Store) ReplaceAndUnlock(k []byte, owner conn.ID, payload []byte, flags uint32, exptime int64, casUnique uint64) (wire.Status, uint64) {
	if int64(len(payload)) > s.maxDataSize {
		return wire.TooLargeValue, 0
	}
	absExp := object.ResolveExptime(time.Now(), exptime)
	status := wire.NotLocked
	var newCAS uint64
	var obj *object.Object
	lk := key.Borrow(k)

	found := s.table.Apply(lk, func(_ key.Key, o *object.Object) bool {
		if !o.Locked() || o.LockedByOther(owner) {
			status = wire.NotLocked
			return true
		}
		if casUnique != 0 && o.CAS() != casUnique {
			status = wire.Exists
			return true
		}
		if err := o.Set(payload); err != nil {
			status = wire.OutOfMemory
			return true
		}
		o.SetFlags(flags)
		o.SetExptime(absExp)
		o.Unlock()
		status = wire.OK
		newCAS = o.CAS()
		obj = o
		return true
	}, nil)
	if !found {
		status = wire.NotLocked
	}
	s.stats.Sets.Add(1)
	if status == wire.OK && obj != nil {
		s.repl.ReplicateSet(k, obj)
	}
	return status, newCAS
}

// ReleaseAllLocks is called on connection teardown for every key the
// connection's lock list recorded, best-effort (spec.md §3 "Connection
// state"/§8 "closing a connection with held locks releases every one").
func (s *Store) ReleaseAllLocks(keys [][]byte, owner conn.ID) {
	for _, k := range keys {
		s.UnlockOne(k, owner)
	}
}
