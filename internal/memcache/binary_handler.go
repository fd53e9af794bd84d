// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package memcache

import (
	"encoding/binary"

	"github.com/aristanetworks/kvstored/internal/wire"
)

// HandleBinaryRequest dispatches one decoded binary frame against store on
// behalf of cs. It returns the response frame to write (nil if the quiet
// variant suppresses a success response, per spec.md §4.8.3) and whether
// the connection should close after the response drains.
func HandleBinaryRequest(store *Store, cs *ConnState, req BinaryRequest) (resp []byte, quit bool) {
	if err := validateBinary(req); err != nil {
		werr := err.(*wire.Error)
		return binErr(req, werr.Status), false
	}

	switch req.Opcode {
	case OpGet, OpGetQ, OpGetK, OpGetKQ:
		return binGet(store, req), false
	case OpSetBin, OpSetQ, OpAddBin, OpAddQ, OpReplaceBin, OpReplaceQ:
		return binStore(store, cs, req), false
	case OpAppend, OpAppendQ, OpPrepend, OpPrependQ:
		return binAppendPrepend(store, cs, req), false
	case OpDelete, OpDeleteQ:
		return binDelete(store, cs, req), false
	case OpIncrement, OpIncrementQ, OpDecrement, OpDecrementQ:
		return binIncrDecr(store, cs, req), false
	case OpTouch:
		return binTouch(store, cs, req, false), false
	case OpGAT, OpGATQ, OpGATK, OpGATKQ:
		return binTouch(store, cs, req, true), false
	case OpLock:
		return binLock(store, cs, req), false
	case OpUnlock:
		return binUnlock(store, cs, req), false
	case OpUnlockAll:
		return binUnlockAll(store, cs, req), false
	case OpLaG, OpLaGK, OpLaGQ, OpLaGKQ:
		return binLaG(store, cs, req), false
	case OpRaU, OpRaUQ:
		return binRaU(store, cs, req), false
	case OpFlush, OpFlushQ:
		return binFlush(store, req), false
	case OpNoop:
		return EncodeResponse(req.Opcode, req.Opaque, 0, wire.OK, nil, nil, nil), false
	case OpVersion:
		return EncodeResponse(req.Opcode, req.Opaque, 0, wire.OK, nil, nil, []byte("1.0.0-kvstored")), false
	case OpVerbosity:
		return maybeOK(req), false
	case OpStat:
		return binStat(store, req), false
	case OpQuit, OpQuitQ:
		if req.Opcode == OpQuitQ {
			return nil, true
		}
		return EncodeResponse(req.Opcode, req.Opaque, 0, wire.OK, nil, nil, nil), true
	default:
		return binErr(req, wire.UnknownCommand), false
	}
}

// validateBinary applies spec.md §4.8.3's per-opcode validation: wrong
// extras_len or absent key where required is Invalid.
func validateBinary(req BinaryRequest) error {
	wantExtras, wantKey := extrasKeyRequirement(req.Opcode)
	if wantExtras >= 0 && int(req.ExtrasLen) != wantExtras {
		return wire.New(wire.Invalid, "wrong extras length")
	}
	if wantKey && len(req.Key) == 0 {
		return wire.New(wire.Invalid, "missing key")
	}
	return nil
}

// extrasKeyRequirement returns the exact extras length required (-1 if
// variable/unchecked) and whether a key is required, per opcode.
func extrasKeyRequirement(op Opcode) (extrasLen int, keyRequired bool) {
	switch op {
	case OpGet, OpGetQ, OpGetK, OpGetKQ, OpDelete, OpDeleteQ,
		OpAppend, OpAppendQ, OpPrepend, OpPrependQ,
		OpLock, OpUnlock, OpLaG, OpLaGK, OpLaGQ, OpLaGKQ:
		return 0, true
	case OpSetBin, OpSetQ, OpAddBin, OpAddQ, OpReplaceBin, OpReplaceQ, OpRaU, OpRaUQ:
		return 8, true
	case OpIncrement, OpIncrementQ, OpDecrement, OpDecrementQ:
		return 20, true
	case OpTouch, OpGAT, OpGATQ, OpGATK, OpGATKQ:
		return 4, true
	case OpUnlockAll, OpNoop, OpVersion, OpQuit, OpQuitQ:
		return 0, false
	case OpFlush, OpFlushQ:
		return -1, false // extras_len 0 or 4 (optional delay), see binFlush
	case OpVerbosity:
		return -1, false
	case OpStat:
		return 0, false
	default:
		return -1, false
	}
}

func maybeOK(req BinaryRequest) []byte {
	if isQuiet(req.Opcode) {
		return nil
	}
	return EncodeResponse(req.Opcode, req.Opaque, 0, wire.OK, nil, nil, nil)
}

func binErr(req BinaryRequest, st wire.Status) []byte {
	return EncodeResponse(req.Opcode, req.Opaque, 0, st, nil, nil, nil)
}

func binGet(store *Store, req BinaryRequest) []byte {
	res := store.Get(req.Key)
	if res.Status != wire.OK {
		if isQuiet(req.Opcode) {
			return nil
		}
		return binErr(req, res.Status)
	}
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, res.Flags)
	key := []byte(nil)
	if includesKey(req.Opcode) {
		key = req.Key
	}
	return EncodeResponse(req.Opcode, req.Opaque, res.CAS, wire.OK, extras, key, res.Value)
}

func binStore(store *Store, cs *ConnState, req BinaryRequest) []byte {
	flags := binary.BigEndian.Uint32(req.Extras[0:4])
	exptime := int64(binary.BigEndian.Uint32(req.Extras[4:8]))
	op := OpSet
	switch req.Opcode {
	case OpAddBin, OpAddQ:
		op = OpAdd
	case OpReplaceBin, OpReplaceQ:
		op = OpReplace
	}
	st, newCAS := store.StoreValue(req.Key, cs.ID, op, req.Value, flags, exptime, req.CAS)
	if st == wire.OK && isQuiet(req.Opcode) {
		return nil
	}
	if st != wire.OK {
		return binErr(req, st)
	}
	return EncodeResponse(req.Opcode, req.Opaque, newCAS, wire.OK, nil, nil, nil)
}

func binAppendPrepend(store *Store, cs *ConnState, req BinaryRequest) []byte {
	st := store.AppendPrepend(req.Key, cs.ID, req.Opcode == OpPrepend || req.Opcode == OpPrependQ, req.Value)
	if st == wire.OK && isQuiet(req.Opcode) {
		return nil
	}
	if st != wire.OK {
		return binErr(req, st)
	}
	return EncodeResponse(req.Opcode, req.Opaque, 0, wire.OK, nil, nil, nil)
}

func binDelete(store *Store, cs *ConnState, req BinaryRequest) []byte {
	st := store.Delete(req.Key, cs.ID)
	if st == wire.OK {
		cs.ForgetLock(req.Key)
		if isQuiet(req.Opcode) {
			return nil
		}
	}
	if st != wire.OK {
		return binErr(req, st)
	}
	return EncodeResponse(req.Opcode, req.Opaque, 0, wire.OK, nil, nil, nil)
}

func binIncrDecr(store *Store, cs *ConnState, req BinaryRequest) []byte {
	delta := binary.BigEndian.Uint64(req.Extras[0:8])
	initial := binary.BigEndian.Uint64(req.Extras[8:16])
	exptime := int64(binary.BigEndian.Uint32(req.Extras[16:20]))
	if exptime == int64(0xFFFFFFFF) {
		exptime = ExptimeNone
	}
	decrement := req.Opcode == OpDecrement || req.Opcode == OpDecrementQ
	res := store.IncrDecr(req.Key, cs.ID, delta, decrement, true, initial, exptime)
	if res.Status != wire.OK {
		return binErr(req, res.Status)
	}
	if isQuiet(req.Opcode) {
		return nil
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, res.Value)
	return EncodeResponse(req.Opcode, req.Opaque, 0, wire.OK, nil, nil, value)
}

func binTouch(store *Store, cs *ConnState, req BinaryRequest, withValue bool) []byte {
	exptime := int64(binary.BigEndian.Uint32(req.Extras[0:4]))
	if exptime == int64(0xFFFFFFFF) {
		exptime = ExptimeNone
	}
	res := store.Touch(req.Key, cs.ID, exptime, withValue)
	if res.Status != wire.OK {
		if isQuiet(req.Opcode) {
			return nil
		}
		return binErr(req, res.Status)
	}
	if !withValue {
		return EncodeResponse(req.Opcode, req.Opaque, res.CAS, wire.OK, nil, nil, nil)
	}
	if isQuiet(req.Opcode) {
		return nil
	}
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, res.Flags)
	key := []byte(nil)
	if includesKey(req.Opcode) {
		key = req.Key
	}
	return EncodeResponse(req.Opcode, req.Opaque, res.CAS, wire.OK, extras, key, res.Value)
}

func binLock(store *Store, cs *ConnState, req BinaryRequest) []byte {
	st := store.Lock(req.Key, cs.ID)
	if st == wire.OK {
		cs.RecordLock(req.Key)
	}
	if st != wire.OK {
		return binErr(req, st)
	}
	return EncodeResponse(req.Opcode, req.Opaque, 0, wire.OK, nil, nil, nil)
}

func binUnlock(store *Store, cs *ConnState, req BinaryRequest) []byte {
	st := store.Unlock(req.Key, cs.ID)
	if st == wire.OK {
		cs.ForgetLock(req.Key)
	}
	if st != wire.OK {
		return binErr(req, st)
	}
	return EncodeResponse(req.Opcode, req.Opaque, 0, wire.OK, nil, nil, nil)
}

func binUnlockAll(store *Store, cs *ConnState, req BinaryRequest) []byte {
	for _, k := range cs.LockedKeys() {
		store.UnlockOne(k, cs.ID)
		cs.ForgetLock(k)
	}
	return EncodeResponse(req.Opcode, req.Opaque, 0, wire.OK, nil, nil, nil)
}

// binLaG implements Lock-and-Get: atomic Lock then Get (spec.md §4.8.5).
func binLaG(store *Store, cs *ConnState, req BinaryRequest) []byte {
	st := store.Lock(req.Key, cs.ID)
	if st != wire.OK {
		if isQuiet(req.Opcode) && st == wire.NotFound {
			return nil
		}
		return binErr(req, st)
	}
	cs.RecordLock(req.Key)
	res := store.Get(req.Key)
	if res.Status != wire.OK {
		return binErr(req, res.Status)
	}
	if isQuiet(req.Opcode) {
		return nil
	}
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, res.Flags)
	key := []byte(nil)
	if includesKey(req.Opcode) {
		key = req.Key
	}
	return EncodeResponse(req.Opcode, req.Opaque, res.CAS, wire.OK, extras, key, res.Value)
}

// binRaU implements Replace-and-Unlock: an atomic Set (with optional CAS
// via the header CAS field) followed by Unlock, failing NotLocked if this
// connection doesn't own the lock (spec.md §4.8.5).
func binRaU(store *Store, cs *ConnState, req BinaryRequest) []byte {
	flags := binary.BigEndian.Uint32(req.Extras[0:4])
	exptime := int64(binary.BigEndian.Uint32(req.Extras[4:8]))

	st, newCAS := store.ReplaceAndUnlock(req.Key, cs.ID, req.Value, flags, exptime, req.CAS)
	if st != wire.OK {
		return binErr(req, st)
	}
	cs.ForgetLock(req.Key)
	if isQuiet(req.Opcode) {
		return nil
	}
	return EncodeResponse(req.Opcode, req.Opaque, newCAS, wire.OK, nil, nil, nil)
}

func binFlush(store *Store, req BinaryRequest) []byte {
	var delay int64
	if len(req.Extras) == 4 {
		delay = int64(binary.BigEndian.Uint32(req.Extras))
	}
	store.FlushAllAt(delay)
	if isQuiet(req.Opcode) {
		return nil
	}
	return EncodeResponse(req.Opcode, req.Opaque, 0, wire.OK, nil, nil, nil)
}

func binStat(store *Store, req BinaryRequest) []byte {
	snap := store.stats.Snapshot()
	value := []byte("curr_items=" + formatUint(uint64(snap.CurrItems)))
	return EncodeResponse(req.Opcode, req.Opaque, 0, wire.OK, nil, nil, value)
}
