// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package object implements the cache record described in spec.md §3/§4.2:
// payload bytes (inline or spilled to a temp file), flags, expiration, a
// monotonic CAS token, a GC age counter, and a lock owner.
package object

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aristanetworks/kvstored/internal/buffer"
	"github.com/aristanetworks/kvstored/internal/conn"
	"github.com/aristanetworks/kvstored/internal/tempfile"
)

// FlushCacheAge is the age (in GC ticks) at which a spilled object's temp
// file is hinted to the kernel to drop from page cache (spec.md §4.10).
const FlushCacheAge = 10

// Object is a single cache record. It is not safe for concurrent use; all
// mutation happens under the owning bucket's lock.
type Object struct {
	inline *buffer.Buffer
	spill  *tempfile.File
	spilt  bool

	flags   uint32
	exptime int64 // absolute unix seconds; 0 = never
	cas     uint64
	age     uint32
	owner   conn.ID

	tempDir      string
	heapDataLimit int64
}

// New creates an object with the given initial payload, flags and absolute
// expiration (0 = never). heapDataLimit is the per-object threshold above
// which the payload spills to tempDir; cas starts at 1 per spec.md §3.
func New(tempDir string, heapDataLimit int64, payload []byte, flags uint32, exptime int64) (*Object, error) {
	o := &Object{
		inline:        buffer.New(0),
		tempDir:       tempDir,
		heapDataLimit: heapDataLimit,
		flags:         flags,
		exptime:       exptime,
		cas:           1,
	}
	if err := o.setPayload(payload); err != nil {
		return nil, err
	}
	return o, nil
}

// Size returns the current payload length, whichever representation holds it.
func (o *Object) Size() int64 {
	if o.spilt {
		return o.spill.Length()
	}
	return int64(o.inline.Len())
}

// Flags returns the user-supplied 32-bit flags.
func (o *Object) Flags() uint32 { return o.flags }

// CAS returns the current CAS token.
func (o *Object) CAS() uint64 { return o.cas }

// Exptime returns the absolute expiration time (0 = never).
func (o *Object) Exptime() int64 { return o.exptime }

// Age returns the number of GC ticks since this object was last read or
// written.
func (o *Object) Age() uint32 { return o.age }

// Owner returns the connection holding the lock, or the zero ID if unlocked.
func (o *Object) Owner() conn.ID { return o.owner }

// Locked reports whether any connection currently owns the lock.
func (o *Object) Locked() bool { return o.owner.Valid() }

// LockedByOther reports whether the object is locked by a connection other
// than by.
func (o *Object) LockedByOther(by conn.ID) bool {
	return o.owner.Valid() && o.owner != by
}

// Lock assigns the lock to owner. The caller must have already checked
// !Locked().
func (o *Object) Lock(owner conn.ID) { o.owner = owner }

// Unlock clears the lock unconditionally (used by UnlockAll/disconnect
// cleanup as well as explicit Unlock).
func (o *Object) Unlock() { o.owner = 0 }

// Expired reports whether the object should be considered gone: either its
// own exptime has passed, or the global flush boundary has. Expired does not
// look at the lock: a locked object never expires (spec.md §3 invariant),
// so callers check Locked first (memcache.Store.expired does, and GC checks
// it explicitly for flush vs normal expiry).
func (o *Object) Expired(now, flushAt int64) bool {
	eff := o.exptime
	if flushAt != 0 && (eff == 0 || flushAt < eff) {
		eff = flushAt
	}
	return eff != 0 && eff <= now
}

// Touch resets the GC age and bumps the read/write recency without
// affecting CAS (used by both reads and the Touch/GaT commands).
func (o *Object) Touch() { o.age = 0 }

// IncrementAge is called once per GC sweep for every surviving object.
func (o *Object) IncrementAge() { o.age++ }

// SetExptime updates the expiration without bumping CAS (spec.md §4.8.5 Touch).
func (o *Object) SetExptime(exptime int64) {
	o.exptime = exptime
	o.Touch()
}

// Read returns the full payload. For a spilled object this reads the temp
// file into dst (dst may be nil); the returned slice must not be retained
// past the next mutation.
func (o *Object) Read(dst []byte) ([]byte, error) {
	o.Touch()
	if !o.spilt {
		return append(dst[:0], o.inline.Bytes()...), nil
	}
	return o.spill.ReadContents(dst[:0])
}

// Set replaces the payload wholesale, bumps CAS, and resets age. flags and
// exptime are not touched by Set unless the caller supplies new ones (see
// internal/memcache/store.go, which calls SetFlags/SetExptime alongside Set
// for the `set` command).
func (o *Object) Set(payload []byte) error {
	if err := o.setPayload(payload); err != nil {
		return err
	}
	o.cas++
	o.Touch()
	return nil
}

// SetFlags updates the user flags (used by `set`/`add`/`replace`, which
// always carry new flags; append/prepend do not touch flags per spec.md).
func (o *Object) SetFlags(flags uint32) { o.flags = flags }

// Append concatenates extra onto the existing payload without touching
// flags or exptime, bumping CAS.
func (o *Object) Append(extra []byte) error {
	return o.concat(extra, false)
}

// Prepend concatenates extra before the existing payload without touching
// flags or exptime, bumping CAS.
func (o *Object) Prepend(extra []byte) error {
	return o.concat(extra, true)
}

func (o *Object) concat(extra []byte, before bool) error {
	cur, err := o.Read(nil)
	if err != nil {
		return err
	}
	var merged []byte
	if before {
		merged = make([]byte, 0, len(extra)+len(cur))
		merged = append(merged, extra...)
		merged = append(merged, cur...)
	} else {
		merged = make([]byte, 0, len(cur)+len(extra))
		merged = append(merged, cur...)
		merged = append(merged, extra...)
	}
	if err := o.setPayload(merged); err != nil {
		return err
	}
	o.cas++
	o.Touch()
	return nil
}

// setPayload chooses inline vs spill representation per spec.md §9 "Spill
// decision": compare the new size against heapDataLimit at write time. A
// transition from inline to spill copies existing bytes before appending
// (handled above in concat, which always reads-then-rewrites the whole
// payload); a transition from spill back to inline never occurs, matching
// the monotonic rule in spec.md §9 -- once spilt, an object keeps using its
// temp file even if a later Set makes it small again.
func (o *Object) setPayload(payload []byte) error {
	wantSpill := o.spilt || int64(len(payload)) > o.heapDataLimit
	if !wantSpill {
		o.inline.Reset()
		o.inline.Append(payload)
		return nil
	}
	if o.spill == nil {
		f, err := tempfile.New(o.tempDir)
		if err != nil {
			return err
		}
		o.spill = f
	} else if err := o.spill.Clear(); err != nil {
		return err
	}
	if err := o.spill.Write(payload); err != nil {
		return err
	}
	if !o.spilt {
		o.inline = buffer.New(0) // release inline storage, now unused
		o.spilt = true
	}
	return nil
}

// Close releases any spill file backing this object. Called by the bucket
// when an object is removed (expired, evicted, flushed or deleted).
func (o *Object) Close() error {
	if o.spill != nil {
		return o.spill.Close()
	}
	return nil
}

// HintDropCache is invoked by GC once an object's age reaches
// FlushCacheAge. It is a no-op on every platform: no page-cache hint is
// issued for spilled payloads, and they may stay in kernel page cache.
func (o *Object) HintDropCache() {}

// NumericValue parses the inline payload as base-10 ASCII, per spec.md
// §4.8.5 Incr/Decr ("require numeric ASCII content in inline storage").
// A spilled object is never numeric in practice (an ASCII uint64 fits
// comfortably under any sane heap_data_limit) but is rejected explicitly
// for clarity rather than silently reading the whole spill file.
func (o *Object) NumericValue() (uint64, bool) {
	if o.spilt {
		return 0, false
	}
	s := string(o.inline.Bytes())
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}

// SetNumericValue overwrites the inline payload with the base-10 ASCII
// rendering of v, bumping CAS.
func (o *Object) SetNumericValue(v uint64) {
	o.inline.Reset()
	o.inline.Append([]byte(strconv.FormatUint(v, 10)))
	o.spilt = false
	o.cas++
	o.Touch()
}

// String is for debugging/logging only.
func (o *Object) String() string {
	return fmt.Sprintf("Object{flags=%d exptime=%d cas=%d age=%d locked=%v size=%d}",
		o.flags, o.exptime, o.cas, o.age, o.Locked(), o.Size())
}

// ResolveExptime converts a client-supplied exptime into an absolute Unix
// timestamp, per spec.md §4.8.2: 0 means never, values <= 30 days are a
// delta from now, larger values are already absolute.
func ResolveExptime(now time.Time, exptime int64) int64 {
	const thirtyDays = 60 * 60 * 24 * 30
	if exptime == 0 {
		return 0
	}
	if exptime <= thirtyDays {
		return now.Unix() + exptime
	}
	return exptime
}
