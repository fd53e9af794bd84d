// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package key implements the hash key used by the bucketed cache and
// counter tables: a byte string plus a 32-bit non-cryptographic
// fingerprint used to pick a bucket.
//
// Grounded on the teacher's key/key.go, which hashes a closed set of Go
// value types (strings, ints, slices, composite maps...) behind a single
// Key interface for use as an OpenConfig path element. This domain only
// ever keys on a client-supplied byte string, so the type lattice
// collapses to one concrete representation; the fingerprint algorithm
// moves from Go's runtime string hash to MurmurHash3 per spec.md §3.
package key

import (
	"github.com/spaolacci/murmur3"
)

// MaxLength is the largest key spec.md §8 allows; longer keys are Invalid.
const MaxLength = 250

// Key is a byte string together with its precomputed fingerprint.
//
// A Key obtained via Borrow aliases the caller's buffer and must not
// outlive the call that produced it; a Key obtained via Own holds a private
// copy and is safe to store indefinitely. The zero value is not a valid Key.
type Key struct {
	b           []byte
	fingerprint uint32
}

// Borrow wraps b without copying it. Use only for transient lookups: the
// returned Key is invalidated the moment b is reused or released.
func Borrow(b []byte) Key {
	return Key{b: b, fingerprint: murmur3.Sum32(b)}
}

// Own copies b so the returned Key can be stored in the table.
func Own(b []byte) Key {
	owned := make([]byte, len(b))
	copy(owned, b)
	return Key{b: owned, fingerprint: murmur3.Sum32(owned)}
}

// Bytes returns the key's bytes. Callers must not modify the returned slice
// when the Key was produced by Own.
func (k Key) Bytes() []byte { return k.b }

// Fingerprint returns the 32-bit hash used to select a bucket.
func (k Key) Fingerprint() uint32 { return k.fingerprint }

// Equal reports whether k and other hold byte-identical keys. Equality is
// byte-exact; the fingerprint is only used to select a bucket, per spec.md §3.
func (k Key) Equal(other Key) bool {
	return k.fingerprint == other.fingerprint && string(k.b) == string(other.b)
}

// String implements fmt.Stringer for logging.
func (k Key) String() string { return string(k.b) }
