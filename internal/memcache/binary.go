// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package memcache

import (
	"encoding/binary"

	"github.com/aristanetworks/kvstored/internal/wire"
)

// HeaderLen is the fixed binary protocol header size (spec.md §4.8.3).
const HeaderLen = 24

// ReqMagic/RespMagic are the first header byte selecting request vs.
// response framing. Any other first byte selects the text dialect
// (spec.md §4.8.1).
const (
	ReqMagic  = 0x80
	RespMagic = 0x81
)

// Opcode identifies a binary command. The 0x00-0x1e range matches classic
// memcached's binary protocol numbering for interoperability; 0x40-0x4b is
// this server's lock/unlock/LaG/RaU extension family, per spec.md §4.8.3
// ("opcodes 0x40-0x4b for lock/unlock/LaG/RaU families").
type Opcode uint8

const (
	OpGet        Opcode = 0x00
	OpSetBin     Opcode = 0x01
	OpAddBin     Opcode = 0x02
	OpReplaceBin Opcode = 0x03
	OpDelete     Opcode = 0x04
	OpIncrement  Opcode = 0x05
	OpDecrement  Opcode = 0x06
	OpQuit       Opcode = 0x07
	OpFlush      Opcode = 0x08
	OpGetQ       Opcode = 0x09
	OpNoop       Opcode = 0x0a
	OpVersion    Opcode = 0x0b
	OpGetK       Opcode = 0x0c
	OpGetKQ      Opcode = 0x0d
	OpAppend     Opcode = 0x0e
	OpPrepend    Opcode = 0x0f
	OpStat       Opcode = 0x10
	OpSetQ       Opcode = 0x11
	OpAddQ       Opcode = 0x12
	OpReplaceQ   Opcode = 0x13
	OpDeleteQ    Opcode = 0x14
	OpIncrementQ Opcode = 0x15
	OpDecrementQ Opcode = 0x16
	OpQuitQ      Opcode = 0x17
	OpFlushQ     Opcode = 0x18
	OpAppendQ    Opcode = 0x19
	OpPrependQ   Opcode = 0x1a
	OpVerbosity  Opcode = 0x1b
	OpTouch      Opcode = 0x1c
	OpGAT        Opcode = 0x1d
	OpGATQ       Opcode = 0x1e
	OpGATK       Opcode = 0x23
	OpGATKQ      Opcode = 0x24

	OpLock      Opcode = 0x40
	OpUnlock    Opcode = 0x41
	OpUnlockAll Opcode = 0x42
	OpLaG       Opcode = 0x43
	OpLaGK      Opcode = 0x44
	OpLaGQ      Opcode = 0x45
	OpLaGKQ     Opcode = 0x46
	OpRaU       Opcode = 0x47
	OpRaUQ      Opcode = 0x48
)

// isQuiet reports whether opcode is a quiet variant (spec.md §4.8.3:
// "opcodes with low bit set across a known range" suppress success
// responses).
func isQuiet(op Opcode) bool {
	switch op {
	case OpGetQ, OpSetQ, OpAddQ, OpReplaceQ, OpDeleteQ, OpIncrementQ, OpDecrementQ,
		OpQuitQ, OpFlushQ, OpAppendQ, OpPrependQ, OpGATQ, OpGATKQ, OpLaGQ, OpLaGKQ, OpRaUQ:
		return true
	default:
		return false
	}
}

// includesKey reports whether opcode's success response echoes the key
// (the *K variants: GetK/GetKQ/GATK/GATKQ/LaGK/LaGKQ).
func includesKey(op Opcode) bool {
	switch op {
	case OpGetK, OpGetKQ, OpGATK, OpGATKQ, OpLaGK, OpLaGKQ:
		return true
	default:
		return false
	}
}

// Header is the decoded fixed 24-byte binary protocol header.
type Header struct {
	Opcode    Opcode
	KeyLen    uint16
	ExtrasLen uint8
	Status    uint16 // reserved (0) on request, wire.Status on response
	BodyLen   uint32
	Opaque    uint32
	CAS       uint64
}

// BinaryRequest is one fully decoded binary frame (header plus its three
// body segments, per spec.md §4.8.3 "Body = extras || key || value").
type BinaryRequest struct {
	Header
	Extras []byte
	Key    []byte
	Value  []byte
}

// DecodeBinary attempts to decode one complete binary frame from buf.
// consumed == 0 with a nil error means "need more data" (spec.md §4.8.1).
func DecodeBinary(buf []byte) (req BinaryRequest, consumed int, err error) {
	if len(buf) < HeaderLen {
		return BinaryRequest{}, 0, nil
	}
	if buf[0] != ReqMagic {
		return BinaryRequest{}, 0, wire.New(wire.Invalid, "bad request magic")
	}
	h := Header{
		Opcode:    Opcode(buf[1]),
		KeyLen:    binary.BigEndian.Uint16(buf[2:4]),
		ExtrasLen: buf[4],
		Status:    binary.BigEndian.Uint16(buf[6:8]),
		BodyLen:   binary.BigEndian.Uint32(buf[8:12]),
		Opaque:    binary.BigEndian.Uint32(buf[12:16]),
		CAS:       binary.BigEndian.Uint64(buf[16:24]),
	}
	if h.BodyLen > MaxRequestLength {
		return BinaryRequest{}, HeaderLen, wire.New(wire.TooLargeValue, "binary body too large")
	}
	if int(h.ExtrasLen)+int(h.KeyLen) > int(h.BodyLen) {
		return BinaryRequest{}, HeaderLen, wire.New(wire.Invalid, "extras/key exceed body length")
	}
	need := HeaderLen + int(h.BodyLen)
	if len(buf) < need {
		return BinaryRequest{}, 0, nil
	}

	body := buf[HeaderLen:need]
	extras := body[:h.ExtrasLen]
	key := body[h.ExtrasLen : int(h.ExtrasLen)+int(h.KeyLen)]
	value := body[int(h.ExtrasLen)+int(h.KeyLen):]

	return BinaryRequest{
		Header: h,
		Extras: append([]byte(nil), extras...),
		Key:    append([]byte(nil), key...),
		Value:  append([]byte(nil), value...),
	}, need, nil
}

// EncodeRequest renders a binary request frame (ReqMagic), used outside
// the client protocol path to build the SetQ/DeleteQ frames replication
// fans out to slaves over the same wire format (spec.md §4.9).
func EncodeRequest(op Opcode, opaque uint32, cas uint64, extras, key, value []byte) []byte {
	bodyLen := len(extras) + len(key) + len(value)
	buf := make([]byte, HeaderLen+bodyLen)
	buf[0] = ReqMagic
	buf[1] = byte(op)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(key)))
	buf[4] = byte(len(extras))
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[12:16], opaque)
	binary.BigEndian.PutUint64(buf[16:24], cas)
	n := HeaderLen
	n += copy(buf[n:], extras)
	n += copy(buf[n:], key)
	copy(buf[n:], value)
	return buf
}

// EncodeResponse renders a binary response frame: header with status,
// followed by extras || key || value.
func EncodeResponse(op Opcode, opaque uint32, cas uint64, status wire.Status, extras, key, value []byte) []byte {
	bodyLen := len(extras) + len(key) + len(value)
	buf := make([]byte, HeaderLen+bodyLen)
	buf[0] = RespMagic
	buf[1] = byte(op)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(key)))
	buf[4] = byte(len(extras))
	binary.BigEndian.PutUint16(buf[6:8], uint16(status))
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[12:16], opaque)
	binary.BigEndian.PutUint64(buf[16:24], cas)
	n := HeaderLen
	n += copy(buf[n:], extras)
	n += copy(buf[n:], key)
	copy(buf[n:], value)
	return buf
}
