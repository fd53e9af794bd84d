// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package counter

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aristanetworks/kvstored/internal/wire"
)

// Opcode identifies a counter protocol command (spec.md §4.11).
type Opcode uint8

// Opcodes. The spec names the command set (Noop, Get, Acquire, Release,
// Stats, Dump) but not their wire values; this repo is the canonical source
// for the numbering, kept stable once picked.
const (
	OpNoop Opcode = iota
	OpGet
	OpAcquire
	OpRelease
	OpStats
	OpDump
)

// Magic bytes distinguish request/response framing.
const (
	MagicRequest  = 0x90
	MagicResponse = 0x91
)

// HeaderLen is the fixed 12-byte header size (spec.md §4.11).
const HeaderLen = 12

// MaxBodyLen mirrors the memcache dialect's 30MiB request ceiling
// (spec.md §4.8.1), applied here too since nothing in §4.11 exempts it.
const MaxBodyLen = 30 * 1024 * 1024

// Header is the 12-byte counter protocol frame header:
// magic(1) opcode(1) flags(1) reserved(1) body_len(4 BE) opaque(4 BE).
type Header struct {
	Magic   byte
	Opcode  Opcode
	Flags   byte
	BodyLen uint32
	Opaque  uint32
}

// Encode writes the header to b, which must be at least HeaderLen bytes.
func (h Header) Encode(b []byte) {
	b[0] = h.Magic
	b[1] = byte(h.Opcode)
	b[2] = h.Flags
	b[3] = 0
	binary.BigEndian.PutUint32(b[4:8], h.BodyLen)
	binary.BigEndian.PutUint32(b[8:12], h.Opaque)
}

// DecodeHeader parses a 12-byte header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("counter: short header (%d bytes)", len(b))
	}
	h := Header{
		Magic:   b[0],
		Opcode:  Opcode(b[1]),
		Flags:   b[2],
		BodyLen: binary.BigEndian.Uint32(b[4:8]),
		Opaque:  binary.BigEndian.Uint32(b[8:12]),
	}
	if h.Magic != MagicRequest && h.Magic != MagicResponse {
		return Header{}, fmt.Errorf("counter: bad magic 0x%02x", h.Magic)
	}
	if h.BodyLen > MaxBodyLen {
		return Header{}, fmt.Errorf("counter: body too large (%d bytes)", h.BodyLen)
	}
	return h, nil
}

// ReadFrame reads one full request frame (header + body) from r.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return Header{}, nil, err
	}
	h, err := DecodeHeader(hb[:])
	if err != nil {
		return Header{}, nil, err
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, nil, err
	}
	return h, body, nil
}

// WriteResponse writes a response frame with the given status folded into
// Flags (byte 0 of flags is the wire.Status), matching opaque from the
// request it answers.
func WriteResponse(w io.Writer, opcode Opcode, opaque uint32, status wire.Status, body []byte) error {
	h := Header{
		Magic:   MagicResponse,
		Opcode:  opcode,
		Flags:   byte(status),
		BodyLen: uint32(len(body)),
		Opaque:  opaque,
	}
	buf := make([]byte, HeaderLen+len(body))
	h.Encode(buf)
	copy(buf[HeaderLen:], body)
	_, err := w.Write(buf)
	return err
}

// Status extracts the wire.Status a response frame carries in Flags.
func (h Header) Status() wire.Status { return wire.Status(h.Flags) }
