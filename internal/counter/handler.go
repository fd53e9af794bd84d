// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package counter

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aristanetworks/kvstored/internal/conn"
	"github.com/aristanetworks/kvstored/internal/stats"
	"github.com/aristanetworks/kvstored/internal/wire"
)

// Handler dispatches decoded counter frames against a Store.
type Handler struct {
	Store *Store
	Stats *stats.Stats
}

func decodeName(body []byte, nameLenOff int) ([]byte, error) {
	if len(body) < nameLenOff+2 {
		return nil, fmt.Errorf("counter: short body")
	}
	nameLen := int(binary.BigEndian.Uint16(body[nameLenOff : nameLenOff+2]))
	if len(body) < nameLenOff+2+nameLen {
		return nil, fmt.Errorf("counter: name truncated")
	}
	return body[nameLenOff+2 : nameLenOff+2+nameLen], nil
}

// Handle decodes and executes one request frame, writing its response(s) to w.
func (h *Handler) Handle(w io.Writer, id conn.ID, req Header, body []byte) error {
	switch req.Opcode {
	case OpNoop:
		return WriteResponse(w, OpNoop, req.Opaque, wire.OK, nil)

	case OpGet:
		name, err := decodeName(body, 0)
		if err != nil {
			return WriteResponse(w, OpGet, req.Opaque, wire.Invalid, nil)
		}
		consumption, max, found := h.Store.Get(name)
		if !found {
			return WriteResponse(w, OpGet, req.Opaque, wire.NotFound, nil)
		}
		resp := make([]byte, 8)
		binary.BigEndian.PutUint32(resp[0:4], consumption)
		binary.BigEndian.PutUint32(resp[4:8], max)
		return WriteResponse(w, OpGet, req.Opaque, wire.OK, resp)

	case OpAcquire:
		if len(body) < 8 {
			return WriteResponse(w, OpAcquire, req.Opaque, wire.Invalid, nil)
		}
		resources := binary.BigEndian.Uint32(body[0:4])
		max := binary.BigEndian.Uint32(body[4:8])
		name, err := decodeName(body, 8)
		if err != nil {
			return WriteResponse(w, OpAcquire, req.Opaque, wire.Invalid, nil)
		}
		h.Stats.CounterAcq.Add(1)
		if !h.Store.Acquire(name, resources, max, id) {
			h.Stats.CounterDenied.Add(1)
			return WriteResponse(w, OpAcquire, req.Opaque, wire.ResourceNotAvailable, nil)
		}
		return WriteResponse(w, OpAcquire, req.Opaque, wire.OK, nil)

	case OpRelease:
		if len(body) < 4 {
			return WriteResponse(w, OpRelease, req.Opaque, wire.Invalid, nil)
		}
		resources := binary.BigEndian.Uint32(body[0:4])
		name, err := decodeName(body, 4)
		if err != nil {
			return WriteResponse(w, OpRelease, req.Opaque, wire.Invalid, nil)
		}
		h.Stats.CounterRel.Add(1)
		if !h.Store.Release(name, resources, id) {
			return WriteResponse(w, OpRelease, req.Opaque, wire.NotAcquired, nil)
		}
		return WriteResponse(w, OpRelease, req.Opaque, wire.OK, nil)

	case OpStats:
		return WriteResponse(w, OpStats, req.Opaque, wire.OK, h.statsBody())

	case OpDump:
		for _, e := range h.Store.Dump() {
			body := make([]byte, 8+len(e.Name))
			binary.BigEndian.PutUint32(body[0:4], e.Consumption)
			binary.BigEndian.PutUint32(body[4:8], e.Max)
			copy(body[8:], e.Name)
			if err := WriteResponse(w, OpDump, req.Opaque, wire.OK, body); err != nil {
				return err
			}
		}
		// Terminator: Status==OK && body_length==0, preserved exactly per
		// spec.md §9 open question.
		return WriteResponse(w, OpDump, req.Opaque, wire.OK, nil)

	default:
		return WriteResponse(w, req.Opcode, req.Opaque, wire.UnknownCommand, nil)
	}
}

func (h *Handler) statsBody() []byte {
	snap := h.Stats.Snapshot()
	return []byte(fmt.Sprintf("acquires:%d\nreleases:%d\ndenied:%d\n",
		snap.CounterAcq, snap.CounterRel, snap.CounterDenied))
}
