// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package memcache

import (
	"strconv"
	"strings"

	"github.com/aristanetworks/kvstored/internal/wire"
)

// HandleTextCommand dispatches one decoded text command against store on
// behalf of cs, returning the bytes to write back (nil for a suppressed
// noreply response, and for quit). quit reports whether the connection
// should be closed after this response drains.
func HandleTextCommand(store *Store, cs *ConnState, cmd TextCommand) (resp []byte, quit bool) {
	switch cmd.Verb {
	case "set", "add", "replace":
		return textStore(store, cs, cmd, 0), false
	case "cas":
		return textCas(store, cs, cmd), false
	case "append", "prepend":
		return textAppendPrepend(store, cs, cmd), false
	case "get", "gets":
		return textGet(store, cmd), false
	case "delete":
		return textDelete(store, cs, cmd), false
	case "incr", "decr":
		return textIncrDecr(store, cs, cmd), false
	case "touch":
		return textTouch(store, cs, cmd), false
	case "lock":
		return textLock(store, cs, cmd), false
	case "unlock":
		return textUnlock(store, cs, cmd), false
	case "unlock_all":
		return textUnlockAll(store, cs, cmd), false
	case "flush_all":
		return textFlushAll(store, cmd), false
	case "stats":
		return textStats(store, cmd), false
	case "version":
		return reply(cmd, []byte("VERSION 1.0.0-kvstored\r\n")), false
	case "verbosity":
		return reply(cmd, replyOK), false
	case "slabs":
		return reply(cmd, replyOK), false
	case "quit":
		return nil, true
	default:
		return replyError, false
	}
}

// reply returns b unless the command carried noreply, matching spec.md
// §4.8.2's "trailing noreply suppresses responses for mutation commands."
func reply(cmd TextCommand, b []byte) []byte {
	if cmd.NoReply {
		return nil
	}
	return b
}

func textStore(store *Store, cs *ConnState, cmd TextCommand, casUnique uint64) []byte {
	if len(cmd.Args) != 4 {
		return reply(cmd, clientError("bad command line format"))
	}
	key := cmd.Args[0]
	if len(key) > 250 {
		return reply(cmd, clientError("bad command line format"))
	}
	flags, err1 := strconv.ParseUint(cmd.Args[1], 10, 32)
	exptime, err2 := strconv.ParseInt(cmd.Args[2], 10, 64)
	if err1 != nil || err2 != nil {
		return reply(cmd, clientError("bad command line format"))
	}
	op := OpSet
	switch cmd.Verb {
	case "add":
		op = OpAdd
	case "replace":
		op = OpReplace
	}
	st, _ := store.StoreValue([]byte(key), cs.ID, op, cmd.Data, uint32(flags), exptime, casUnique)
	return reply(cmd, storageReply(st))
}

func textCas(store *Store, cs *ConnState, cmd TextCommand) []byte {
	if len(cmd.Args) != 5 {
		return reply(cmd, clientError("bad command line format"))
	}
	key := cmd.Args[0]
	if len(key) > 250 {
		return reply(cmd, clientError("bad command line format"))
	}
	flags, err1 := strconv.ParseUint(cmd.Args[1], 10, 32)
	exptime, err2 := strconv.ParseInt(cmd.Args[2], 10, 64)
	casUnique, err3 := strconv.ParseUint(cmd.Args[4], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return reply(cmd, clientError("bad command line format"))
	}
	st, _ := store.StoreValue([]byte(key), cs.ID, OpSet, cmd.Data, uint32(flags), exptime, casUnique)
	return reply(cmd, storageReply(st))
}

func textAppendPrepend(store *Store, cs *ConnState, cmd TextCommand) []byte {
	if len(cmd.Args) != 4 {
		return reply(cmd, clientError("bad command line format"))
	}
	st := store.AppendPrepend([]byte(cmd.Args[0]), cs.ID, cmd.Verb == "prepend", cmd.Data)
	return reply(cmd, storageReply(st))
}

func textGet(store *Store, cmd TextCommand) []byte {
	withCAS := cmd.Verb == "gets"
	var sb strings.Builder
	for _, k := range cmd.Args {
		res := store.Get([]byte(k))
		if res.Status != wire.OK {
			continue
		}
		if withCAS {
			sb.WriteString("VALUE " + k + " " + strconv.FormatUint(uint64(res.Flags), 10) + " " +
				strconv.Itoa(len(res.Value)) + " " + strconv.FormatUint(res.CAS, 10) + "\r\n")
		} else {
			sb.WriteString("VALUE " + k + " " + strconv.FormatUint(uint64(res.Flags), 10) + " " +
				strconv.Itoa(len(res.Value)) + "\r\n")
		}
		sb.Write(res.Value)
		sb.WriteString("\r\n")
	}
	sb.WriteString("END\r\n")
	return []byte(sb.String())
}

func textDelete(store *Store, cs *ConnState, cmd TextCommand) []byte {
	if len(cmd.Args) != 1 {
		return reply(cmd, clientError("bad command line format"))
	}
	key := cmd.Args[0]
	st := store.Delete([]byte(key), cs.ID)
	if st == wire.OK {
		cs.ForgetLock([]byte(key))
	}
	switch st {
	case wire.OK:
		return reply(cmd, replyDeleted)
	case wire.Locked:
		return reply(cmd, replyLocked)
	default:
		return reply(cmd, replyNotFound)
	}
}

func textIncrDecr(store *Store, cs *ConnState, cmd TextCommand) []byte {
	if len(cmd.Args) != 2 {
		return reply(cmd, clientError("bad command line format"))
	}
	delta, err := strconv.ParseUint(cmd.Args[1], 10, 64)
	if err != nil {
		return reply(cmd, clientError("invalid numeric delta argument"))
	}
	res := store.IncrDecr([]byte(cmd.Args[0]), cs.ID, delta, cmd.Verb == "decr", false, 0, 0)
	switch res.Status {
	case wire.OK:
		return reply(cmd, []byte(strconv.FormatUint(res.Value, 10)+"\r\n"))
	case wire.NonNumeric:
		return reply(cmd, clientError("cannot increment or decrement non-numeric value"))
	case wire.Locked:
		return reply(cmd, replyLocked)
	default:
		return reply(cmd, replyNotFound)
	}
}

func textTouch(store *Store, cs *ConnState, cmd TextCommand) []byte {
	if len(cmd.Args) != 2 {
		return reply(cmd, clientError("bad command line format"))
	}
	exptime, err := strconv.ParseInt(cmd.Args[1], 10, 64)
	if err != nil {
		return reply(cmd, clientError("invalid exptime argument"))
	}
	res := store.Touch([]byte(cmd.Args[0]), cs.ID, exptime, false)
	switch res.Status {
	case wire.OK:
		return reply(cmd, replyTouched)
	case wire.Locked:
		return reply(cmd, replyLocked)
	default:
		return reply(cmd, replyNotFound)
	}
}

func textLock(store *Store, cs *ConnState, cmd TextCommand) []byte {
	if len(cmd.Args) != 1 {
		return reply(cmd, clientError("bad command line format"))
	}
	key := cmd.Args[0]
	st := store.Lock([]byte(key), cs.ID)
	if st == wire.OK {
		cs.RecordLock([]byte(key))
		return reply(cmd, replyStored)
	}
	if st == wire.Locked {
		return reply(cmd, replyLocked)
	}
	return reply(cmd, replyNotFound)
}

func textUnlock(store *Store, cs *ConnState, cmd TextCommand) []byte {
	if len(cmd.Args) != 1 {
		return reply(cmd, clientError("bad command line format"))
	}
	key := cmd.Args[0]
	st := store.Unlock([]byte(key), cs.ID)
	if st == wire.OK {
		cs.ForgetLock([]byte(key))
		return reply(cmd, replyOK)
	}
	return reply(cmd, replyNotLocked)
}

func textUnlockAll(store *Store, cs *ConnState, cmd TextCommand) []byte {
	for _, k := range cs.LockedKeys() {
		store.UnlockOne(k, cs.ID)
		cs.ForgetLock(k)
	}
	return reply(cmd, replyOK)
}

func textFlushAll(store *Store, cmd TextCommand) []byte {
	delay := int64(0)
	if len(cmd.Args) >= 1 {
		if d, err := strconv.ParseInt(cmd.Args[0], 10, 64); err == nil {
			delay = d
		}
	}
	store.FlushAllAt(delay)
	return reply(cmd, replyOK)
}

func textStats(store *Store, cmd TextCommand) []byte {
	sub := ""
	if len(cmd.Args) > 0 {
		sub = cmd.Args[0]
	}
	return []byte(RenderStats(store, sub))
}
