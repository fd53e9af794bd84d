// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package memcache

import (
	"bytes"
	"strconv"

	"github.com/aristanetworks/kvstored/internal/wire"
)

// TextCommand is one decoded line-delimited request (spec.md §4.8.2).
type TextCommand struct {
	Verb    string
	Args    []string
	Data    []byte // the data block for set/add/replace/append/prepend/cas
	NoReply bool
}

var crlf = []byte("\r\n")

// dataCommands require a trailing "bytes CRLF data CRLF" block.
var dataCommands = map[string]bool{
	"set": true, "add": true, "replace": true,
	"append": true, "prepend": true, "cas": true,
}

// DecodeText attempts to decode one complete text command from buf. It
// returns consumed == 0 (and a nil error) when buf does not yet hold a
// complete command -- the caller should wait for more data, exactly
// mirroring the binary decoder's "0 means need more" contract
// (spec.md §4.8.1).
func DecodeText(buf []byte) (cmd TextCommand, consumed int, err error) {
	eol := bytes.Index(buf, crlf)
	if eol < 0 {
		if len(buf) > MaxRequestLength {
			return TextCommand{}, 0, wire.New(wire.Invalid, "request line too long")
		}
		return TextCommand{}, 0, nil
	}
	line := buf[:eol]
	lineLen := eol + len(crlf)

	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return TextCommand{}, lineLen, wire.New(wire.UnknownCommand, "empty command")
	}
	verb := string(fields[0])
	args := make([]string, len(fields)-1)
	for i, f := range fields[1:] {
		args[i] = string(f)
	}

	if !dataCommands[verb] {
		cmd = TextCommand{Verb: verb, Args: args}
		if n := len(args); n > 0 && args[n-1] == "noreply" {
			cmd.NoReply = true
			cmd.Args = args[:n-1]
		}
		return cmd, lineLen, nil
	}

	// Storage commands: key flags exptime bytes [cas_unique] [noreply],
	// then bytes+CRLF of data. cas carries the extra cas_unique token
	// between bytes and noreply.
	minArgs := 4
	if verb == "cas" {
		minArgs = 5
	}
	if len(args) < minArgs {
		return TextCommand{}, lineLen, wire.New(wire.Invalid, "bad command line format")
	}
	noreply := len(args) == minArgs+1 && args[minArgs] == "noreply"
	if len(args) != minArgs && !noreply {
		return TextCommand{}, lineLen, wire.New(wire.Invalid, "bad command line format")
	}
	nbytes, perr := strconv.Atoi(args[3])
	if perr != nil || nbytes < 0 {
		return TextCommand{}, lineLen, wire.New(wire.Invalid, "bad byte count")
	}
	if nbytes > MaxRequestLength {
		return TextCommand{}, lineLen, wire.New(wire.TooLargeValue, "value too large")
	}

	need := lineLen + nbytes + len(crlf)
	if len(buf) < need {
		if need > MaxRequestLength {
			return TextCommand{}, 0, wire.New(wire.Invalid, "request too long")
		}
		return TextCommand{}, 0, nil
	}
	data := buf[lineLen : lineLen+nbytes]
	trailer := buf[lineLen+nbytes : need]
	if !bytes.Equal(trailer, crlf) {
		return TextCommand{}, need, wire.New(wire.Invalid, "data block not CRLF terminated")
	}

	return TextCommand{
		Verb:    verb,
		Args:    args[:minArgs],
		Data:    append([]byte(nil), data...),
		NoReply: noreply,
	}, need, nil
}

// Fixed text reply lines, spec.md §4.8.4.
var (
	replyStored    = []byte("STORED\r\n")
	replyNotStored = []byte("NOT_STORED\r\n")
	replyExists    = []byte("EXISTS\r\n")
	replyNotFound  = []byte("NOT_FOUND\r\n")
	replyDeleted   = []byte("DELETED\r\n")
	replyTouched   = []byte("TOUCHED\r\n")
	replyEnd       = []byte("END\r\n")
	replyLocked    = []byte("LOCKED\r\n")
	replyNotLocked = []byte("NOT_LOCKED\r\n")
	replyOK        = []byte("OK\r\n")
	replyError     = []byte("ERROR\r\n")
)

func clientError(msg string) []byte {
	return []byte("CLIENT_ERROR " + msg + "\r\n")
}

func serverError(msg string) []byte {
	return []byte("SERVER_ERROR " + msg + "\r\n")
}

// storageReply renders the fixed reply line for a Set/Add/Replace/Cas
// outcome.
func storageReply(st wire.Status) []byte {
	switch st {
	case wire.OK:
		return replyStored
	case wire.NotStored:
		return replyNotStored
	case wire.Exists:
		return replyExists
	case wire.NotFound:
		return replyNotFound
	case wire.Locked:
		return replyLocked
	case wire.TooLargeValue:
		return serverError("object too large for cache")
	case wire.OutOfMemory:
		return serverError("out of memory storing object")
	default:
		return clientError("bad command line format")
	}
}
