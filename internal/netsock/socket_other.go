// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

//go:build !linux

package netsock

import "errors"

// errUnsupported mirrors internal/reactor's platform split: the raw
// socket option set used here (TCP_CORK in particular) is Linux-specific.
// A darwin/bsd port would add a socket_darwin.go using SO_NOSIGPIPE and
// dropping SetCork to a no-op, the same shape as the teacher's
// dscp_unix.go/dscp_other.go split.
var errUnsupported = errors.New("netsock: only supported on linux")

// Listener is declared here only so non-linux builds still type-check;
// Listen and Accept return errUnsupported, Fd returns -1, Addr returns ""
// and Close does nothing.
type Listener struct{}

func Listen(address string) (*Listener, error) { return nil, errUnsupported }

func (l *Listener) Fd() int       { return -1 }
func (l *Listener) Addr() string  { return "" }
func (l *Listener) Accept() (*Conn, error) {
	return nil, errUnsupported
}
func (l *Listener) Close() error { return nil }

func SetNoDelay(fd int, on bool) error   { return errUnsupported }
func SetKeepAlive(fd int, on bool) error { return errUnsupported }
func SetCork(fd int, on bool) error      { return errUnsupported }
