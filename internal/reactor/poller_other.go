// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

//go:build !linux

package reactor

import "errors"

// errUnsupported is returned on platforms without epoll. The reactor's
// edge-triggered design (spec.md §4.4) is specified in terms of epoll;
// ports to kqueue-based platforms would add a sibling poller_darwin.go/
// poller_bsd.go implementing the same poller interface, mirroring the
// teacher's netns_linux.go/netns_other.go split.
var errUnsupported = errors.New("reactor: epoll is only available on linux")

type noopPoller struct{}

func newPoller() (poller, error) {
	return nil, errUnsupported
}

func (noopPoller) add(fd int, ev Events) error       { return errUnsupported }
func (noopPoller) modify(fd int, ev Events) error    { return errUnsupported }
func (noopPoller) remove(fd int) error               { return errUnsupported }
func (noopPoller) wait(int, []readyFD) ([]readyFD, error) {
	return nil, errUnsupported
}
func (noopPoller) close() error { return nil }
