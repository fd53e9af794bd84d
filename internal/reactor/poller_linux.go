// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

//go:build linux

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	fd int
}

func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &epollPoller{fd: fd}, nil
}

func toEpollEvents(ev Events) uint32 {
	var e uint32 = unix.EPOLLET
	if ev&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if ev&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func (p *epollPoller) add(fd int, ev Events) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: toEpollEvents(ev),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) modify(fd int, ev Events) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: toEpollEvents(ev),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) remove(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) wait(timeoutMS int, dst []readyFD) ([]readyFD, error) {
	var raw [256]unix.EpollEvent
	n, err := unix.EpollWait(p.fd, raw[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		e := raw[i]
		dst = append(dst, readyFD{
			fd:       int(e.Fd),
			readable: e.Events&unix.EPOLLIN != 0,
			writable: e.Events&unix.EPOLLOUT != 0,
			hup:      e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			er:       e.Events&unix.EPOLLERR != 0,
		})
	}
	return dst, nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.fd)
}
