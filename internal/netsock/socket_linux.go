// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

//go:build linux

package netsock

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Listener is a non-blocking TCP listening socket, accepted connections
// from which are handed to the reactor as netsock.Conn resources.
type Listener struct {
	fd   int
	addr string
}

// Listen creates and binds a non-blocking IPv4 TCP listener on address
// (host:port). Accept enables keepalive on every accepted connection.
func Listen(address string) (*Listener, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("netsock: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("netsock: invalid port %q: %w", portStr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("netsock: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netsock: setsockopt(SO_REUSEADDR): %w", err)
	}

	var addr4 [4]byte
	if host != "" && host != "0.0.0.0" {
		ip := net.ParseIP(host)
		if ip == nil {
			unix.Close(fd)
			return nil, fmt.Errorf("netsock: invalid address %q", host)
		}
		copy(addr4[:], ip.To4())
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: addr4}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netsock: bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netsock: listen: %w", err)
	}

	return &Listener{fd: fd, addr: address}, nil
}

// Fd implements reactor.Resource.
func (l *Listener) Fd() int { return l.fd }

// Addr returns the listener's bound address.
func (l *Listener) Addr() string { return l.addr }

// Accept accepts one pending connection as a non-blocking, CLOEXEC fd and
// applies the standard connection socket options. Returns ErrWouldBlock
// if the edge-triggered listener has no pending connection (the caller
// should loop Accept until it sees that, per spec.md §4.4's ET
// "drain until EAGAIN" rule).
func (l *Listener) Accept() (*Conn, error) {
	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("netsock: accept: %w", err)
	}

	if err := SetNoDelay(nfd, true); err != nil {
		unix.Close(nfd)
		return nil, err
	}
	if err := SetKeepAlive(nfd, true); err != nil {
		unix.Close(nfd)
		return nil, err
	}

	remote := "unknown"
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		ip := net.IP(in4.Addr[:])
		remote = net.JoinHostPort(ip.String(), strconv.Itoa(in4.Port))
	}
	return NewConn(nfd, remote), nil
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

// SetNoDelay toggles TCP_NODELAY (Nagle's algorithm off), used on every
// accepted connection so small memcache responses aren't delayed.
func SetNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v); err != nil {
		return fmt.Errorf("netsock: setsockopt(TCP_NODELAY): %w", err)
	}
	return nil
}

// SetKeepAlive toggles SO_KEEPALIVE, used on every accepted client
// connection. Replication links use net.Conn and do not go through it.
func SetKeepAlive(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v); err != nil {
		return fmt.Errorf("netsock: setsockopt(SO_KEEPALIVE): %w", err)
	}
	return nil
}

// SetCork toggles TCP_CORK: while on, the kernel holds back partial
// segments so a multi-part response (header then value) goes out as one
// packet where possible; the caller uncorks after queuing the last part.
func SetCork(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_CORK, v); err != nil {
		return fmt.Errorf("netsock: setsockopt(TCP_CORK): %w", err)
	}
	return nil
}
