// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package vip detects whether a configured virtual IP is currently
// present on any local interface, the signal spec.md §4.3/§4.9 uses to
// decide whether this process is acting as master or slave.
package vip

import (
	"fmt"
	"net"
	"strings"
)

// ParseAddress splits a "virtual_ip" config value of the form
// [<iface-name>/]address into an optional interface name and the bare
// address, the same [<vrf-name>/]address convention the teacher's netns
// package uses for its listen addresses.
func ParseAddress(address string) (ifaceName string, addr string, err error) {
	split := strings.Split(address, "/")
	switch len(split) {
	case 1:
		addr = split[0]
	case 2:
		ifaceName, addr = split[0], split[1]
	default:
		err = fmt.Errorf("vip: could not parse <iface-name>/address out of %q", address)
	}
	return
}

// Checker reports whether the configured VIP is currently bound locally.
// A Checker is safe for concurrent use.
type Checker struct {
	ifaceName string
	ip        net.IP
}

// NewChecker builds a Checker for address, a virtual_ip config value.
func NewChecker(address string) (*Checker, error) {
	ifaceName, addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		// Allow a bare host:port form by stripping the port.
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr != nil {
			return nil, fmt.Errorf("vip: invalid address %q", addr)
		}
		ip = net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("vip: invalid address %q", host)
		}
	}
	return &Checker{ifaceName: ifaceName, ip: ip}, nil
}

// Present reports whether the VIP is currently assigned to a local
// interface (spec.md §4.3 "master iff the VIP is locally present").
func (c *Checker) Present() (bool, error) {
	if c.ifaceName != "" {
		iface, err := net.InterfaceByName(c.ifaceName)
		if err != nil {
			return false, nil // interface gone is "not present", not fatal
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return false, err
		}
		return c.hasIP(addrs), nil
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false, err
	}
	return c.hasIP(addrs), nil
}

func (c *Checker) hasIP(addrs []net.Addr) bool {
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.Equal(c.ip) {
			return true
		}
	}
	return false
}

// String returns the address this Checker was built for, for logging.
func (c *Checker) String() string {
	if c.ifaceName != "" {
		return c.ifaceName + "/" + c.ip.String()
	}
	return c.ip.String()
}
