// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package vip

import "testing"

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in        string
		wantIface string
		wantAddr  string
		wantErr   bool
	}{
		{"10.0.0.5", "", "10.0.0.5", false},
		{"eth0/10.0.0.5", "eth0", "10.0.0.5", false},
		{"a/b/c", "", "", true},
	}
	for _, c := range cases {
		iface, addr, err := ParseAddress(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseAddress(%q) err = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if iface != c.wantIface || addr != c.wantAddr {
			t.Errorf("ParseAddress(%q) = (%q, %q), want (%q, %q)", c.in, iface, addr, c.wantIface, c.wantAddr)
		}
	}
}

func TestCheckerPresentLoopback(t *testing.T) {
	c, err := NewChecker("127.0.0.1")
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	present, err := c.Present()
	if err != nil {
		t.Fatalf("Present: %v", err)
	}
	if !present {
		t.Error("expected 127.0.0.1 to be present on the loopback interface")
	}
}

func TestCheckerAbsent(t *testing.T) {
	c, err := NewChecker("203.0.113.1") // TEST-NET-3, never locally assigned
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	present, err := c.Present()
	if err != nil {
		t.Fatalf("Present: %v", err)
	}
	if present {
		t.Error("expected 203.0.113.1 to be absent")
	}
}

func TestNewCheckerInvalidAddress(t *testing.T) {
	if _, err := NewChecker("not-an-address"); err == nil {
		t.Fatal("expected error for invalid address")
	}
}
