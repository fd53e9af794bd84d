// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1024", 1024},
		{"1k", 1 << 10},
		{"1K", 1 << 10},
		{"4m", 4 << 20},
		{"2g", 2 << 30},
	}
	for _, c := range cases {
		got, err := parseSize(c.in)
		if err != nil {
			t.Fatalf("parseSize(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("parseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1x"} {
		if _, err := parseSize(in); err == nil {
			t.Errorf("parseSize(%q): expected error", in)
		}
	}
}

func TestParseFile(t *testing.T) {
	file := strings.NewReader(`
# a comment
virtual_ip = eth0/10.0.0.5
port = 12000
max_data_size = 2m
log.file = "/var/log/kvstored.log"
workers = 4
gc_interval = 30
`)
	cfg := Default()
	if err := parse(file, &cfg); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.VirtualIP != "eth0/10.0.0.5" {
		t.Errorf("VirtualIP = %q", cfg.VirtualIP)
	}
	if cfg.Port != 12000 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.MaxDataSize != 2<<20 {
		t.Errorf("MaxDataSize = %d", cfg.MaxDataSize)
	}
	if cfg.LogFile != "/var/log/kvstored.log" {
		t.Errorf("LogFile = %q, want unquoted path", cfg.LogFile)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d", cfg.Workers)
	}
	if cfg.GCInterval != 30*time.Second {
		t.Errorf("GCInterval = %v", cfg.GCInterval)
	}
}

func TestParseRejectsUnknownKey(t *testing.T) {
	cfg := Default()
	if err := parse(strings.NewReader("bogus = 1"), &cfg); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParseRejectsWorkersOutOfRange(t *testing.T) {
	cfg := Default()
	if err := parse(strings.NewReader("workers = 100"), &cfg); err == nil {
		t.Fatal("expected error for workers out of [1,64] range")
	}
}

func TestParseRejectsMalformedLine(t *testing.T) {
	cfg := Default()
	if err := parse(strings.NewReader("not_a_kv_line"), &cfg); err == nil {
		t.Fatal("expected error for line without '='")
	}
}
