// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package config

import (
	"flag"
	"fmt"
	"strconv"
	"time"
)

// sizeValue adapts an int64 byte count to flag.Value, accepting the same
// k/K/m/M/g/G suffix grammar as the config file.
type sizeValue int64

func (v *sizeValue) String() string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(int64(*v), 10)
}

func (v *sizeValue) Set(s string) error {
	n, err := parseSize(s)
	if err != nil {
		return err
	}
	*v = sizeValue(n)
	return nil
}

// durationSecondsValue adapts a time.Duration to a flag.Value expressed in
// whole seconds, matching spec.md §6's gc_interval config key.
type durationSecondsValue time.Duration

func (v *durationSecondsValue) String() string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(int(time.Duration(*v) / time.Second))
}

func (v *durationSecondsValue) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid seconds value %q: %w", s, err)
	}
	*v = durationSecondsValue(time.Duration(n) * time.Second)
	return nil
}

// RegisterFlags binds cfg's fields to command-line flags the same way
// every cmd/ in the teacher repo registers its Config struct with
// flag.StringVar/IntVar, so flags passed on the command line override
// whatever the config file set. Call fs.Parse afterward.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.VirtualIP, "virtual_ip", cfg.VirtualIP, "Virtual IP this instance serves as master for")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen for client connections on")
	fs.IntVar(&cfg.ReplPort, "repl_port", cfg.ReplPort, "TCP port to listen for replication slave connections on")
	fs.IntVar(&cfg.MaxConnections, "max_connections", cfg.MaxConnections, "Maximum concurrent client connections")
	fs.StringVar(&cfg.TempDir, "temp_dir", cfg.TempDir, "Directory for spilled object payloads")
	fs.StringVar(&cfg.User, "user", cfg.User, "User to drop privileges to after binding")
	fs.StringVar(&cfg.Group, "group", cfg.Group, "Group to drop privileges to after binding")
	fs.StringVar(&cfg.LogThreshold, "log.threshold", cfg.LogThreshold, "Minimum log severity")
	fs.StringVar(&cfg.LogFile, "log.file", cfg.LogFile, "Log file path, empty for stderr")
	fs.IntVar(&cfg.Buckets, "buckets", cfg.Buckets, "Number of hash table buckets")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of worker pool goroutines (1-64)")

	fs.Var((*sizeValue)(&cfg.MaxDataSize), "max_data_size", "Maximum value size, e.g. 1m")
	fs.Var((*sizeValue)(&cfg.HeapDataLimit), "heap_data_limit", "Inline-vs-spill threshold, e.g. 64k")
	fs.Var((*sizeValue)(&cfg.MemoryLimit), "memory_limit", "Total memory budget before eviction kicks in, 0 for unlimited")
	fs.Var((*durationSecondsValue)(&cfg.GCInterval), "gc_interval", "Seconds between GC sweeps")
}
