// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package config loads kvstored's configuration file (spec.md §6): a flat
// "key = value" grammar with "#" comments, optionally quoted values, and
// k/K/m/M/g/G size suffixes on the memory-sized keys. Command-line flags,
// parsed the same way every cmd/ in the teacher repo does with the
// standard flag package, override whatever the file specifies.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable from spec.md §6.
type Config struct {
	VirtualIP      string
	Port           int
	ReplPort       int
	MaxConnections int
	TempDir        string
	User           string
	Group          string

	LogThreshold string
	LogFile      string

	Buckets       int
	MaxDataSize   int64
	HeapDataLimit int64
	MemoryLimit   int64

	Workers    int
	GCInterval time.Duration
}

// Default returns the built-in defaults, overridden by whatever the
// config file and flags supply.
func Default() Config {
	return Config{
		Port:           11211,
		ReplPort:       11213,
		MaxConnections: 1024,
		TempDir:        os.TempDir(),
		LogThreshold:   "INFO",
		Buckets:        65537,
		MaxDataSize:    1 << 20,
		HeapDataLimit:  1 << 16,
		MemoryLimit:    0,
		Workers:        8,
		GCInterval:     60 * time.Second,
	}
}

// Load reads a config file of "key = value" lines into cfg, applied on
// top of whatever cfg already held (typically config.Default()).
func Load(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return parse(f, cfg)
}

func parse(r io.Reader, cfg *Config) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, err := splitKV(line)
		if err != nil {
			return fmt.Errorf("config: line %d: %w", lineNo, err)
		}
		if err := apply(cfg, key, value); err != nil {
			return fmt.Errorf("config: line %d: %w", lineNo, err)
		}
	}
	return scanner.Err()
}

func splitKV(line string) (key, value string, err error) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return "", "", fmt.Errorf("expected 'key = value', got %q", line)
	}
	key = strings.TrimSpace(line[:i])
	value = strings.TrimSpace(line[i+1:])
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = value[1 : len(value)-1]
	}
	return key, value, nil
}

func apply(cfg *Config, key, value string) error {
	switch key {
	case "virtual_ip":
		cfg.VirtualIP = value
	case "port":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Port = v
	case "repl_port":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.ReplPort = v
	case "max_connections":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.MaxConnections = v
	case "temp_dir":
		cfg.TempDir = value
	case "user":
		cfg.User = value
	case "group":
		cfg.Group = value
	case "log.threshold":
		cfg.LogThreshold = value
	case "log.file":
		cfg.LogFile = value
	case "buckets":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Buckets = v
	case "max_data_size":
		v, err := parseSize(value)
		if err != nil {
			return err
		}
		cfg.MaxDataSize = v
	case "heap_data_limit":
		v, err := parseSize(value)
		if err != nil {
			return err
		}
		cfg.HeapDataLimit = v
	case "memory_limit":
		v, err := parseSize(value)
		if err != nil {
			return err
		}
		cfg.MemoryLimit = v
	case "workers":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		if v < 1 || v > 64 {
			return fmt.Errorf("workers must be in [1, 64], got %d", v)
		}
		cfg.Workers = v
	case "gc_interval":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.GCInterval = time.Duration(v) * time.Second
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// parseSize parses a byte count with an optional k/K/m/M/g/G suffix
// (spec.md §6 "sizes take a k/K/m/M/g/G suffix").
func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size value")
	}
	mult := int64(1)
	last := s[len(s)-1]
	switch last {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return v * mult, nil
}
