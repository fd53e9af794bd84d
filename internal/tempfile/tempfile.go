// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package tempfile implements the unlinked-on-create overflow store spec.md
// §4.2 uses for object payloads larger than the configured heap threshold.
//
// As with internal/buffer, no pack library covers "anonymous scratch file"
// semantics narrowly enough to be worth pulling in over the three stdlib
// calls (os.CreateTemp, os.Remove, *os.File) this needs.
package tempfile

import (
	"fmt"
	"io"
	"os"
)

// File is a spilled object payload backed by an unlinked regular file: the
// directory entry is removed immediately after creation, so the space is
// freed automatically when the last descriptor (held by this File) closes.
type File struct {
	f    *os.File
	size int64
}

// New creates a new spill file under dir (the configured temp_dir).
func New(dir string) (*File, error) {
	f, err := os.CreateTemp(dir, "kvstored-spill-*")
	if err != nil {
		return nil, fmt.Errorf("tempfile: create: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("tempfile: unlink: %w", err)
	}
	return &File{f: f}, nil
}

// Write appends b to the file.
func (t *File) Write(b []byte) error {
	n, err := t.f.WriteAt(b, t.size)
	t.size += int64(n)
	if err != nil {
		return fmt.Errorf("tempfile: write: %w", err)
	}
	return nil
}

// Clear truncates the file back to empty, for in-place reuse on the next
// spill (append/prepend never moves an object from spill back to inline,
// but Set on an already-spilled key reuses its File).
func (t *File) Clear() error {
	if err := t.f.Truncate(0); err != nil {
		return fmt.Errorf("tempfile: truncate: %w", err)
	}
	t.size = 0
	return nil
}

// ReadContents appends the file's full contents onto dst and returns the
// resulting slice.
func (t *File) ReadContents(dst []byte) ([]byte, error) {
	buf := make([]byte, t.size)
	if _, err := t.f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("tempfile: read: %w", err)
	}
	return append(dst, buf...), nil
}

// Length reports the current file size in bytes.
func (t *File) Length() int64 { return t.size }

// Close releases the descriptor. Because the directory entry was unlinked
// at creation, this is what actually frees the disk space.
func (t *File) Close() error {
	return t.f.Close()
}
