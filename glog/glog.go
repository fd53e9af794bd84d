// Copyright (c) 2021 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package glog

import (
	"sync/atomic"

	"github.com/aristanetworks/glog"
)

// Glog is a type that allows to pass glog as a logger, implementing logger.Logger;
// its only state is the verbosity level used by Info/Infof
type Glog struct {
	// default value of glog.Level is 0
	level atomic.Int32
}

// Info logs at the info level
func (g *Glog) Info(args ...interface{}) {
	glog.V(glog.Level(g.level.Load())).Info(args...)
}

// Infof logs at the info level, with format
func (g *Glog) Infof(format string, args ...interface{}) {
	glog.V(glog.Level(g.level.Load())).Infof(format, args...)
}

// SetVerbosity implements logger.VerbositySetter, changing the level that
// Info/Infof log at. Nothing in the server calls it: the memcache
// `verbosity` text command replies OK without changing the level.
func (g *Glog) SetVerbosity(level int) {
	g.level.Store(int32(level))
}

// Error logs at the error level
func (g *Glog) Error(args ...interface{}) {
	glog.Error(args...)
}

// Errorf logs at the error level, with format
func (g *Glog) Errorf(format string, args ...interface{}) {
	glog.Errorf(format, args...)
}

// Fatal logs at the fatal level
func (g *Glog) Fatal(args ...interface{}) {
	glog.Fatal(args...)
}

// Fatalf logs at the fatal level, with format
func (g *Glog) Fatalf(format string, args ...interface{}) {
	glog.Fatalf(format, args...)
}
