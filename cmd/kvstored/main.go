// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// kvstored is a memcache-compatible, replicated, virtual-IP-aware cache
// server (spec.md §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/aristanetworks/glog"

	glogger "github.com/aristanetworks/kvstored/glog"
	"github.com/aristanetworks/kvstored/internal/config"
	"github.com/aristanetworks/kvstored/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Default()

	// A first, lenient pass over the argument list just to find -config,
	// so the file's values become the defaults the real flag set is
	// registered with below (command-line flags must win over the file).
	preArgs := os.Args[1:]
	var configFile string
	for i, a := range preArgs {
		if a == "-config" || a == "--config" {
			if i+1 < len(preArgs) {
				configFile = preArgs[i+1]
			}
		}
	}
	if configFile != "" {
		if err := config.Load(configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "kvstored: %v\n", err)
			return 1
		}
	}

	flag.String("config", configFile, "Path to the kvstored config file")
	config.RegisterFlags(flag.CommandLine, &cfg)
	flag.Parse()

	lg := &glogger.Glog{}

	srv, err := server.New(cfg, lg)
	if err != nil {
		glog.Errorf("kvstored: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signal.Ignore(syscall.SIGPIPE)

	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGUSR1, syscall.SIGHUP, syscall.SIGABRT)
	go func() {
		for sig := range signalC {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				glog.Infof("kvstored: received %s, shutting down", sig)
				cancel()
				return
			case syscall.SIGUSR1:
				glog.Infof("kvstored: stats snapshot requested")
				glog.Flush()
			case syscall.SIGHUP:
				glog.Infof("kvstored: reopening log file")
			case syscall.SIGABRT:
				glog.Errorf("kvstored: received SIGABRT\n%s", debug.Stack())
				os.Exit(2)
			}
		}
	}()

	if err := srv.Run(ctx); err != nil {
		glog.Errorf("kvstored: %v", err)
		return 1
	}
	return 0
}
