// Copyright (C) 2015  Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package adminsrv provides an embedded HTTP server exposing metrics,
// pprof profiles, expvar counters, and a runtime log verbosity control
// (spec.md §6/§7: log.threshold, verbosity). It is the kvstored process's
// side-channel admin surface -- separate from the memcache and counter
// protocol listeners.
package adminsrv

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof handlers on DefaultServeMux

	"github.com/aristanetworks/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the embedded admin HTTP server.
type Server struct {
	addr string
	mux  *http.ServeMux
	srv  *http.Server
}

// New builds an admin server listening on addr, registering /metrics for
// the given collectors alongside /debug/vars, /debug/pprof, and
// /debug/loglevel.
func New(addr string, collectors ...prometheus.Collector) *Server {
	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		reg.MustRegister(c)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug", debugHandler)
	mux.HandleFunc("/debug/vars", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, VarsToString())
	})
	mux.Handle("/debug/loglevel", newLogsetSrv())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		addr: addr,
		mux:  mux,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

func debugHandler(w http.ResponseWriter, r *http.Request) {
	const indexTmpl = `<html>
	<head>
	<title>/debug</title>
	</head>
	<body>
	<p>/debug</p>
	<div><a href="/debug/vars">vars</a></div>
	<div><a href="/debug/pprof">pprof</a></div>
	<div><a href="/metrics">metrics</a></div>
	</body>
	</html>
	`
	fmt.Fprint(w, indexTmpl)
}

// Run serves until ctx is cancelled, then gracefully shuts down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		glog.Infof("adminsrv: shutting down %s", s.addr)
		return s.srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
