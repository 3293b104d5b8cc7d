// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package pprof serves the Go profiling endpoints on a side port so
// production performance issues can be inspected without redeploying.
package pprof

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"time"
)

const (
	// pprofPort is the conventional pprof port from the Go documentation.
	pprofPort = "6060"
	// DisableEnvVarKey disables the pprof server when set to any value.
	DisableEnvVarKey = "DISABLE_PPROF"
)

// Run starts the pprof server unless DISABLE_PPROF is set. Non-blocking; the
// server runs in its own goroutine until ctx is cancelled. The cost is
// negligible while the endpoints are not being accessed.
func Run(ctx context.Context) {
	if _, ok := os.LookupEnv(DisableEnvVarKey); ok {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	server := &http.Server{Addr: ":" + pprofPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("pprof server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
