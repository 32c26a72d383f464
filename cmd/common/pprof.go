package common

import (
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

// startPprof serves the profiling endpoints on their own mux, so nothing
// else ever exposes them.
func startPprof(endpoint string) {
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		rootLogger.Error("failed to create pprof listener", "endpoint", endpoint, "err", err)
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{
		Addr:        endpoint,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		// Profiles stream for up to their requested duration.
		WriteTimeout: 60 * time.Second,
	}

	rootLogger.Info("serving pprof", "listen_addr", listener.Addr().String())
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rootLogger.Error("pprof server stopped", "err", err)
		}
	}()
}
