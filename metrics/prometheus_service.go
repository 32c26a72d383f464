// Package metrics contains the prometheus infrastructure.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oasisprotocol/govkeeper/log"
)

const (
	moduleName = "metrics"

	shutdownTimeout = 5 * time.Second
)

// PullService is a service that supports the Prometheus pull method.
type PullService struct {
	server *http.Server
	logger *log.Logger
}

// Run serves /metrics until ctx is canceled.
func (s *PullService) Run(ctx context.Context) error {
	s.logger.Info("starting pull metrics service", "listen_addr", s.server.Addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("unable to run prometheus pull service", "listen_addr", s.server.Addr, "err", err)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// NewPullService creates a new Prometheus pull service.
func NewPullService(pullEndpoint string, logger *log.Logger) *PullService {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &PullService{
		server: &http.Server{
			Addr:           pullEndpoint,
			Handler:        mux,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		logger: logger.WithModule(moduleName),
	}
}
