package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// ReadyFunc returns nil once the monitor is serving live data
type ReadyFunc func() error

// StatusServer serves /metrics, /healthz and /readyz
type StatusServer struct {
	addr       string
	gatherer   prometheus.Gatherer
	ready      ReadyFunc
	httpServer *http.Server
	logger     logr.Logger
}

// NewStatusServer creates a StatusServer. ready may be nil, in which case
// /readyz always succeeds.
func NewStatusServer(addr string, gatherer prometheus.Gatherer, ready ReadyFunc, logger logr.Logger) *StatusServer {
	return &StatusServer{
		addr:     addr,
		gatherer: gatherer,
		ready:    ready,
		logger:   logger.WithName("status-server"),
	}
}

// Handler returns the mux behind the server
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready != nil {
			if err := s.ready(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Start binds the listener and serves in the background
func (s *StatusServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", lis.Addr().String())
	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(err, "HTTP server failed")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down
func (s *StatusServer) Stop() {
	if s.httpServer == nil {
		return
	}
	s.logger.Info("Stopping HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error(err, "HTTP server shutdown failed")
	}
}
