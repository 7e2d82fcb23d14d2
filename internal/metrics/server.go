package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"firestige.xyz/captool/internal/log"
)

// Server is the HTTP server exposing /metrics for Prometheus scraping.
type Server struct {
	addr   string
	path   string
	log    log.Logger
	server *http.Server
}

// NewServer returns a Server bound to addr, serving collectors at path
// (default "/metrics" when empty).
func NewServer(addr, path string, logger log.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{addr: addr, path: path, log: logger}
}

// Start begins serving in the background; it returns once the listener is
// configured, not once it's been accepted.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.WithField("addr", s.addr).WithField("path", s.path).Info("starting metrics server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("metrics server error")
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}
