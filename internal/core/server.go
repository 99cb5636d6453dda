// Package core provides the HTTP chassis for the safewatch engine. It builds
// a chi router with the cross-cutting concerns (panic recovery, request IDs,
// logging, CORS, metrics, body limits and error envelopes) applied before
// requests reach the domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"safewatch/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	RecordRequest(ctx context.Context, method, route string, status int, duration time.Duration)
}

// Server holds the dependencies of the engine API so tests can inject their
// own.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// HealthChecks are run by GET /health.
	HealthChecks []HealthCheck
	// HealthGauges are counted into every health report.
	HealthGauges []HealthGauge

	// V1RouteRegistrars mount the domain handlers under /v1. They are set by
	// the entry point so core does not import the handler packages.
	V1RouteRegistrars []func(chi.Router)

	// Closers are released in order by Shutdown.
	Closers []func() error

	router *chi.Mux
}

// NewServer returns a Server with an empty router. The caller mounts routes
// with MountRoutes after setting the registrars.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases the registered closers. Every closer runs; the first
// error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var firstErr error
	for _, c := range s.Closers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c(); err != nil {
			s.Logger.Error("error releasing server resource", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.Logger.Info("server shutdown complete")
	return firstErr
}
