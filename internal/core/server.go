// Package core is the API chassis: a chi router with the cross-cutting
// middleware chain (panic recovery, request IDs, structured request logs,
// security headers), the standard JSON error envelope, and the health
// endpoint. Domain handlers are mounted through route registrars so the
// chassis never imports handler packages.
package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agromet/internal/config"
)

// defaultRequestTimeout is the soft deadline applied to request contexts.
// Inline job waits run under their own budget and mount with a longer
// timeout.
const defaultRequestTimeout = 30 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in
// request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
}

// RouteRegistrar mounts one handler group onto the /v1 router.
type RouteRegistrar func(chi.Router)

// Server bundles the router with its cross-cutting dependencies.
type Server struct {
	Config         *config.Config
	Logger         *slog.Logger
	HealthProbes   []HealthProbe
	RequestTimeout time.Duration

	router *chi.Mux
}

// NewServer builds the server chassis. Routes are mounted separately via
// Mount so tests can register only the handlers under test.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:         cfg,
		Logger:         logger,
		RequestTimeout: defaultRequestTimeout,
		router:         chi.NewRouter(),
	}, nil
}

// Handler returns the router for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Mount registers the global middleware chain, the /v1 handler groups, and
// the top-level health and metrics endpoints.
//
// Middleware order matters: Recoverer is outermost so every panic is
// caught; the request ID must exist before logging; security headers are
// set before any handler can write.
func (s *Server) Mount(registrars ...RouteRegistrar) {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.RequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))

	s.router.Route("/v1", func(r chi.Router) {
		for _, registrar := range registrars {
			registrar(r)
		}
	})

	s.router.Get("/health", s.HandleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
}
