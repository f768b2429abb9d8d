// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api is the daemon's HTTP surface for the iframe host.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/embedguard/internal/api/middleware"
	"github.com/ManuGH/embedguard/internal/embedsession"
	"github.com/ManuGH/embedguard/internal/healthpoll"
	"github.com/ManuGH/embedguard/internal/log"
)

// Sessions is the embed session surface the API drives.
type Sessions interface {
	Acquire(ctx context.Context, dashboardID string) (embedsession.Credential, error)
	Refresh(ctx context.Context, dashboardID string) (embedsession.Credential, error)
	Release(dashboardID string) bool
	Status(dashboardID string) (embedsession.Status, bool)
	Statuses() []embedsession.Status
}

// HealthPoller is the health poll surface the API drives.
type HealthPoller interface {
	Snapshot() healthpoll.Snapshot
	Refresh(ctx context.Context) (healthpoll.Snapshot, error)
}

// Visibility is the settable page visibility signal.
type Visibility interface {
	Hidden() bool
	Set(hidden bool) bool
}

// Probes serves liveness and readiness.
type Probes interface {
	ServeHealth(w http.ResponseWriter, r *http.Request)
	ServeReady(w http.ResponseWriter, r *http.Request)
}

// Config tunes the router.
type Config struct {
	// MutationsPerMinute limits refresh, release and visibility calls per IP.
	MutationsPerMinute int
	// TracingService empty disables inbound tracing.
	TracingService string
}

// Deps are the components behind the routes. Poller may be nil when health
// polling is disabled.
type Deps struct {
	Sessions   Sessions
	Poller     HealthPoller
	Visibility Visibility
	Probes     Probes
}

// Server routes HTTP requests to the control loops.
type Server struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
}

// New builds a server.
func New(cfg Config, deps Deps) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithComponent("api"),
	}
}

// Handler returns the full route tree.
func (s *Server) Handler() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		TracingService: s.cfg.TracingService,
		EnableMetrics:  true,
		EnableLogging:  true,
	})

	if s.deps.Probes != nil {
		r.Get("/healthz", s.deps.Probes.ServeHealth)
		r.Get("/readyz", s.deps.Probes.ServeReady)
	}
	r.Handle("/metrics", promhttp.Handler())

	mutations := middleware.RateLimit(s.cfg.MutationsPerMinute, time.Minute)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/embed", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Get("/{dashboardID}", s.handleGetEmbed)
			r.With(mutations).Post("/{dashboardID}/refresh", s.handleRefreshEmbed)
			r.With(mutations).Delete("/{dashboardID}", s.handleReleaseEmbed)
		})
		r.Route("/system/health", func(r chi.Router) {
			r.Get("/", s.handleGetSystemHealth)
			r.With(mutations).Post("/refresh", s.handleRefreshSystemHealth)
		})
		r.Get("/visibility", s.handleGetVisibility)
		r.With(mutations).Put("/visibility", s.handleSetVisibility)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, "system/not_found", "Not Found", "NOT_FOUND", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, "system/method_not_allowed", "Method Not Allowed", "METHOD_NOT_ALLOWED", "")
	})
	return r
}
