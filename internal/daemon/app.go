// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon wires the control loops, the HTTP API and the config
// holder into one process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/embedguard/internal/api"
	"github.com/ManuGH/embedguard/internal/config"
	"github.com/ManuGH/embedguard/internal/embedsession"
	"github.com/ManuGH/embedguard/internal/health"
	"github.com/ManuGH/embedguard/internal/healthpoll"
	"github.com/ManuGH/embedguard/internal/log"
	"github.com/ManuGH/embedguard/internal/scheduler"
	"github.com/ManuGH/embedguard/internal/telemetry"
	"github.com/ManuGH/embedguard/internal/upstream"
	"github.com/ManuGH/embedguard/internal/visibility"
)

// Options override runtime dependencies, mostly for tests.
type Options struct {
	Version    string
	Scheduler  scheduler.Scheduler
	HTTPClient *http.Client
}

// App owns every long-lived component.
type App struct {
	cfg    config.Config
	holder *config.Holder
	logger zerolog.Logger

	tracing    *telemetry.Provider
	breaker    breaker
	redis      *redis.Client
	upstream   *upstream.Client
	sessions   *embedsession.Manager
	poller     *healthpoll.Poller
	visibility *visibility.Signal
	startup    *health.StartupChecker
	server     *http.Server

	reloadSignal os.Signal
}

// New builds the component graph from the holder's current config. Nothing
// runs until Run.
func New(ctx context.Context, holder *config.Holder, opts Options) (*App, error) {
	if holder == nil {
		return nil, ErrMissingConfig
	}
	cfg := holder.Get()
	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.System()
	}

	a := &App{
		cfg:          cfg,
		holder:       holder,
		logger:       log.WithComponent("daemon"),
		visibility:   visibility.NewSignal(cfg.Health.StartHidden),
		startup:      &health.StartupChecker{},
		reloadSignal: syscall.SIGHUP,
	}

	var err error
	a.tracing, err = telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "embedguard",
		ServiceVersion: opts.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a.breaker, a.redis, err = newBreaker(ctx, cfg.Breaker)
	if err != nil {
		return nil, a.abort(err)
	}
	a.upstream, err = newUpstream(cfg.Upstream, a.breaker, opts.HTTPClient)
	if err != nil {
		return nil, a.abort(err)
	}
	a.sessions, err = newSessions(cfg.Session, 2*cfg.Upstream.Timeout, a.upstream, a.breaker, sched, a.logger)
	if err != nil {
		return nil, a.abort(err)
	}
	a.poller, err = newPoller(cfg.Health, a.upstream, a.breaker, a.visibility, sched)
	if err != nil {
		return nil, a.abort(err)
	}

	probes := health.NewManager(opts.Version)
	probes.RegisterChecker(a.startup)
	probes.RegisterChecker(health.NewGateChecker(a.breaker))
	probes.RegisterChecker(health.NewSessionsChecker(a.sessions))
	if a.poller != nil {
		probes.RegisterChecker(health.NewPollerChecker(a.poller))
	}
	if a.redis != nil {
		probes.RegisterChecker(health.NewRedisChecker(a.redis))
	}

	deps := api.Deps{
		Sessions:   a.sessions,
		Visibility: a.visibility,
		Probes:     probes,
	}
	if a.poller != nil {
		deps.Poller = a.poller
	}
	tracingService := ""
	if cfg.Telemetry.Enabled {
		tracingService = "embedguard"
	}
	handler := api.New(api.Config{
		MutationsPerMinute: cfg.Server.MutationsPerMinute,
		TracingService:     tracingService,
	}, deps).Handler()

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       2 * cfg.Server.WriteTimeout,
	}
	return a, nil
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Sessions exposes the session manager.
func (a *App) Sessions() *embedsession.Manager { return a.sessions }

// Poller exposes the health poller; nil when polling is disabled.
func (a *App) Poller() *healthpoll.Poller { return a.poller }

// Run serves until ctx ends or a component fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		_ = a.shutdown(ctx)
		return fmt.Errorf("listen %s: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := a.holder.StartWatcher(ctx); err != nil {
		a.logger.Warn().Err(err).Str(log.FieldEvent, "config.watcher_start_failed").Msg("failed to start config watcher")
	}
	reloads := make(chan config.Config, 1)
	a.holder.RegisterListener(reloads)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case next := <-reloads:
				a.applyReload(next)
			}
		}
	})

	if a.reloadSignal != nil {
		g.Go(func() error {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, a.reloadSignal)
			defer signal.Stop(hup)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hup:
					a.logger.Info().
						Str(log.FieldEvent, "config.reload_signal").
						Str("signal", a.reloadSignal.String()).
						Msg("received reload signal")
					if err := a.holder.Reload(ctx); err != nil {
						a.logger.Warn().Err(err).Str(log.FieldEvent, "config.reload_failed").Msg("config reload failed")
					}
				}
			}
		})
	}

	if a.poller != nil {
		g.Go(func() error {
			return a.poller.Start(ctx)
		})
	}

	g.Go(func() error {
		a.logger.Info().
			Str(log.FieldEvent, "server.listening").
			Str("addr", ln.Addr().String()).
			Msg("HTTP API listening")
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	a.startup.MarkReady()

	g.Go(func() error {
		<-ctx.Done()
		return a.shutdown(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) applyReload(next config.Config) {
	if next.LogLevel != a.cfg.LogLevel {
		log.SetLevel(next.LogLevel)
		a.logger.Info().
			Str(log.FieldEvent, "config.applied").
			Str("log_level", next.LogLevel).
			Msg("applied log level")
	}
	a.cfg.LogLevel = next.LogLevel
}

// shutdown stops intake first, then the loops, then the exporters.
func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info().Str(log.FieldEvent, "server.shutdown_start").Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if a.poller != nil {
		a.poller.Stop()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	a.holder.Stop()
	if err := a.closeInfra(sctx); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		a.logger.Error().Err(err).Str(log.FieldEvent, "server.shutdown_failed").Msg("shutdown completed with errors")
	} else {
		a.logger.Info().Str(log.FieldEvent, "server.shutdown_done").Msg("shutdown complete")
	}
	return err
}

func (a *App) closeInfra(ctx context.Context) error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// abort releases what New already built.
func (a *App) abort(err error) error {
	_ = a.closeInfra(context.Background())
	return err
}
