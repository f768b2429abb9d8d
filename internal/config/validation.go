// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"
)

// Validate reports every problem in cfg at once.
func Validate(cfg Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		add("logLevel: %w", err)
	}

	if cfg.Server.ListenAddr == "" {
		add("server.listenAddr: required")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		add("server.shutdownTimeout: must be positive")
	}
	if cfg.Server.MutationsPerMinute < 0 {
		add("server.mutationsPerMinute: must not be negative")
	}

	if cfg.Upstream.BaseURL == "" {
		add("upstream.baseUrl: required")
	} else if u, err := url.Parse(cfg.Upstream.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("upstream.baseUrl: %q is not an absolute http(s) URL", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.RefreshLead <= 0 {
		add("upstream.refreshLead: must be positive")
	}
	if cfg.Upstream.RateLimit < 0 {
		add("upstream.rateLimit: must not be negative")
	}

	if cfg.Session.AccessSurface == "" {
		add("session.accessSurface: required")
	}
	if cfg.Session.MaxRetries < 1 {
		add("session.maxRetries: must be at least 1")
	}
	if cfg.Session.RetryDelay <= 0 {
		add("session.retryDelay: must be positive")
	}
	switch cfg.Session.RetryBackoff {
	case "constant", "exponential":
	default:
		add("session.retryBackoff: %q (supported: constant, exponential)", cfg.Session.RetryBackoff)
	}

	if cfg.Health.BackoffCeiling < cfg.Health.BackoffFloor {
		add("health.backoffCeiling: %s below backoffFloor %s", cfg.Health.BackoffCeiling, cfg.Health.BackoffFloor)
	}
	if cfg.Health.MaxConsecutiveErrors < 0 {
		add("health.maxConsecutiveErrors: must not be negative")
	}

	switch cfg.Breaker.Backend {
	case "memory":
	case "redis":
		if cfg.Breaker.Redis.Addr == "" {
			add("breaker.redis.addr: required for the redis backend")
		}
	default:
		add("breaker.backend: %q (supported: memory, redis)", cfg.Breaker.Backend)
	}
	if cfg.Breaker.Threshold < 0 {
		add("breaker.threshold: must not be negative")
	}

	if cfg.Telemetry.Enabled {
		switch cfg.Telemetry.ExporterType {
		case "grpc", "http":
		default:
			add("telemetry.exporterType: %q (supported: grpc, http)", cfg.Telemetry.ExporterType)
		}
	}
	if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
		add("telemetry.samplingRate: %v outside [0, 1]", cfg.Telemetry.SamplingRate)
	}

	return errors.Join(errs...)
}
