// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ManuGH/embedguard/internal/config"
	"github.com/ManuGH/embedguard/internal/embedsession"
	"github.com/ManuGH/embedguard/internal/healthpoll"
	"github.com/ManuGH/embedguard/internal/log"
	"github.com/ManuGH/embedguard/internal/resilience"
	"github.com/ManuGH/embedguard/internal/scheduler"
	"github.com/ManuGH/embedguard/internal/upstream"
	"github.com/ManuGH/embedguard/internal/visibility"
)

const breakerName = "upstream"

// breaker is the gate both control loops read and the transport feeds.
type breaker interface {
	resilience.Gate
	resilience.Recorder
}

// newBreaker picks the process-local or the Redis-shared breaker.
func newBreaker(ctx context.Context, cfg config.BreakerConfig) (breaker, *redis.Client, error) {
	switch cfg.Backend {
	case "redis":
		client, err := resilience.NewRedisClient(ctx, resilience.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("breaker redis: %w", err)
		}
		gate := resilience.NewRedisGate(client, resilience.RedisGateConfig{
			Name:          breakerName,
			KeyPrefix:     cfg.Redis.KeyPrefix,
			Threshold:     cfg.Threshold,
			FailureWindow: cfg.Redis.FailureWindow,
			OpenTTL:       cfg.Redis.OpenTTL,
		}, log.WithComponent("breaker"))
		return gate, client, nil
	default:
		return resilience.NewCircuitBreaker(breakerName, cfg.Threshold,
			resilience.WithAutoReset(cfg.AutoReset)), nil, nil
	}
}

func newUpstream(cfg config.UpstreamConfig, b breaker, httpClient *http.Client) (*upstream.Client, error) {
	return upstream.New(upstream.Config{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Timeout:     cfg.Timeout,
		RefreshLead: cfg.RefreshLead,
		RateLimit:   rate.Limit(cfg.RateLimit),
		Burst:       cfg.Burst,
		Gate:        b,
		Recorder:    b,
		HTTPClient:  httpClient,
	})
}

// retryBackOff returns nil for the constant policy so controllers fall back
// to their fixed RetryDelay.
func retryBackOff(cfg config.SessionConfig) func() backoff.BackOff {
	if cfg.RetryBackoff != "exponential" {
		return nil
	}
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.RetryDelay
		b.MaxInterval = cfg.RetryMaxDelay
		b.Multiplier = 2
		b.RandomizationFactor = 0.2
		return b
	}
}

func newSessions(cfg config.SessionConfig, fetchTimeout time.Duration, src embedsession.TokenSource, gate resilience.Gate, sched scheduler.Scheduler, logger zerolog.Logger) (*embedsession.Manager, error) {
	return embedsession.NewManager(embedsession.ManagerConfig{
		AccessSurface:   cfg.AccessSurface,
		MaxRetries:      cfg.MaxRetries,
		RetryDelay:      cfg.RetryDelay,
		NewRetryBackOff: retryBackOff(cfg),
		FetchTimeout:    fetchTimeout,
		OnExpired: func(dashboardID string) {
			logger.Warn().
				Str(log.FieldEvent, "session.expired").
				Str(log.FieldDashboardID, dashboardID).
				Msg("embed session expired; the next acquire starts a new session")
		},
		Source:    src,
		Scheduler: sched,
		Gate:      gate,
	})
}

func healthPolicy(cfg config.HealthConfig) healthpoll.Policy {
	return healthpoll.Policy{
		HealthyInterval:      cfg.HealthyInterval,
		DegradedInterval:     cfg.DegradedInterval,
		CriticalInterval:     cfg.CriticalInterval,
		BackoffFloor:         cfg.BackoffFloor,
		BackoffCeiling:       cfg.BackoffCeiling,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
	}
}

func newPoller(cfg config.HealthConfig, f healthpoll.Fetcher, gate resilience.Gate, vis visibility.Source, sched scheduler.Scheduler) (*healthpoll.Poller, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return healthpoll.New(healthpoll.Config{
		Policy:     healthPolicy(cfg),
		Fetcher:    f,
		Gate:       gate,
		Visibility: vis,
		Scheduler:  sched,
	})
}
