// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/embedguard/internal/metrics"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
}

// RedisGateConfig tunes the shared breaker.
type RedisGateConfig struct {
	Name          string
	KeyPrefix     string
	Threshold     int           // failures inside FailureWindow that open the gate
	FailureWindow time.Duration // sliding expiry of the failure counter
	OpenTTL       time.Duration // 0 keeps the gate open until Reset
}

// RedisGate shares breaker state between daemon replicas. Redis errors
// fail open: the gate reports closed so a Redis outage never blocks the
// control loops on its own.
type RedisGate struct {
	client    redis.Cmdable
	cfg       RedisGateConfig
	openKey   string
	failKey   string
	opTimeout time.Duration
	logger    zerolog.Logger
}

var (
	_ Gate     = (*RedisGate)(nil)
	_ Recorder = (*RedisGate)(nil)
)

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// NewRedisGate builds a gate over an existing client.
func NewRedisGate(client redis.Cmdable, cfg RedisGateConfig, logger zerolog.Logger) *RedisGate {
	if cfg.Name == "" {
		cfg.Name = "upstream"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "embedguard:breaker"
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}

	g := &RedisGate{
		client:    client,
		cfg:       cfg,
		openKey:   cfg.KeyPrefix + ":" + cfg.Name + ":open",
		failKey:   cfg.KeyPrefix + ":" + cfg.Name + ":failures",
		opTimeout: 2 * time.Second,
		logger:    logger.With().Str("gate", cfg.Name).Logger(),
	}
	metrics.SetCircuitBreakerState(cfg.Name, string(StateClosed))
	return g
}

// IsOpen reports whether any replica opened the gate.
func (g *RedisGate) IsOpen() bool {
	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()

	n, err := g.client.Exists(ctx, g.openKey).Result()
	if err != nil {
		g.logger.Warn().Err(err).Str("event", "breaker.redis_read_failed").Msg("redis gate read failed, treating as closed")
		return false
	}
	return n > 0
}

// Reset closes the gate for every replica.
func (g *RedisGate) Reset() {
	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()

	removed, err := g.client.Del(ctx, g.openKey, g.failKey).Result()
	if err != nil {
		g.logger.Warn().Err(err).Str("event", "breaker.redis_reset_failed").Msg("redis gate reset failed")
		return
	}
	if removed > 0 {
		metrics.RecordCircuitBreakerReset(g.cfg.Name)
	}
	metrics.SetCircuitBreakerState(g.cfg.Name, string(StateClosed))
}

// RecordFailure bumps the shared failure counter and opens the gate once
// the threshold is reached inside the window.
func (g *RedisGate) RecordFailure() {
	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()

	var incr *redis.IntCmd
	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, g.failKey)
		pipe.Expire(ctx, g.failKey, g.cfg.FailureWindow)
		return nil
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("event", "breaker.redis_write_failed").Msg("redis gate failure record failed")
		return
	}
	if incr.Val() < int64(g.cfg.Threshold) {
		return
	}

	opened, err := g.client.SetNX(ctx, g.openKey, "1", g.cfg.OpenTTL).Result()
	if err != nil {
		g.logger.Warn().Err(err).Str("event", "breaker.redis_write_failed").Msg("redis gate open failed")
		return
	}
	if opened {
		metrics.RecordCircuitBreakerTrip(g.cfg.Name, "threshold_exceeded")
		metrics.SetCircuitBreakerState(g.cfg.Name, string(StateOpen))
		g.logger.Warn().
			Str("event", "breaker.opened").
			Int64("failures", incr.Val()).
			Msg("shared circuit breaker opened")
	}
}

// RecordSuccess clears the failure streak while the gate is closed.
func (g *RedisGate) RecordSuccess() {
	if g.IsOpen() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()
	if err := g.client.Del(ctx, g.failKey).Err(); err != nil {
		g.logger.Warn().Err(err).Str("event", "breaker.redis_write_failed").Msg("redis gate success record failed")
	}
}
