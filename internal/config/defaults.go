// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:         ":8088",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       30 * time.Second,
			ShutdownTimeout:    15 * time.Second,
			MutationsPerMinute: 30,
		},
		Upstream: UpstreamConfig{
			Timeout:     10 * time.Second,
			RefreshLead: 5 * time.Minute,
			RateLimit:   10,
			Burst:       20,
		},
		Session: SessionConfig{
			AccessSurface: "admin",
			MaxRetries:    3,
			RetryDelay:    3 * time.Second,
			RetryBackoff:  "constant",
			RetryMaxDelay: 30 * time.Second,
		},
		Health: HealthConfig{
			Enabled:              true,
			HealthyInterval:      60 * time.Second,
			DegradedInterval:     30 * time.Second,
			CriticalInterval:     15 * time.Second,
			BackoffFloor:         30 * time.Second,
			BackoffCeiling:       300 * time.Second,
			MaxConsecutiveErrors: 5,
		},
		Breaker: BreakerConfig{
			Backend:   "memory",
			Threshold: 5,
			Redis: RedisConfig{
				Addr:          "localhost:6379",
				KeyPrefix:     "embedguard:breaker",
				FailureWindow: time.Minute,
			},
		},
		Telemetry: TelemetryConfig{
			Environment:  "production",
			ExporterType: "grpc",
			SamplingRate: 1.0,
		},
	}
}
