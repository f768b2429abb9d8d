// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads embedguard configuration with precedence
// ENV > File > Defaults.
package config

import (
	"errors"
	"time"
)

// ErrUnknownConfigField classifies strict YAML parse failures caused by unknown keys.
var ErrUnknownConfigField = errors.New("unknown config field")

// Config is the effective daemon configuration.
type Config struct {
	Version string `yaml:"-"`

	LogLevel  string          `yaml:"logLevel"`
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Session   SessionConfig   `yaml:"session"`
	Health    HealthConfig    `yaml:"health"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig is the inbound HTTP API.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listenAddr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// MutationsPerMinute limits refresh/visibility calls per client IP.
	MutationsPerMinute int `yaml:"mutationsPerMinute"`
}

// UpstreamConfig is the analytics backend.
type UpstreamConfig struct {
	BaseURL     string        `yaml:"baseUrl"`
	APIKey      string        `yaml:"apiKey"`
	Timeout     time.Duration `yaml:"timeout"`
	RefreshLead time.Duration `yaml:"refreshLead"`
	RateLimit   float64       `yaml:"rateLimit"`
	Burst       int           `yaml:"burst"`
}

// SessionConfig tunes embed credential renewal.
type SessionConfig struct {
	AccessSurface string        `yaml:"accessSurface"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	// RetryBackoff is "constant" or "exponential".
	RetryBackoff  string        `yaml:"retryBackoff"`
	RetryMaxDelay time.Duration `yaml:"retryMaxDelay"`
}

// HealthConfig tunes the health poller.
type HealthConfig struct {
	Enabled              bool          `yaml:"enabled"`
	HealthyInterval      time.Duration `yaml:"healthyInterval"`
	DegradedInterval     time.Duration `yaml:"degradedInterval"`
	CriticalInterval     time.Duration `yaml:"criticalInterval"`
	BackoffFloor         time.Duration `yaml:"backoffFloor"`
	BackoffCeiling       time.Duration `yaml:"backoffCeiling"`
	MaxConsecutiveErrors int           `yaml:"maxConsecutiveErrors"`
	// StartHidden starts the poller as if the page were hidden until the
	// iframe host reports visibility.
	StartHidden bool `yaml:"startHidden"`
}

// BreakerConfig selects and tunes the shared circuit breaker.
type BreakerConfig struct {
	// Backend is "memory" (per process) or "redis" (shared by replicas).
	Backend   string        `yaml:"backend"`
	Threshold int           `yaml:"threshold"`
	AutoReset time.Duration `yaml:"autoReset"`
	Redis     RedisConfig   `yaml:"redis"`
}

// RedisConfig is used when Breaker.Backend is "redis".
type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	KeyPrefix     string        `yaml:"keyPrefix"`
	FailureWindow time.Duration `yaml:"failureWindow"`
	OpenTTL       time.Duration `yaml:"openTtl"`
}

// TelemetryConfig is OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Environment  string  `yaml:"environment"`
	ExporterType string  `yaml:"exporterType"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Redacted returns a copy safe to print or log.
func (c Config) Redacted() Config {
	out := c
	out.Upstream.APIKey = mask(c.Upstream.APIKey)
	out.Breaker.Redis.Password = mask(c.Breaker.Redis.Password)
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
