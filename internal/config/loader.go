// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence ENV > File > Defaults.
type Loader struct {
	configPath string
	version    string
	// ConsumedEnvKeys records every key the loader looked at.
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a loader. An empty configPath means ENV-only.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file path, if any.
func (l *Loader) Path() string { return l.configPath }

// Load applies defaults, the strict file, then env overrides, and validates.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// UnknownEnvKeys lists EMBEDGUARD_* variables the loader did not consume.
func (l *Loader) UnknownEnvKeys() []string {
	var unknown []string
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		if _, ok := l.ConsumedEnvKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// loadFile decodes the YAML file over cfg. Unknown fields are fatal.
func (l *Loader) loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "not found in type") {
			return fmt.Errorf("strict config parse error: %w: %v", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) envString(key, def string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, def)
}

func (l *Loader) envInt(key string, def int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, def)
}

func (l *Loader) envFloat(key string, def float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, def)
}

func (l *Loader) envBool(key string, def bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, def)
}

func (l *Loader) envDuration(key string, def time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, def)
}

func (l *Loader) mergeEnv(cfg *Config) {
	cfg.LogLevel = l.envString("EMBEDGUARD_LOG_LEVEL", cfg.LogLevel)

	s := &cfg.Server
	s.ListenAddr = l.envString("EMBEDGUARD_LISTEN_ADDR", s.ListenAddr)
	s.ReadTimeout = l.envDuration("EMBEDGUARD_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = l.envDuration("EMBEDGUARD_WRITE_TIMEOUT", s.WriteTimeout)
	s.ShutdownTimeout = l.envDuration("EMBEDGUARD_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MutationsPerMinute = l.envInt("EMBEDGUARD_MUTATIONS_PER_MINUTE", s.MutationsPerMinute)

	u := &cfg.Upstream
	u.BaseURL = l.envString("EMBEDGUARD_UPSTREAM_URL", u.BaseURL)
	u.APIKey = l.envString("EMBEDGUARD_UPSTREAM_API_KEY", u.APIKey)
	u.Timeout = l.envDuration("EMBEDGUARD_UPSTREAM_TIMEOUT", u.Timeout)
	u.RefreshLead = l.envDuration("EMBEDGUARD_REFRESH_LEAD", u.RefreshLead)
	u.RateLimit = l.envFloat("EMBEDGUARD_UPSTREAM_RATE_LIMIT", u.RateLimit)
	u.Burst = l.envInt("EMBEDGUARD_UPSTREAM_BURST", u.Burst)

	ss := &cfg.Session
	ss.AccessSurface = l.envString("EMBEDGUARD_ACCESS_SURFACE", ss.AccessSurface)
	ss.MaxRetries = l.envInt("EMBEDGUARD_SESSION_MAX_RETRIES", ss.MaxRetries)
	ss.RetryDelay = l.envDuration("EMBEDGUARD_SESSION_RETRY_DELAY", ss.RetryDelay)
	ss.RetryBackoff = l.envString("EMBEDGUARD_SESSION_RETRY_BACKOFF", ss.RetryBackoff)
	ss.RetryMaxDelay = l.envDuration("EMBEDGUARD_SESSION_RETRY_MAX_DELAY", ss.RetryMaxDelay)

	h := &cfg.Health
	h.Enabled = l.envBool("EMBEDGUARD_HEALTH_ENABLED", h.Enabled)
	h.HealthyInterval = l.envDuration("EMBEDGUARD_HEALTH_HEALTHY_INTERVAL", h.HealthyInterval)
	h.DegradedInterval = l.envDuration("EMBEDGUARD_HEALTH_DEGRADED_INTERVAL", h.DegradedInterval)
	h.CriticalInterval = l.envDuration("EMBEDGUARD_HEALTH_CRITICAL_INTERVAL", h.CriticalInterval)
	h.BackoffFloor = l.envDuration("EMBEDGUARD_HEALTH_BACKOFF_FLOOR", h.BackoffFloor)
	h.BackoffCeiling = l.envDuration("EMBEDGUARD_HEALTH_BACKOFF_CEILING", h.BackoffCeiling)
	h.MaxConsecutiveErrors = l.envInt("EMBEDGUARD_HEALTH_MAX_ERRORS", h.MaxConsecutiveErrors)
	h.StartHidden = l.envBool("EMBEDGUARD_HEALTH_START_HIDDEN", h.StartHidden)

	b := &cfg.Breaker
	b.Backend = l.envString("EMBEDGUARD_BREAKER_BACKEND", b.Backend)
	b.Threshold = l.envInt("EMBEDGUARD_BREAKER_THRESHOLD", b.Threshold)
	b.AutoReset = l.envDuration("EMBEDGUARD_BREAKER_AUTO_RESET", b.AutoReset)
	b.Redis.Addr = l.envString("EMBEDGUARD_REDIS_ADDR", b.Redis.Addr)
	b.Redis.Password = l.envString("EMBEDGUARD_REDIS_PASSWORD", b.Redis.Password)
	b.Redis.DB = l.envInt("EMBEDGUARD_REDIS_DB", b.Redis.DB)
	b.Redis.KeyPrefix = l.envString("EMBEDGUARD_REDIS_KEY_PREFIX", b.Redis.KeyPrefix)

	t := &cfg.Telemetry
	t.Enabled = l.envBool("EMBEDGUARD_OTEL_ENABLED", t.Enabled)
	t.Environment = l.envString("EMBEDGUARD_ENV", t.Environment)
	t.ExporterType = l.envString("EMBEDGUARD_OTEL_EXPORTER", t.ExporterType)
	t.Endpoint = l.envString("EMBEDGUARD_OTEL_ENDPOINT", t.Endpoint)
	t.SamplingRate = l.envFloat("EMBEDGUARD_OTEL_SAMPLING_RATE", t.SamplingRate)
}
