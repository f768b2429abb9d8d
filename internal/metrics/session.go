// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "embedguard_session_refresh_total",
		Help: "Credential refresh attempts by trigger and outcome",
	}, []string{"trigger", "outcome"}) // trigger=scheduled|retry|forced, outcome=success|failure|circuit_open|cancelled

	sessionExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "embedguard_session_expired_total",
		Help: "Sessions that exhausted their refresh retries",
	})

	sessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "embedguard_sessions",
		Help: "Embedded sessions by controller state",
	}, []string{"state"})

	credentialTTL = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "embedguard_credential_ttl_seconds",
		Help:    "Lifetime of adopted credentials (expiresAt - now at adoption)",
		Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400},
	})
)

// RecordSessionRefresh counts one refresh attempt.
func RecordSessionRefresh(trigger, outcome string) {
	sessionRefreshTotal.WithLabelValues(trigger, outcome).Inc()
}

// RecordSessionExpired counts one terminal session expiry.
func RecordSessionExpired() {
	sessionExpiredTotal.Inc()
}

// AddSessions adjusts the per-state session gauge.
func AddSessions(state string, delta float64) {
	sessionsActive.WithLabelValues(state).Add(delta)
}

// ObserveCredentialTTL records the remaining lifetime of a new credential.
func ObserveCredentialTTL(seconds float64) {
	credentialTTL.Observe(seconds)
}
