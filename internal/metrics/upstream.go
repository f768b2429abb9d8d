// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "embedguard_upstream_request_duration_seconds",
		Help:    "Latency of analytics backend calls by endpoint and outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "outcome"})

	upstreamThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "embedguard_upstream_throttled_total",
		Help: "Calls delayed by the outbound rate limiter",
	}, []string{"endpoint"})
)

// ObserveUpstreamRequest records one backend call.
func ObserveUpstreamRequest(endpoint, outcome string, d time.Duration) {
	upstreamRequestDuration.WithLabelValues(endpoint, outcome).Observe(d.Seconds())
}

// RecordUpstreamThrottled counts one call that had to wait for a token.
func RecordUpstreamThrottled(endpoint string) {
	upstreamThrottled.WithLabelValues(endpoint).Inc()
}
