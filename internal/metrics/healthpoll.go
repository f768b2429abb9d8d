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
	healthPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "embedguard_health_polls_total",
		Help: "Health polls by outcome",
	}, []string{"outcome"}) // outcome=success|failure|skipped_circuit_open|skipped_in_flight

	healthConsecutiveErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "embedguard_health_consecutive_errors",
		Help: "Current streak of failed health polls",
	})

	healthNextPollSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "embedguard_health_next_poll_seconds",
		Help: "Delay until the next scheduled health poll (0 when suspended or hidden)",
	})

	healthOverallStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "embedguard_health_overall_status",
		Help: "Last known backend status (active status=1; others 0)",
	}, []string{"status"})

	healthSuspended = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "embedguard_health_polling_suspended",
		Help: "Whether health polling is suspended after repeated failures (1) or not (0)",
	})
)

var healthStatuses = []string{"healthy", "degraded", "critical"}

// RecordHealthPoll counts one poll outcome.
func RecordHealthPoll(outcome string) {
	healthPollsTotal.WithLabelValues(outcome).Inc()
}

// SetHealthConsecutiveErrors publishes the failure streak.
func SetHealthConsecutiveErrors(n int) {
	healthConsecutiveErrors.Set(float64(n))
}

// SetHealthNextPoll publishes the armed poll delay.
func SetHealthNextPoll(d time.Duration) {
	healthNextPollSeconds.Set(d.Seconds())
}

// SetHealthOverallStatus publishes the last known backend status.
func SetHealthOverallStatus(status string) {
	for _, s := range healthStatuses {
		value := 0.0
		if s == status {
			value = 1.0
		}
		healthOverallStatus.WithLabelValues(s).Set(value)
	}
}

// SetHealthSuspended publishes the suspension flag.
func SetHealthSuspended(suspended bool) {
	if suspended {
		healthSuspended.Set(1)
		return
	}
	healthSuspended.Set(0)
}
