// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "embedguard_circuit_breaker_state",
		Help: "Circuit breaker state by gate (active state=1; others 0)",
	}, []string{"gate", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "embedguard_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips (transitions to open state)",
	}, []string{"gate", "reason"})

	circuitBreakerResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "embedguard_circuit_breaker_resets_total",
		Help: "Total number of explicit circuit breaker resets",
	}, []string{"gate"})
)

var circuitStates = []string{"closed", "half-open", "open"}

// SetCircuitBreakerState records the active circuit breaker state for a gate.
func SetCircuitBreakerState(gate, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(gate, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a gate opens.
func RecordCircuitBreakerTrip(gate, reason string) {
	circuitBreakerTrips.WithLabelValues(gate, reason).Inc()
}

// RecordCircuitBreakerReset increments the reset counter.
func RecordCircuitBreakerReset(gate string) {
	circuitBreakerResets.WithLabelValues(gate).Inc()
}
