// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// Embedded session attributes
	DashboardIDKey    = "dashboard.id"
	RefreshTriggerKey = "refresh.trigger"
	RefreshAttemptKey = "refresh.attempt"

	// Health poll attributes
	PollReasonKey      = "poll.reason"
	PollStatusKey      = "poll.status"
	PollErrorStreakKey = "poll.consecutive_errors"

	// Upstream attributes
	UpstreamEndpointKey = "upstream.endpoint"
	UpstreamStatusKey   = "upstream.status_code"
)

// RefreshAttributes describes one credential refresh attempt.
func RefreshAttributes(dashboardID, trigger string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(DashboardIDKey, dashboardID),
		attribute.String(RefreshTriggerKey, trigger),
		attribute.Int(RefreshAttemptKey, attempt),
	}
}

// PollAttributes describes one health poll.
func PollAttributes(reason, status string, consecutiveErrors int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(PollReasonKey, reason),
		attribute.String(PollStatusKey, status),
		attribute.Int(PollErrorStreakKey, consecutiveErrors),
	}
}

// UpstreamAttributes describes one backend call.
func UpstreamAttributes(endpoint string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(UpstreamEndpointKey, endpoint),
		attribute.Int(UpstreamStatusKey, statusCode),
	}
}
