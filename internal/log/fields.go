// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID     = "session_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldDashboardID   = "dashboard_id"
	FieldAccessSurface = "access_surface"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldTrigger   = "trigger"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldAttempt  = "attempt"
	FieldRetries  = "retry_count"
	FieldDelay    = "delay"

	// Upstream fields
	FieldEndpoint   = "endpoint"
	FieldStatusCode = "status_code"
	FieldBaseURL    = "base_url"
)
