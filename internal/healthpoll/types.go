// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package healthpoll

import (
	"errors"
	"time"
)

// Status is the backend's aggregate health.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusCritical:
		return true
	}
	return false
}

// Severity ranks incidents.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities: critical > high > warning > anything unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// Report is the health endpoint payload.
type Report struct {
	OverallStatus     Status    `json:"overallStatus"`
	StaleCount        int       `json:"staleCount"`
	CriticalCount     int       `json:"criticalCount"`
	HasBlockingIssues bool      `json:"hasBlockingIssues"`
	OldestSyncMinutes *int      `json:"oldestSyncMinutes"`
	LastCheckedAt     time.Time `json:"lastCheckedAt"`
}

// Incident is one active incident.
type Incident struct {
	ID            string     `json:"id"`
	Severity      Severity   `json:"severity"`
	Scope         string     `json:"scope"`
	Message       string     `json:"message"`
	ETA           *time.Time `json:"eta,omitempty"`
	StatusPageURL string     `json:"statusPageUrl,omitempty"`
}

// IncidentList is the incidents endpoint payload.
type IncidentList struct {
	Incidents   []Incident `json:"incidents"`
	HasCritical bool       `json:"hasCritical"`
	HasBlocking bool       `json:"hasBlocking"`
}

func (l IncidentList) clone() IncidentList {
	out := l
	if l.Incidents != nil {
		out.Incidents = append([]Incident(nil), l.Incidents...)
	}
	return out
}

// Views are read-only values derived from the latest successful poll.
type Views struct {
	HasStaleData       bool      `json:"hasStaleData"`
	HasCriticalIssues  bool      `json:"hasCriticalIssues"`
	MostSevereIncident *Incident `json:"mostSevereIncident,omitempty"`
	FreshnessLabel     string    `json:"freshnessLabel"`
}

// Snapshot is the poller's published state.
type Snapshot struct {
	Report            Report       `json:"report"`
	Incidents         IncidentList `json:"incidents"`
	OverallStatus     Status       `json:"overallStatus"`
	ConsecutiveErrors int          `json:"consecutiveErrors"`
	LastUpdated       time.Time    `json:"lastUpdated"`
	// Err is generic text for the most recent failed poll; cleared on success.
	Err        string     `json:"error,omitempty"`
	Suspended  bool       `json:"suspended"`
	Hidden     bool       `json:"hidden"`
	NextPollAt *time.Time `json:"nextPollAt,omitempty"`
	Views      Views      `json:"views"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Incidents = s.Incidents.clone()
	if s.NextPollAt != nil {
		t := *s.NextPollAt
		out.NextPollAt = &t
	}
	if s.Views.MostSevereIncident != nil {
		inc := *s.Views.MostSevereIncident
		out.Views.MostSevereIncident = &inc
	}
	return out
}

// UnavailableMessage is the only failure text exposed to consumers.
const UnavailableMessage = "Health data temporarily unavailable, retrying"

var (
	// ErrNotStarted is returned by Refresh before Start.
	ErrNotStarted = errors.New("health poller not started")
	// ErrPollInProgress is returned by Refresh while another poll runs.
	ErrPollInProgress = errors.New("health poll already in progress")
	// ErrPollFailed reports a failed poll; detail stays in the logs.
	ErrPollFailed = errors.New("health poll failed")
)
