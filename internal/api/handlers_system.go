// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/embedguard/internal/healthpoll"
)

// VisibilityRequest is the body of PUT /api/v1/visibility.
type VisibilityRequest struct {
	Hidden *bool `json:"hidden"`
}

// VisibilityResponse reports the current visibility.
type VisibilityResponse struct {
	Hidden  bool `json:"hidden"`
	Changed bool `json:"changed"`
}

func (s *Server) pollerAvailable(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Poller == nil {
		writeProblem(w, r, http.StatusNotFound, "health/disabled", "Not Found", "HEALTH_POLLING_DISABLED", "Health polling is disabled")
		return false
	}
	return true
}

func (s *Server) handleGetSystemHealth(w http.ResponseWriter, r *http.Request) {
	if !s.pollerAvailable(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Poller.Snapshot())
}

// handleRefreshSystemHealth polls now. A failed poll is still a 200: the
// returned snapshot carries the generic error text and the retry schedule.
func (s *Server) handleRefreshSystemHealth(w http.ResponseWriter, r *http.Request) {
	if !s.pollerAvailable(w, r) {
		return
	}
	snap, err := s.deps.Poller.Refresh(r.Context())
	if err != nil && !errors.Is(err, healthpoll.ErrPollFailed) {
		s.writeError(w, r, "health.refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetVisibility(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, VisibilityResponse{Hidden: s.deps.Visibility.Hidden()})
}

func (s *Server) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	var req VisibilityRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.Hidden == nil {
		writeProblem(w, r, http.StatusBadRequest, "system/invalid_body", "Bad Request", "INVALID_BODY", "Expected {\"hidden\": true|false}")
		return
	}
	changed := s.deps.Visibility.Set(*req.Hidden)
	writeJSON(w, http.StatusOK, VisibilityResponse{Hidden: *req.Hidden, Changed: changed})
}
