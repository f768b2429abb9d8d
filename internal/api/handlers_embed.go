// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/embedguard/internal/embedsession"
)

var validDashboardID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// EmbedResponse is the credential view handed to the iframe host.
type EmbedResponse struct {
	DashboardID   string             `json:"dashboardId"`
	SessionID     string             `json:"sessionId,omitempty"`
	State         embedsession.State `json:"state"`
	Token         string             `json:"token"`
	ResourceURL   string             `json:"resourceUrl"`
	ExpiresAt     time.Time          `json:"expiresAt"`
	RefreshBefore time.Time          `json:"refreshBefore"`
}

// SessionList is the body of GET /api/v1/embed.
type SessionList struct {
	Sessions []embedsession.Status `json:"sessions"`
}

func (s *Server) dashboardID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "dashboardID")
	if !validDashboardID.MatchString(id) {
		writeProblem(w, r, http.StatusBadRequest, "embed/invalid_dashboard", "Bad Request", "INVALID_DASHBOARD_ID", "Dashboard ID is malformed")
		return "", false
	}
	return id, true
}

func (s *Server) embedResponse(id string, cred embedsession.Credential) EmbedResponse {
	resp := EmbedResponse{
		DashboardID:   id,
		State:         embedsession.StateActive,
		Token:         cred.Token,
		ResourceURL:   cred.ResourceURL,
		ExpiresAt:     cred.ExpiresAt,
		RefreshBefore: cred.RefreshBefore,
	}
	if st, ok := s.deps.Sessions.Status(id); ok {
		resp.SessionID = st.SessionID
		resp.State = st.State
	}
	return resp
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.deps.Sessions.Statuses()
	if list == nil {
		list = []embedsession.Status{}
	}
	writeJSON(w, http.StatusOK, SessionList{Sessions: list})
}

// handleGetEmbed returns the live credential, starting a session on first use.
func (s *Server) handleGetEmbed(w http.ResponseWriter, r *http.Request) {
	id, ok := s.dashboardID(w, r)
	if !ok {
		return
	}
	cred, err := s.deps.Sessions.Acquire(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "embed.acquire", err)
		return
	}
	writeJSON(w, http.StatusOK, s.embedResponse(id, cred))
}

func (s *Server) handleRefreshEmbed(w http.ResponseWriter, r *http.Request) {
	id, ok := s.dashboardID(w, r)
	if !ok {
		return
	}
	cred, err := s.deps.Sessions.Refresh(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "embed.refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, s.embedResponse(id, cred))
}

func (s *Server) handleReleaseEmbed(w http.ResponseWriter, r *http.Request) {
	id, ok := s.dashboardID(w, r)
	if !ok {
		return
	}
	if !s.deps.Sessions.Release(id) {
		s.writeError(w, r, "embed.release", embedsession.ErrNotStarted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
