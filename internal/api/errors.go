// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/embedguard/internal/api/problem"
	"github.com/ManuGH/embedguard/internal/embedsession"
	"github.com/ManuGH/embedguard/internal/healthpoll"
	"github.com/ManuGH/embedguard/internal/log"
	"github.com/ManuGH/embedguard/internal/resilience"
)

const genericUnavailable = "Temporarily unavailable, retrying"

type apiError struct {
	status      int
	problemType string
	title       string
	code        string
	detail      string
}

// classify maps a domain error to a client-safe problem. Details of the
// cause never leave the process.
func classify(err error) apiError {
	switch {
	case errors.Is(err, embedsession.ErrNotStarted):
		return apiError{http.StatusNotFound, "embed/not_found", "Not Found", "SESSION_NOT_FOUND", "No embed session for this dashboard"}
	case errors.Is(err, embedsession.ErrRefreshInProgress):
		return apiError{http.StatusConflict, "embed/refresh_in_progress", "Conflict", "REFRESH_IN_PROGRESS", "A refresh is already running"}
	case errors.Is(err, healthpoll.ErrPollInProgress):
		return apiError{http.StatusConflict, "health/poll_in_progress", "Conflict", "POLL_IN_PROGRESS", "A health poll is already running"}
	case errors.Is(err, embedsession.ErrSessionExpired):
		return apiError{http.StatusServiceUnavailable, "embed/expired", "Service Unavailable", "SESSION_EXPIRED", "The embed session expired, reload to retry"}
	case errors.Is(err, embedsession.ErrCredentialLapsed):
		return apiError{http.StatusServiceUnavailable, "embed/renewing", "Service Unavailable", "SESSION_RENEWING", genericUnavailable}
	case errors.Is(err, resilience.ErrCircuitOpen):
		return apiError{http.StatusServiceUnavailable, "upstream/circuit_open", "Service Unavailable", "UPSTREAM_UNAVAILABLE", genericUnavailable}
	case errors.Is(err, embedsession.ErrStopped), errors.Is(err, embedsession.ErrManagerClosed), errors.Is(err, healthpoll.ErrNotStarted):
		return apiError{http.StatusServiceUnavailable, "system/unavailable", "Service Unavailable", "UNAVAILABLE", genericUnavailable}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusServiceUnavailable, "system/timeout", "Service Unavailable", "TIMEOUT", genericUnavailable}
	}
	return apiError{http.StatusBadGateway, "upstream/error", "Bad Gateway", "UPSTREAM_ERROR", genericUnavailable}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	e := classify(err)
	logger := log.WithContext(r.Context(), s.logger)
	ev := logger.Warn()
	if e.status >= 500 {
		ev = logger.Error()
	}
	ev.Err(err).
		Str(log.FieldEvent, "api.request_failed").
		Str("op", op).
		Str("code", e.code).
		Int("status", e.status).
		Msg("request failed")
	if e.status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeProblem(w, r, e.status, e.problemType, e.title, e.code, e.detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, title, code, detail string) {
	problem.Write(w, r, status, problemType, title, code, detail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.L().Error().Err(err).Str(log.FieldEvent, "api.encode_failed").Msg("failed to encode response")
	}
}
