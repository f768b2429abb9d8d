// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package problem

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/embedguard/internal/log"
)

func TestWrite(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/embed/abc", nil)
	req = req.WithContext(log.ContextWithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()

	Write(rec, req, http.StatusNotFound, "embed/not_found", "Not Found", "SESSION_NOT_FOUND", "no session")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "req-1", rec.Header().Get(HeaderRequestID))

	var got Details
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, Details{
		Type:      "embed/not_found",
		Title:     "Not Found",
		Status:    http.StatusNotFound,
		Code:      "SESSION_NOT_FOUND",
		Detail:    "no session",
		Instance:  "/api/v1/embed/abc",
		RequestID: "req-1",
	}, got)
}

func TestWrite_FallsBackToResponseHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set(HeaderRequestID, "from-header")
	Write(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusTeapot, "t", "T", "C", "")

	var got Details
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "from-header", got.RequestID)
	assert.Empty(t, got.Detail)
}
