// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upstream

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrUnavailable  = errors.New("upstream: host unreachable or transport failure")
	ErrServerError  = errors.New("upstream: server error (5xx)")
	ErrRejected     = errors.New("upstream: request rejected (4xx)")
	ErrThrottled    = errors.New("upstream: throttled (429)")
	ErrBadResponse  = errors.New("upstream: invalid response format or malformed data")
	ErrMissingToken = errors.New("upstream: token response without jwtToken")
)

// StatusError carries the diagnostic detail of a failed backend call.
// It is logged, never rendered to end users.
type StatusError struct {
	Sentinel error
	Endpoint string
	Status   int
	Body     string
	Err      error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("upstream %s: %v", e.Endpoint, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *StatusError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Sentinel, e.Err}
	}
	return []error{e.Sentinel}
}

// countsAsOutage reports whether the failure says the backend is down
// rather than that the request was wrong.
func (e *StatusError) countsAsOutage() bool {
	switch e.Sentinel {
	case ErrUnavailable, ErrServerError, ErrThrottled, ErrBadResponse:
		return true
	}
	return false
}
