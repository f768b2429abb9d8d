// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package embedsession

import "errors"

var (
	// ErrNotStarted is returned by ForceRefresh before Start. Programmer error; not retried.
	ErrNotStarted = errors.New("embed session not started")
	// ErrSessionExpired is the opaque terminal signal after retries are exhausted.
	ErrSessionExpired = errors.New("embed session expired")
	// ErrRefreshInProgress rejects an attempt that overlaps a running one.
	ErrRefreshInProgress = errors.New("embed session refresh already in progress")
	// ErrRefreshFailed is a transient failure; a retry is scheduled.
	ErrRefreshFailed = errors.New("embed session refresh failed")
	// ErrStopped reports that the controller was stopped or restarted while the attempt ran.
	ErrStopped = errors.New("embed session stopped")
	// ErrCredentialLapsed reports that the credential passed its expiresAt
	// while renewal is still retrying.
	ErrCredentialLapsed = errors.New("embed credential lapsed, renewal retrying")
	// ErrInvalidCredential rejects credentials that break the validity-window invariants.
	ErrInvalidCredential = errors.New("invalid embed credential")
)
