// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package embedsession

import (
	"context"
	"fmt"
	"time"
)

// Credential is a short-lived bearer token plus its validity window and the
// ready-to-render embed URL.
type Credential struct {
	Token         string    `json:"token"`
	ResourceURL   string    `json:"resourceUrl"`
	ExpiresAt     time.Time `json:"expiresAt"`
	RefreshBefore time.Time `json:"refreshBefore"`
}

// Validate checks the invariants every adopted credential must hold.
func (c Credential) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}
	if c.ExpiresAt.IsZero() || c.RefreshBefore.IsZero() {
		return fmt.Errorf("%w: missing validity window", ErrInvalidCredential)
	}
	if !c.RefreshBefore.Before(c.ExpiresAt) {
		return fmt.Errorf("%w: refreshBefore %s not before expiresAt %s",
			ErrInvalidCredential, c.RefreshBefore.Format(time.RFC3339), c.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// Expired reports whether the credential is unusable at now.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// TokenRequest is what the token endpoint needs to issue a credential.
// CurrentToken is set on renewals as proof of continuity.
type TokenRequest struct {
	DashboardID   string
	CurrentToken  string
	AccessSurface string
}

// TokenSource issues credentials.
type TokenSource interface {
	FetchToken(ctx context.Context, req TokenRequest) (Credential, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context, req TokenRequest) (Credential, error)

func (f TokenSourceFunc) FetchToken(ctx context.Context, req TokenRequest) (Credential, error) {
	return f(ctx, req)
}
