// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package upstream is the HTTP client for the analytics backend's token,
// health, and incidents endpoints.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ManuGH/embedguard/internal/embedsession"
	"github.com/ManuGH/embedguard/internal/healthpoll"
	"github.com/ManuGH/embedguard/internal/log"
	"github.com/ManuGH/embedguard/internal/metrics"
	"github.com/ManuGH/embedguard/internal/platform/httpx"
	"github.com/ManuGH/embedguard/internal/resilience"
	"github.com/ManuGH/embedguard/internal/telemetry"
)

const (
	EndpointToken     = "token"
	EndpointHealth    = "health"
	EndpointIncidents = "incidents"

	DefaultRefreshLead = 5 * time.Minute

	maxResponseBytes = 1 << 20
	maxErrorBody     = 512
)

// Config configures a Client.
type Config struct {
	BaseURL string
	// APIKey authenticates the daemon itself; sent as a bearer header.
	APIKey  string
	Timeout time.Duration
	// RefreshLead derives refreshBefore when the backend omits it.
	RefreshLead time.Duration
	// RateLimit bounds outbound calls per second; zero disables limiting.
	RateLimit rate.Limit
	Burst     int

	Gate     resilience.Gate
	Recorder resilience.Recorder

	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *zerolog.Logger
}

// Client talks to the analytics backend.
type Client struct {
	base     string
	apiKey   string
	lead     time.Duration
	http     *http.Client
	limiter  *rate.Limiter
	gate     resilience.Gate
	recorder resilience.Recorder
	now      func() time.Time
	logger   zerolog.Logger
}

var (
	_ embedsession.TokenSource = (*Client)(nil)
	_ healthpoll.Fetcher       = (*Client)(nil)
)

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, errors.New("upstream: base URL is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("upstream: base URL %q must be http or https", cfg.BaseURL)
	}
	c := &Client{
		base:     base,
		apiKey:   cfg.APIKey,
		lead:     cfg.RefreshLead,
		http:     cfg.HTTPClient,
		gate:     cfg.Gate,
		recorder: cfg.Recorder,
		now:      cfg.Now,
	}
	if c.lead <= 0 {
		c.lead = DefaultRefreshLead
	}
	if c.http == nil {
		c.http = httpx.NewTracedClient(cfg.Timeout)
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	if cfg.Logger != nil {
		c.logger = *cfg.Logger
	} else {
		c.logger = log.WithComponent("upstream")
	}
	c.logger = c.logger.With().Str(log.FieldBaseURL, base).Logger()
	return c, nil
}

type tokenRequestBody struct {
	DashboardID   string `json:"dashboardId"`
	CurrentToken  string `json:"currentToken,omitempty"`
	AccessSurface string `json:"accessSurface"`
}

type tokenResponseBody struct {
	JWTToken      string     `json:"jwtToken"`
	ExpiresAt     *time.Time `json:"expiresAt"`
	RefreshBefore *time.Time `json:"refreshBefore"`
	ResourceURL   string     `json:"resourceUrl"`
}

// FetchToken issues or renews an embed credential.
func (c *Client) FetchToken(ctx context.Context, req embedsession.TokenRequest) (embedsession.Credential, error) {
	var resp tokenResponseBody
	body := tokenRequestBody(req)
	if err := c.do(ctx, EndpointToken, http.MethodPost, "/embed/token", body, &resp); err != nil {
		return embedsession.Credential{}, err
	}
	cred, err := c.credential(resp)
	if err != nil {
		c.recordOutage()
		return embedsession.Credential{}, &StatusError{Sentinel: ErrBadResponse, Endpoint: EndpointToken, Err: err}
	}
	return cred, nil
}

// credential fills missing validity fields: expiresAt from the JWT exp
// claim, refreshBefore from the configured lead.
func (c *Client) credential(resp tokenResponseBody) (embedsession.Credential, error) {
	if resp.JWTToken == "" {
		return embedsession.Credential{}, ErrMissingToken
	}
	cred := embedsession.Credential{Token: resp.JWTToken, ResourceURL: resp.ResourceURL}

	if resp.ExpiresAt != nil {
		cred.ExpiresAt = *resp.ExpiresAt
	} else {
		exp, err := expiryFromJWT(resp.JWTToken)
		if err != nil {
			return embedsession.Credential{}, err
		}
		cred.ExpiresAt = exp
	}

	if resp.RefreshBefore != nil {
		cred.RefreshBefore = *resp.RefreshBefore
	} else {
		cred.RefreshBefore = refreshBefore(c.now(), cred.ExpiresAt, c.lead)
	}
	return cred, cred.Validate()
}

// refreshBefore is expiresAt-lead, or the midpoint of the remaining
// lifetime when the token lives shorter than the lead.
func refreshBefore(now, expiresAt time.Time, lead time.Duration) time.Time {
	rb := expiresAt.Add(-lead)
	if rb.After(now) {
		return rb
	}
	if remaining := expiresAt.Sub(now); remaining > 0 {
		return now.Add(remaining / 2)
	}
	return expiresAt.Add(-time.Second)
}

// FetchHealth reads the aggregate health report.
func (c *Client) FetchHealth(ctx context.Context) (healthpoll.Report, error) {
	var r healthpoll.Report
	err := c.do(ctx, EndpointHealth, http.MethodGet, "/health", nil, &r)
	return r, err
}

// FetchIncidents reads the active incidents.
func (c *Client) FetchIncidents(ctx context.Context) (healthpoll.IncidentList, error) {
	var l healthpoll.IncidentList
	err := c.do(ctx, EndpointIncidents, http.MethodGet, "/incidents", nil, &l)
	return l, err
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, in, out any) error {
	start := time.Now()
	logger := log.WithContext(ctx, c.logger).With().Str(log.FieldEndpoint, endpoint).Logger()

	if c.gate != nil && c.gate.IsOpen() {
		metrics.ObserveUpstreamRequest(endpoint, "circuit_open", 0)
		return resilience.ErrCircuitOpen
	}
	if c.limiter != nil && !c.limiter.Allow() {
		metrics.RecordUpstreamThrottled(endpoint)
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("upstream %s: encode request: %w", endpoint, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("upstream %s: build request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if id := log.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Cancellation is ours, not the backend's.
			metrics.ObserveUpstreamRequest(endpoint, "cancelled", time.Since(start))
			return ctxErr
		}
		return c.fail(logger, start, &StatusError{Sentinel: ErrUnavailable, Endpoint: endpoint, Err: err})
	}
	defer func() { _ = resp.Body.Close() }()

	trace.SpanFromContext(ctx).SetAttributes(telemetry.UpstreamAttributes(endpoint, resp.StatusCode)...)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return c.fail(logger, start, &StatusError{
			Sentinel: classify(resp.StatusCode),
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(snippet)),
		})
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return c.fail(logger, start, &StatusError{
			Sentinel: ErrBadResponse,
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Err:      err,
		})
	}

	if c.recorder != nil {
		c.recorder.RecordSuccess()
	}
	metrics.ObserveUpstreamRequest(endpoint, "success", time.Since(start))
	return nil
}

func classify(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrThrottled
	case status >= 500:
		return ErrServerError
	case status >= 400:
		return ErrRejected
	default:
		return ErrBadResponse
	}
}

func (c *Client) fail(logger zerolog.Logger, start time.Time, se *StatusError) error {
	outcome := "client_error"
	if se.countsAsOutage() {
		outcome = "outage"
		c.recordOutage()
	} else if c.recorder != nil {
		// The backend answered; it is up.
		c.recorder.RecordSuccess()
	}
	metrics.ObserveUpstreamRequest(se.Endpoint, outcome, time.Since(start))
	logger.Warn().
		Err(se).
		Str(log.FieldEvent, "upstream.request_failed").
		Int(log.FieldStatusCode, se.Status).
		Msg("analytics backend call failed")
	return se
}

func (c *Client) recordOutage() {
	if c.recorder != nil {
		c.recorder.RecordFailure()
	}
}
