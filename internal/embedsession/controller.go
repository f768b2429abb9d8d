// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package embedsession keeps the bearer credential of an embedded dashboard
// valid for as long as its controller runs.
package embedsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/embedguard/internal/log"
	"github.com/ManuGH/embedguard/internal/metrics"
	"github.com/ManuGH/embedguard/internal/resilience"
	"github.com/ManuGH/embedguard/internal/scheduler"
	"github.com/ManuGH/embedguard/internal/telemetry"
)

// State is the controller lifecycle phase.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting" // first fetch in flight; owned by Manager
	StateActive     State = "active"
	StateRefreshing State = "refreshing"
	StateExpired    State = "expired"
)

// Trigger names what started a refresh attempt.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerRetry     Trigger = "retry"
	TriggerForced    Trigger = "forced"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 3 * time.Second
)

// Config configures one Controller.
type Config struct {
	DashboardID   string
	AccessSurface string
	SessionID     string

	// MaxRetries bounds retries after a failed attempt. Zero means DefaultMaxRetries.
	MaxRetries int
	// RetryDelay is the fixed delay between retries. Zero means DefaultRetryDelay.
	RetryDelay time.Duration
	// NewRetryBackOff overrides RetryDelay with a per-controller policy.
	// Returning backoff.Stop ends the retry chain early.
	NewRetryBackOff func() backoff.BackOff

	// OnRefreshed runs after every adopted renewal.
	OnRefreshed func(Credential)
	// OnError runs once, with ErrSessionExpired, when retries are exhausted.
	OnError func(error)

	Source    TokenSource
	Scheduler scheduler.Scheduler
	Gate      resilience.Gate
	Logger    *zerolog.Logger
}

// Controller owns one embedded resource's credential and its renewal timer.
type Controller struct {
	cfg        Config
	maxRetries int
	retry      backoff.BackOff
	sched      scheduler.Scheduler
	logger     zerolog.Logger
	tracer     trace.Tracer

	mu         sync.Mutex
	state      State
	cred       Credential
	retryCount int
	inFlight   bool
	epoch      uint64
	timer      *scheduler.Slot
	runCtx     context.Context
	cancelRun  context.CancelFunc
}

// New validates cfg and returns an idle controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Source == nil {
		return nil, errors.New("embedsession: token source is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = scheduler.System()
	}

	var retry backoff.BackOff
	if cfg.NewRetryBackOff != nil {
		retry = cfg.NewRetryBackOff()
	}
	if retry == nil {
		retry = backoff.NewConstantBackOff(cfg.RetryDelay)
	}

	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = log.WithComponent("embedsession")
	}
	logger = logger.With().
		Str(log.FieldDashboardID, cfg.DashboardID).
		Str(log.FieldSessionID, cfg.SessionID).
		Logger()

	return &Controller{
		cfg:        cfg,
		maxRetries: cfg.MaxRetries,
		retry:      retry,
		sched:      sched,
		logger:     logger,
		tracer:     telemetry.Tracer("embedguard/embedsession"),
		state:      StateIdle,
		timer:      scheduler.NewSlot(sched),
	}, nil
}

// Start adopts a credential the caller already obtained and arms its renewal.
// Any previous schedule is cancelled first.
func (c *Controller) Start(cred Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.teardownLocked()
	c.runCtx, c.cancelRun = context.WithCancel(context.Background())
	c.cred = cred
	c.retryCount = 0
	c.retry.Reset()
	c.setStateLocked(StateActive)
	delay := c.armRenewalLocked()
	c.mu.Unlock()

	metrics.ObserveCredentialTTL(cred.ExpiresAt.Sub(c.sched.Now()).Seconds())
	c.logger.Info().
		Str(log.FieldEvent, "session.started").
		Dur(log.FieldDelay, delay).
		Time("expires_at", cred.ExpiresAt).
		Msg("embed session started")
	return nil
}

// ForceRefresh renews immediately outside the schedule, with a fresh retry
// budget. A failure still follows the retry policy.
func (c *Controller) ForceRefresh(ctx context.Context) (Credential, error) {
	return c.attempt(ctx, TriggerForced)
}

// Stop cancels the pending timer and any in-flight fetch, discards the
// credential, and returns to idle. Safe from any state, any number of times.
func (c *Controller) Stop() {
	c.mu.Lock()
	prev := c.state
	c.teardownLocked()
	c.cred = Credential{}
	c.retryCount = 0
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	if prev != StateIdle {
		c.logger.Info().
			Str(log.FieldEvent, "session.stopped").
			Str(log.FieldOldState, string(prev)).
			Msg("embed session stopped")
	}
}

// State returns the lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Credential returns the live credential, if any. A credential past its
// ExpiresAt is never returned, even while a retry chain is still running.
func (c *Controller) Credential() (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle || c.state == StateExpired {
		return Credential{}, false
	}
	if c.cred.Expired(c.sched.Now()) {
		return Credential{}, false
	}
	return c.cred, true
}

// RetryCount returns retries spent in the current failure chain.
func (c *Controller) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// teardownLocked invalidates timers and in-flight attempts of the previous run.
func (c *Controller) teardownLocked() {
	c.timer.Cancel()
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	c.epoch++
	c.inFlight = false
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	if c.state != StateIdle {
		metrics.AddSessions(string(c.state), -1)
	}
	if s != StateIdle {
		metrics.AddSessions(string(s), 1)
	}
	c.state = s
}

func (c *Controller) armRenewalLocked() time.Duration {
	delay := scheduler.DelayUntil(c.sched.Now(), c.cred.RefreshBefore)
	c.armLocked(delay, TriggerScheduled)
	return delay
}

func (c *Controller) armLocked(delay time.Duration, trigger Trigger) {
	c.timer.Arm(delay, func(gen uint64) { c.onTimer(gen, trigger) })
}

func (c *Controller) onTimer(gen uint64, trigger Trigger) {
	c.mu.Lock()
	live := c.timer.Claim(gen)
	runCtx := c.runCtx
	c.mu.Unlock()
	if !live || runCtx == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str(log.FieldEvent, "session.timer_panic").
				Interface("panic", r).
				Msg("recovered panic in refresh timer")
		}
	}()
	_, _ = c.attempt(runCtx, trigger)
}

// attempt performs one guarded refresh. ctx is additionally bound to the
// run context, so Stop cancels the fetch.
func (c *Controller) attempt(ctx context.Context, trigger Trigger) (Credential, error) {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return Credential{}, ErrNotStarted
	case StateExpired:
		c.mu.Unlock()
		return Credential{}, ErrSessionExpired
	}
	if c.inFlight {
		c.mu.Unlock()
		c.logger.Debug().
			Str(log.FieldEvent, "session.refresh_rejected").
			Str(log.FieldTrigger, string(trigger)).
			Msg("refresh already in flight")
		return Credential{}, ErrRefreshInProgress
	}
	if trigger == TriggerForced {
		c.timer.Cancel()
		c.retryCount = 0
		c.retry.Reset()
	}
	c.inFlight = true
	c.setStateLocked(StateRefreshing)
	epoch := c.epoch
	attemptNo := c.retryCount + 1
	req := TokenRequest{
		DashboardID:   c.cfg.DashboardID,
		CurrentToken:  c.cred.Token,
		AccessSurface: c.cfg.AccessSurface,
	}
	runCtx := c.runCtx
	c.mu.Unlock()

	callerCtx := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	ctx, span := c.tracer.Start(ctx, "embedsession.refresh",
		trace.WithAttributes(telemetry.RefreshAttributes(c.cfg.DashboardID, string(trigger), attemptNo)...))
	cred, err := c.fetch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
	}
	span.End()

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug().
			Str(log.FieldEvent, "session.refresh_discarded").
			Str(log.FieldTrigger, string(trigger)).
			Msg("discarding refresh result from a stopped run")
		return Credential{}, ErrStopped
	}
	c.inFlight = false

	if err == nil {
		return c.adoptLocked(cred, trigger)
	}
	if cerr := callerCtx.Err(); cerr != nil && runCtx.Err() == nil {
		return c.abandonLocked(cerr, trigger)
	}
	return c.failLocked(err, trigger, attemptNo)
}

func (c *Controller) fetch(ctx context.Context, req TokenRequest) (cred Credential, err error) {
	if c.cfg.Gate != nil && c.cfg.Gate.IsOpen() {
		return Credential{}, resilience.ErrCircuitOpen
	}
	defer func() {
		if r := recover(); r != nil {
			cred, err = Credential{}, fmt.Errorf("token source panic: %v", r)
		}
	}()
	cred, err = c.cfg.Source.FetchToken(ctx, req)
	if err != nil {
		return Credential{}, err
	}
	if err := cred.Validate(); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// adoptLocked installs a renewed credential. It releases c.mu.
func (c *Controller) adoptLocked(cred Credential, trigger Trigger) (Credential, error) {
	c.cred = cred
	c.retryCount = 0
	c.retry.Reset()
	c.setStateLocked(StateActive)
	delay := c.armRenewalLocked()
	onRefreshed := c.cfg.OnRefreshed
	c.mu.Unlock()

	metrics.RecordSessionRefresh(string(trigger), "success")
	metrics.ObserveCredentialTTL(cred.ExpiresAt.Sub(c.sched.Now()).Seconds())
	c.logger.Info().
		Str(log.FieldEvent, "session.refreshed").
		Str(log.FieldTrigger, string(trigger)).
		Dur(log.FieldDelay, delay).
		Time("expires_at", cred.ExpiresAt).
		Msg("embed credential refreshed")

	if onRefreshed != nil {
		c.safeCallback("on_refreshed", func() { onRefreshed(cred) })
	}
	return cred, nil
}

// abandonLocked handles an attempt whose caller went away. The backend was
// not at fault, so no retry budget is spent; the renewal schedule resumes.
// It releases c.mu.
func (c *Controller) abandonLocked(cause error, trigger Trigger) (Credential, error) {
	c.setStateLocked(StateActive)
	delay := c.armRenewalLocked()
	c.mu.Unlock()

	metrics.RecordSessionRefresh(string(trigger), "cancelled")
	c.logger.Debug().
		Err(cause).
		Str(log.FieldEvent, "session.refresh_cancelled").
		Str(log.FieldTrigger, string(trigger)).
		Dur(log.FieldDelay, delay).
		Msg("caller cancelled refresh, renewal schedule resumed")
	return Credential{}, cause
}

// failLocked applies the retry policy after a failed attempt. It releases c.mu.
func (c *Controller) failLocked(cause error, trigger Trigger, attemptNo int) (Credential, error) {
	outcome := "failure"
	if errors.Is(cause, resilience.ErrCircuitOpen) {
		outcome = "circuit_open"
	}
	metrics.RecordSessionRefresh(string(trigger), outcome)

	if c.retryCount < c.maxRetries {
		if delay := c.retry.NextBackOff(); delay != backoff.Stop {
			c.retryCount++
			retries := c.retryCount
			c.armLocked(delay, TriggerRetry)
			c.mu.Unlock()

			c.logger.Warn().
				Err(cause).
				Str(log.FieldEvent, "session.refresh_failed").
				Str(log.FieldTrigger, string(trigger)).
				Int(log.FieldAttempt, attemptNo).
				Int(log.FieldRetries, retries).
				Dur(log.FieldDelay, delay).
				Msg("embed credential refresh failed, retry scheduled")
			return Credential{}, fmt.Errorf("%w (retry %d/%d scheduled)", ErrRefreshFailed, retries, c.maxRetries)
		}
	}

	c.timer.Cancel()
	c.cred = Credential{}
	c.setStateLocked(StateExpired)
	retries := c.retryCount
	onError := c.cfg.OnError
	c.mu.Unlock()

	metrics.RecordSessionExpired()
	c.logger.Error().
		Err(cause).
		Str(log.FieldEvent, "session.expired").
		Str(log.FieldTrigger, string(trigger)).
		Int(log.FieldRetries, retries).
		Msg("embed session expired after exhausting retries")

	if onError != nil {
		c.safeCallback("on_error", func() { onError(ErrSessionExpired) })
	}
	return Credential{}, ErrSessionExpired
}

func (c *Controller) safeCallback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str(log.FieldEvent, "session.callback_panic").
				Str("callback", name).
				Interface("panic", r).
				Msg("recovered panic in session callback")
		}
	}()
	fn()
}
