// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package embedsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/embedguard/internal/resilience"
	"github.com/ManuGH/embedguard/internal/scheduler"
	"github.com/ManuGH/embedguard/internal/scheduler/schedulertest"
)

var (
	epoch       = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	errUpstream = errors.New("upstream 503")
)

// fakeSource issues credentials relative to the virtual clock: expiresAt
// now+60m, refreshBefore now+55m. Queued failures are consumed first.
type fakeSource struct {
	clock scheduler.Scheduler

	mu       sync.Mutex
	calls    []TokenRequest
	failNext int
	failAll  bool
	issued   int
}

func (f *fakeSource) FetchToken(_ context.Context, req TokenRequest) (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.failAll {
		return Credential{}, errUpstream
	}
	if f.failNext > 0 {
		f.failNext--
		return Credential{}, errUpstream
	}
	f.issued++
	return issue(f.clock.Now(), fmt.Sprintf("tok-%d", f.issued)), nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSource) LastRequest() TokenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeSource) setFailAll(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = v
}

func (f *fakeSource) setFailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

func issue(now time.Time, token string) Credential {
	return Credential{
		Token:         token,
		ResourceURL:   "https://analytics.example.com/embed/dash-1?token=" + token,
		ExpiresAt:     now.Add(60 * time.Minute),
		RefreshBefore: now.Add(55 * time.Minute),
	}
}

type fakeGate struct {
	open   atomic.Bool
	resets atomic.Int32
}

func (g *fakeGate) IsOpen() bool { return g.open.Load() }
func (g *fakeGate) Reset()       { g.resets.Add(1); g.open.Store(false) }

type harness struct {
	fake      *schedulertest.Fake
	source    *fakeSource
	ctrl      *Controller
	refreshed []Credential
	errs      []error
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{fake: schedulertest.NewFake(epoch)}
	h.source = &fakeSource{clock: h.fake}
	nop := zerolog.Nop()
	cfg := Config{
		DashboardID:   "dash-1",
		AccessSurface: "admin",
		Source:        h.source,
		Scheduler:     h.fake,
		Logger:        &nop,
		OnRefreshed:   func(c Credential) { h.refreshed = append(h.refreshed, c) },
		OnError:       func(err error) { h.errs = append(h.errs, err) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := New(cfg)
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(ctrl.Stop)
	return h
}

func TestNew_RequiresSource(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCredential_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cred    Credential
		wantErr bool
	}{
		{name: "valid", cred: issue(epoch, "t")},
		{name: "empty token", cred: Credential{ExpiresAt: epoch.Add(time.Hour), RefreshBefore: epoch}, wantErr: true},
		{name: "refresh equals expiry", cred: Credential{Token: "t", ExpiresAt: epoch, RefreshBefore: epoch}, wantErr: true},
		{name: "refresh after expiry", cred: Credential{Token: "t", ExpiresAt: epoch, RefreshBefore: epoch.Add(time.Second)}, wantErr: true},
		{name: "missing window", cred: Credential{Token: "t"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cred.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCredential)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestStart_ArmsAtRefreshBeforeAndNotEarlier(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))

	assert.Equal(t, StateActive, h.ctrl.State())
	d, ok := h.fake.NextIn()
	require.True(t, ok)
	assert.Equal(t, 55*time.Minute, d)

	h.fake.Advance(55*time.Minute - time.Second)
	assert.Equal(t, 0, h.source.Calls(), "must not refresh before refreshBefore")

	h.fake.Advance(time.Second)
	assert.Equal(t, 1, h.source.Calls())
	assert.Equal(t, "tok-0", h.source.LastRequest().CurrentToken, "current token is proof of continuity")
	assert.Equal(t, "admin", h.source.LastRequest().AccessSurface)
}

func TestStart_PastRefreshBeforeFiresOnNextTick(t *testing.T) {
	h := newHarness(t, nil)
	stale := issue(epoch.Add(-56*time.Minute), "old")
	require.NoError(t, h.ctrl.Start(stale))

	assert.Equal(t, 0, h.source.Calls(), "refresh must not run inline")
	d, ok := h.fake.NextIn()
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d, "delay clamps to zero")

	h.fake.Tick()
	assert.Equal(t, 1, h.source.Calls())
	assert.Equal(t, StateActive, h.ctrl.State())
}

func TestStart_RejectsInvalidCredential(t *testing.T) {
	h := newHarness(t, nil)
	err := h.ctrl.Start(Credential{Token: "t"})
	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 0, h.fake.Pending())
}

func TestStart_TwiceLeavesSingleTimer(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Start(issue(epoch, "a")))
	require.NoError(t, h.ctrl.Start(issue(epoch.Add(10*time.Minute), "b")))

	assert.Equal(t, 1, h.fake.Pending())
	h.fake.Advance(2 * time.Hour)
	assert.Equal(t, "b", h.source.calls[0].CurrentToken)
}

func TestScenario_SixtyMinuteTokenRefreshesEveryFiftyFive(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))

	h.fake.Advance(55 * time.Minute)
	require.Equal(t, 1, h.source.Calls())
	require.Len(t, h.refreshed, 1)
	assert.Equal(t, "tok-1", h.refreshed[0].Token)

	cred, ok := h.ctrl.Credential()
	require.True(t, ok)
	assert.Equal(t, "tok-1", cred.Token)

	d, ok := h.fake.NextIn()
	require.True(t, ok)
	assert.Equal(t, 55*time.Minute, d, "next cycle armed from the new refreshBefore")

	h.fake.Advance(55 * time.Minute)
	assert.Equal(t, 2, h.source.Calls())
	assert.Equal(t, "tok-1", h.source.LastRequest().CurrentToken)
}

func TestStop_PreventsFurtherCalls(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))

	h.ctrl.Stop()
	h.ctrl.Stop()

	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 0, h.fake.Pending())
	_, ok := h.ctrl.Credential()
	assert.False(t, ok)

	h.fake.Advance(3 * time.Hour)
	assert.Equal(t, 0, h.source.Calls())
}

func TestStop_ThenStartBehavesLikeFresh(t *testing.T) {
	h := newHarness(t, nil)
	h.source.setFailAll(true)
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))
	h.fake.Advance(55*time.Minute + 3*time.Second)
	require.Equal(t, 2, h.ctrl.RetryCount())

	h.ctrl.Stop()
	h.source.setFailAll(false)
	require.NoError(t, h.ctrl.Start(issue(h.fake.Now(), "tok-fresh")))

	assert.Equal(t, 0, h.ctrl.RetryCount())
	assert.Equal(t, 1, h.fake.Pending())
}

func TestRetries_ExpiresOnceAfterInitialPlusMaxRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.source.setFailAll(true)
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))

	h.fake.Advance(55 * time.Minute)
	assert.Equal(t, 1, h.source.Calls())
	assert.Equal(t, StateRefreshing, h.ctrl.State())
	assert.Equal(t, 1, h.ctrl.RetryCount())
	d, ok := h.fake.NextIn()
	require.True(t, ok)
	assert.Equal(t, DefaultRetryDelay, d)

	h.fake.Advance(DefaultRetryDelay)
	h.fake.Advance(DefaultRetryDelay)
	assert.Equal(t, 3, h.source.Calls())
	assert.Equal(t, 3, h.ctrl.RetryCount())
	assert.Empty(t, h.errs)

	h.fake.Advance(DefaultRetryDelay)
	assert.Equal(t, 4, h.source.Calls(), "initial attempt plus MaxRetries retries")
	assert.Equal(t, StateExpired, h.ctrl.State())
	require.Len(t, h.errs, 1)
	assert.ErrorIs(t, h.errs[0], ErrSessionExpired)
	assert.Equal(t, 0, h.fake.Pending(), "no timer after terminal expiry")

	_, ok = h.ctrl.Credential()
	assert.False(t, ok, "credential is discarded on expiry")

	h.fake.Advance(24 * time.Hour)
	assert.Equal(t, 4, h.source.Calls())
	assert.Len(t, h.errs, 1)
}

func TestRetries_SuccessResetsCounter(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))

	// Two failures, then a success on the second retry.
	h.source.setFailNext(2)
	h.fake.Advance(55 * time.Minute)
	h.fake.Advance(DefaultRetryDelay)
	require.Equal(t, 2, h.ctrl.RetryCount())
	h.fake.Advance(DefaultRetryDelay)
	require.Equal(t, 3, h.source.Calls())
	require.Equal(t, 0, h.ctrl.RetryCount())
	require.Equal(t, StateActive, h.ctrl.State())

	// A fresh failure chain gets the full budget again.
	h.source.setFailAll(true)
	h.fake.Advance(55 * time.Minute)
	h.fake.Advance(DefaultRetryDelay)
	h.fake.Advance(DefaultRetryDelay)
	assert.Equal(t, StateRefreshing, h.ctrl.State(), "would already be expired if the counter had not reset")
	assert.Equal(t, 3, h.ctrl.RetryCount())

	h.fake.Advance(DefaultRetryDelay)
	assert.Equal(t, StateExpired, h.ctrl.State())
	assert.Len(t, h.errs, 1)
}

func TestForceRefresh_BeforeStartRejectsWithoutNetwork(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.ctrl.ForceRefresh(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, 0, h.source.Calls())
}

func TestForceRefresh_AdoptsAndRearms(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))
	h.fake.Advance(30 * time.Minute)

	cred, err := h.ctrl.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.Token)
	assert.Equal(t, 1, h.fake.Pending())

	d, ok := h.fake.NextIn()
	require.True(t, ok)
	assert.Equal(t, 55*time.Minute, d, "old schedule replaced by the new credential's")
}

func TestForceRefresh_ResetsRetryBudgetFirst(t *testing.T) {
	h := newHarness(t, nil)
	h.source.setFailAll(true)
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))
	h.fake.Advance(55*time.Minute + 2*DefaultRetryDelay)
	require.Equal(t, 3, h.ctrl.RetryCount())

	_, err := h.ctrl.ForceRefresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Equal(t, 1, h.ctrl.RetryCount())
	assert.Equal(t, StateRefreshing, h.ctrl.State())
	assert.Equal(t, 1, h.fake.Pending())
}

func TestForceRefresh_AfterExpiry(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxRetries = 1 })
	h.source.setFailAll(true)
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))
	h.fake.Advance(55*time.Minute + DefaultRetryDelay)
	require.Equal(t, StateExpired, h.ctrl.State())

	calls := h.source.Calls()
	_, err := h.ctrl.ForceRefresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, calls, h.source.Calls())
}

func TestForceRefresh_FailureFollowsRetryPolicy(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxRetries = 1 })
	h.source.setFailAll(true)
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))

	_, err := h.ctrl.ForceRefresh(context.Background())
	require.ErrorIs(t, err, ErrRefreshFailed)

	h.fake.Advance(DefaultRetryDelay)
	assert.Equal(t, StateExpired, h.ctrl.State())
	require.Len(t, h.errs, 1)
}

func TestGateOpen_FailsLocallyAndCountsAsAttempt(t *testing.T) {
	gate := &fakeGate{}
	gate.open.Store(true)
	h := newHarness(t, func(c *Config) { c.Gate = gate })
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))

	h.fake.Advance(55 * time.Minute)
	assert.Equal(t, 0, h.source.Calls(), "open gate short-circuits the network call")
	assert.Equal(t, 1, h.ctrl.RetryCount())

	gate.open.Store(false)
	h.fake.Advance(DefaultRetryDelay)
	assert.Equal(t, 1, h.source.Calls())
	assert.Equal(t, StateActive, h.ctrl.State())
}

func TestCustomRetryBackOff(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MaxRetries = 5
		c.NewRetryBackOff = func() backoff.BackOff {
			return &backoff.ExponentialBackOff{
				InitialInterval:     time.Second,
				RandomizationFactor: 0,
				Multiplier:          2,
				MaxInterval:         time.Minute,
			}
		}
	})
	h.source.setFailAll(true)
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))

	h.fake.Advance(55 * time.Minute)
	var delays []time.Duration
	for i := 0; i < 3; i++ {
		d, ok := h.fake.NextIn()
		require.True(t, ok)
		delays = append(delays, d)
		h.fake.Advance(d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
}

type stopAfter struct{ n int }

func (s *stopAfter) NextBackOff() time.Duration {
	if s.n == 0 {
		return backoff.Stop
	}
	s.n--
	return time.Second
}
func (s *stopAfter) Reset() {}

func TestRetryBackOffStopEndsChainEarly(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.NewRetryBackOff = func() backoff.BackOff { return &stopAfter{n: 1} }
	})
	h.source.setFailAll(true)
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))

	h.fake.Advance(55*time.Minute + time.Second)
	assert.Equal(t, 2, h.source.Calls())
	assert.Equal(t, StateExpired, h.ctrl.State())
}

func TestPanickingSourceCountsAsFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctrl := h.ctrl
	ctrl.cfg.Source = TokenSourceFunc(func(context.Context, TokenRequest) (Credential, error) {
		panic("boom")
	})
	require.NoError(t, ctrl.Start(issue(epoch, "tok-0")))

	h.fake.Advance(55 * time.Minute)
	assert.Equal(t, 1, ctrl.RetryCount())
	assert.Equal(t, StateRefreshing, ctrl.State())
}

func TestCallbackPanicIsContained(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.OnRefreshed = func(Credential) { panic("ui gone") }
	})
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))

	assert.NotPanics(t, func() { h.fake.Advance(55 * time.Minute) })
	assert.Equal(t, StateActive, h.ctrl.State())
}

// blockingSource parks every call until released or cancelled.
type blockingSource struct {
	entered chan struct{}
	release chan struct{}
	now     func() time.Time
}

func (b *blockingSource) FetchToken(ctx context.Context, _ TokenRequest) (Credential, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return issue(b.now(), "tok-late"), nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

func TestForceRefresh_OverlapIsRejected(t *testing.T) {
	fake := schedulertest.NewFake(epoch)
	src := &blockingSource{entered: make(chan struct{}, 1), release: make(chan struct{}), now: fake.Now}
	nop := zerolog.Nop()
	ctrl, err := New(Config{DashboardID: "d", Source: src, Scheduler: fake, Logger: &nop})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(issue(epoch, "tok-0")))
	defer ctrl.Stop()

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.ForceRefresh(context.Background())
		done <- err
	}()
	<-src.entered

	_, err = ctrl.ForceRefresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshInProgress)

	close(src.release)
	assert.NoError(t, <-done)
	assert.Equal(t, StateActive, ctrl.State())
}

func TestStop_DuringInFlightDiscardsResult(t *testing.T) {
	fake := schedulertest.NewFake(epoch)
	src := &blockingSource{entered: make(chan struct{}, 1), release: make(chan struct{}), now: fake.Now}
	nop := zerolog.Nop()
	var refreshed atomic.Int32
	ctrl, err := New(Config{
		DashboardID: "d", Source: src, Scheduler: fake, Logger: &nop,
		OnRefreshed: func(Credential) { refreshed.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(issue(epoch, "tok-0")))

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.ForceRefresh(context.Background())
		done <- err
	}()
	<-src.entered

	ctrl.Stop()
	assert.ErrorIs(t, <-done, ErrStopped)
	assert.Equal(t, StateIdle, ctrl.State())
	assert.Equal(t, int32(0), refreshed.Load())
	assert.Equal(t, 0, fake.Pending())
}

func TestSystemScheduler_StopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := &fakeSource{clock: scheduler.System()}
	nop := zerolog.Nop()
	ctrl, err := New(Config{DashboardID: "d", Source: src, Logger: &nop})
	require.NoError(t, err)

	require.NoError(t, ctrl.Start(issue(time.Now(), "tok-0")))
	ctrl.Stop()
	ctrl.Stop()
	assert.Equal(t, 0, src.Calls())
}

func TestSystemScheduler_PastDeadlineRefreshesAsynchronously(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := &fakeSource{clock: scheduler.System()}
	nop := zerolog.Nop()
	got := make(chan Credential, 1)
	ctrl, err := New(Config{
		DashboardID: "d", Source: src, Logger: &nop,
		OnRefreshed: func(c Credential) { got <- c },
	})
	require.NoError(t, err)
	defer ctrl.Stop()

	require.NoError(t, ctrl.Start(issue(time.Now().Add(-time.Hour), "tok-0")))

	select {
	case c := <-got:
		assert.Equal(t, "tok-1", c.Token)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never fired")
	}
}

var _ resilience.Gate = (*fakeGate)(nil)

func TestCredential_WithheldOncePastExpiryWhileRetrying(t *testing.T) {
	h := newHarness(t, nil)
	h.source.setFailAll(true)
	short := Credential{
		Token:         "short",
		ExpiresAt:     epoch.Add(2 * time.Second),
		RefreshBefore: epoch.Add(time.Second),
	}
	require.NoError(t, h.ctrl.Start(short))

	h.fake.Advance(time.Second)
	assert.Equal(t, StateRefreshing, h.ctrl.State())
	assert.Equal(t, 1, h.ctrl.RetryCount())
	got, ok := h.ctrl.Credential()
	require.True(t, ok, "still valid before expiresAt")
	assert.Equal(t, "short", got.Token)

	h.fake.Advance(2 * time.Second)
	assert.Equal(t, StateRefreshing, h.ctrl.State(), "retry chain still running")
	_, ok = h.ctrl.Credential()
	assert.False(t, ok, "a credential past expiresAt is never handed out")
}

func TestForceRefresh_CallerCancellationSpendsNoRetries(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Source = TokenSourceFunc(func(ctx context.Context, _ TokenRequest) (Credential, error) {
			if err := ctx.Err(); err != nil {
				return Credential{}, err
			}
			return issue(c.Scheduler.Now(), "renewed"), nil
		})
	})
	require.NoError(t, h.ctrl.Start(issue(epoch, "tok-0")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range DefaultMaxRetries + 1 {
		_, err := h.ctrl.ForceRefresh(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateActive, h.ctrl.State())
	assert.Equal(t, 0, h.ctrl.RetryCount())
	assert.Empty(t, h.errs)
	d, ok := h.fake.NextIn()
	require.True(t, ok, "renewal schedule resumes")
	assert.Equal(t, 55*time.Minute, d)

	h.fake.Advance(55 * time.Minute)
	cred, ok := h.ctrl.Credential()
	require.True(t, ok)
	assert.Equal(t, "renewed", cred.Token)
}

func TestStop_CancelsScheduledRenewalInFlight(t *testing.T) {
	fake := schedulertest.NewFake(epoch)
	src := &blockingSource{entered: make(chan struct{}, 1), release: make(chan struct{}), now: fake.Now}
	nop := zerolog.Nop()
	ctrl, err := New(Config{DashboardID: "d", Source: src, Scheduler: fake, Logger: &nop})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(issue(epoch, "tok-0")))

	advanced := make(chan struct{})
	go func() {
		fake.Advance(55 * time.Minute)
		close(advanced)
	}()
	<-src.entered
	assert.Equal(t, StateRefreshing, ctrl.State())

	ctrl.Stop()
	select {
	case <-advanced:
	case <-time.After(time.Second):
		t.Fatal("scheduled renewal was not cancelled by Stop")
	}
	assert.Equal(t, StateIdle, ctrl.State())
	assert.Equal(t, 0, fake.Pending())
}
