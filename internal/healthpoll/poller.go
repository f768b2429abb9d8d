// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package healthpoll keeps a process-wide view of backend health and
// incidents, polling on a cadence that follows the last known status.
package healthpoll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/embedguard/internal/log"
	"github.com/ManuGH/embedguard/internal/metrics"
	"github.com/ManuGH/embedguard/internal/resilience"
	"github.com/ManuGH/embedguard/internal/scheduler"
	"github.com/ManuGH/embedguard/internal/telemetry"
	"github.com/ManuGH/embedguard/internal/visibility"
)

// Reason names what started a poll.
type Reason string

const (
	ReasonStart   Reason = "start"
	ReasonTimer   Reason = "timer"
	ReasonVisible Reason = "visible"
	ReasonManual  Reason = "manual"
)

// ErrStopped reports that the poller was stopped while a poll ran.
var ErrStopped = errors.New("health poller stopped")

// Fetcher reads the health and incidents endpoints.
type Fetcher interface {
	FetchHealth(ctx context.Context) (Report, error)
	FetchIncidents(ctx context.Context) (IncidentList, error)
}

// Config configures a Poller.
type Config struct {
	Policy     Policy
	Fetcher    Fetcher
	Gate       resilience.Gate
	Visibility visibility.Source
	Scheduler  scheduler.Scheduler
	Logger     *zerolog.Logger
}

// Poller is the health poll controller. Construct one per process.
type Poller struct {
	policy  Policy
	fetcher Fetcher
	gate    resilience.Gate
	vis     visibility.Source
	sched   scheduler.Scheduler
	logger  zerolog.Logger
	tracer  trace.Tracer

	mu          sync.Mutex
	snap        Snapshot
	started     bool
	inFlight    bool
	suspended   bool
	epoch       uint64
	timer       *scheduler.Slot
	nextReason  Reason
	runCtx      context.Context
	cancelRun   context.CancelFunc
	unsubscribe func()
	subs        map[int]func(Snapshot)
	nextSub     int
}

// New validates cfg and returns a stopped Poller.
func New(cfg Config) (*Poller, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("healthpoll: fetcher is required")
	}
	policy := cfg.Policy.WithDefaults()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("healthpoll: %w", err)
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = scheduler.System()
	}
	vis := cfg.Visibility
	if vis == nil {
		vis = visibility.NewSignal(false)
	}
	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = log.WithComponent("healthpoll")
	}

	return &Poller{
		policy:  policy,
		fetcher: cfg.Fetcher,
		gate:    cfg.Gate,
		vis:     vis,
		sched:   sched,
		logger:  logger,
		tracer:  telemetry.Tracer("embedguard/healthpoll"),
		timer:   scheduler.NewSlot(sched),
		snap:    Snapshot{OverallStatus: StatusHealthy, Views: Views{FreshnessLabel: labelAllFresh}},
		subs:    make(map[int]func(Snapshot)),
	}, nil
}

// Policy returns the effective tuning.
func (p *Poller) Policy() Policy { return p.policy }

// Start subscribes to visibility, polls once unless the page is hidden,
// and arms the schedule. Calling it on a started poller is a no-op.
func (p *Poller) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.runCtx, p.cancelRun = context.WithCancel(context.Background())
	p.mu.Unlock()

	unsub := p.vis.Subscribe(p.onVisibility)
	hidden := p.vis.Hidden()

	p.mu.Lock()
	if !p.started {
		// Stopped concurrently.
		p.mu.Unlock()
		unsub()
		return nil
	}
	p.unsubscribe = unsub
	p.snap.Hidden = hidden
	p.mu.Unlock()

	p.logger.Info().
		Str(log.FieldEvent, "health.poller_started").
		Bool("hidden", hidden).
		Msg("health poller started")

	if hidden {
		return nil
	}
	// Failures are reflected in the snapshot; the schedule is armed either way.
	_, _ = p.poll(ctx, ReasonStart)
	return nil
}

// Refresh clears the failure streak and suspension, resets the gate, and
// polls immediately regardless of cadence or visibility.
func (p *Poller) Refresh(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return Snapshot{}, ErrNotStarted
	}
	if p.inFlight {
		snap := p.snap.clone()
		p.mu.Unlock()
		return snap, ErrPollInProgress
	}
	p.snap.ConsecutiveErrors = 0
	p.suspended = false
	p.snap.Suspended = false
	p.timer.Cancel()
	p.snap.NextPollAt = nil
	p.mu.Unlock()

	if p.gate != nil {
		p.gate.Reset()
	}
	metrics.SetHealthConsecutiveErrors(0)
	metrics.SetHealthSuspended(false)
	p.logger.Info().
		Str(log.FieldEvent, "health.manual_refresh").
		Msg("health polling reset by manual refresh")

	return p.poll(ctx, ReasonManual)
}

// Stop cancels the pending poll and any in-flight fetch and unsubscribes
// from visibility. Safe to call repeatedly.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.timer.Cancel()
	p.epoch++
	p.inFlight = false
	if p.cancelRun != nil {
		p.cancelRun()
		p.cancelRun = nil
	}
	unsub := p.unsubscribe
	p.unsubscribe = nil
	p.snap.NextPollAt = nil
	p.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	metrics.SetHealthNextPoll(0)
	p.logger.Info().Str(log.FieldEvent, "health.poller_stopped").Msg("health poller stopped")
}

// Snapshot returns a copy of the current state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap.clone()
}

// Subscribe registers fn for every published snapshot. Callbacks run
// outside the poller's lock. The returned cancel func is idempotent.
func (p *Poller) Subscribe(fn func(Snapshot)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

func (p *Poller) onVisibility(hidden bool) {
	p.mu.Lock()
	if !p.started || p.snap.Hidden == hidden {
		p.mu.Unlock()
		return
	}
	p.snap.Hidden = hidden
	if hidden {
		p.timer.Cancel()
		p.snap.NextPollAt = nil
	} else if !p.suspended && !p.inFlight {
		p.armLocked(0, ReasonVisible)
	}
	snap, subs := p.publishLocked()
	p.mu.Unlock()

	if hidden {
		metrics.SetHealthNextPoll(0)
	}
	p.logger.Debug().
		Str(log.FieldEvent, "health.visibility_changed").
		Bool("hidden", hidden).
		Msg("page visibility changed")
	notify(subs, snap)
}

func (p *Poller) onTimer(gen uint64) {
	p.mu.Lock()
	live := p.timer.Claim(gen)
	reason := p.nextReason
	runCtx := p.runCtx
	p.mu.Unlock()
	if !live || runCtx == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str(log.FieldEvent, "health.timer_panic").
				Interface("panic", r).
				Msg("recovered panic in health poll timer")
		}
	}()
	_, _ = p.poll(runCtx, reason)
}

// armLocked schedules the next poll. Caller holds p.mu.
func (p *Poller) armLocked(delay time.Duration, reason Reason) {
	p.nextReason = reason
	p.timer.Arm(delay, p.onTimer)
	at := p.sched.Now().Add(delay)
	p.snap.NextPollAt = &at
	metrics.SetHealthNextPoll(delay)
}

func (p *Poller) armNextLocked() {
	p.armLocked(p.policy.NextInterval(p.snap.OverallStatus, p.snap.ConsecutiveErrors), ReasonTimer)
}

func (p *Poller) publishLocked() (Snapshot, []func(Snapshot)) {
	subs := make([]func(Snapshot), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	return p.snap.clone(), subs
}

func notify(subs []func(Snapshot), snap Snapshot) {
	for _, fn := range subs {
		fn(snap)
	}
}

// poll runs one guarded poll. ctx is additionally bound to the run
// context, so Stop cancels the fetch.
func (p *Poller) poll(ctx context.Context, reason Reason) (Snapshot, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return Snapshot{}, ErrNotStarted
	}
	if p.inFlight {
		snap := p.snap.clone()
		p.mu.Unlock()
		metrics.RecordHealthPoll("skipped_in_flight")
		return snap, ErrPollInProgress
	}
	if reason != ReasonManual && (p.suspended || p.snap.Hidden) {
		snap := p.snap.clone()
		p.mu.Unlock()
		return snap, nil
	}
	p.inFlight = true
	epoch := p.epoch
	errStreak := p.snap.ConsecutiveErrors
	runCtx := p.runCtx
	p.mu.Unlock()

	if p.gate != nil && p.gate.IsOpen() {
		return p.skip(epoch, reason)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	ctx, span := p.tracer.Start(ctx, "healthpoll.poll")
	report, incidents, err := p.fetch(ctx)
	status := string(report.OverallStatus)
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll failed")
	}
	span.SetAttributes(telemetry.PollAttributes(string(reason), status, errStreak)...)
	span.End()

	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return Snapshot{}, ErrStopped
	}
	p.inFlight = false

	if err == nil {
		return p.succeedLocked(report, incidents, reason)
	}
	return p.failLocked(err, reason)
}

func (p *Poller) skip(epoch uint64, reason Reason) (Snapshot, error) {
	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return Snapshot{}, ErrStopped
	}
	p.inFlight = false
	if !p.snap.Hidden {
		p.armNextLocked()
	}
	snap, subs := p.publishLocked()
	p.mu.Unlock()

	metrics.RecordHealthPoll("skipped_circuit_open")
	p.logger.Debug().
		Str(log.FieldEvent, "health.poll_skipped").
		Str(log.FieldTrigger, string(reason)).
		Msg("circuit open, health poll skipped")
	notify(subs, snap)
	return snap, resilience.ErrCircuitOpen
}

func (p *Poller) fetch(ctx context.Context) (report Report, incidents IncidentList, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard("health", func() error {
		r, err := p.fetcher.FetchHealth(gctx)
		if err != nil {
			return fmt.Errorf("health: %w", err)
		}
		report = r
		return nil
	}))
	g.Go(guard("incidents", func() error {
		l, err := p.fetcher.FetchIncidents(gctx)
		if err != nil {
			return fmt.Errorf("incidents: %w", err)
		}
		incidents = l
		return nil
	}))
	if err := g.Wait(); err != nil {
		return Report{}, IncidentList{}, err
	}
	if !report.OverallStatus.Valid() {
		return Report{}, IncidentList{}, fmt.Errorf("health: unknown overall status %q", report.OverallStatus)
	}
	return report, incidents, nil
}

func guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s fetch panic: %v", name, r)
			}
		}()
		return fn()
	}
}

// succeedLocked installs a successful poll. It releases p.mu.
func (p *Poller) succeedLocked(report Report, incidents IncidentList, reason Reason) (Snapshot, error) {
	now := p.sched.Now()
	p.snap.Report = report
	p.snap.Incidents = incidents.clone()
	p.snap.OverallStatus = report.OverallStatus
	p.snap.ConsecutiveErrors = 0
	p.snap.Err = ""
	p.snap.LastUpdated = now
	p.snap.Views = ComputeViews(report, incidents, now)
	if p.snap.Hidden {
		p.snap.NextPollAt = nil
	} else {
		p.armNextLocked()
	}
	snap, subs := p.publishLocked()
	p.mu.Unlock()

	metrics.RecordHealthPoll("success")
	metrics.SetHealthConsecutiveErrors(0)
	metrics.SetHealthOverallStatus(string(report.OverallStatus))
	ev := p.logger.Debug()
	if reason == ReasonManual || reason == ReasonStart {
		ev = p.logger.Info()
	}
	ev.Str(log.FieldEvent, "health.poll_succeeded").
		Str(log.FieldTrigger, string(reason)).
		Str("overall_status", string(report.OverallStatus)).
		Int("incidents", len(incidents.Incidents)).
		Msg("health poll succeeded")

	notify(subs, snap)
	return snap, nil
}

// failLocked records a failed poll without touching the last known status.
// It releases p.mu.
func (p *Poller) failLocked(cause error, reason Reason) (Snapshot, error) {
	p.snap.ConsecutiveErrors++
	p.snap.Err = UnavailableMessage
	streak := p.snap.ConsecutiveErrors
	suspend := streak >= p.policy.MaxConsecutiveErrors
	switch {
	case suspend:
		p.suspended = true
		p.snap.Suspended = true
		p.timer.Cancel()
		p.snap.NextPollAt = nil
	case p.snap.Hidden:
		p.snap.NextPollAt = nil
	default:
		p.armNextLocked()
	}
	var next time.Duration
	if p.snap.NextPollAt != nil {
		next = p.snap.NextPollAt.Sub(p.sched.Now())
	}
	snap, subs := p.publishLocked()
	p.mu.Unlock()

	metrics.RecordHealthPoll("failure")
	metrics.SetHealthConsecutiveErrors(streak)
	if suspend {
		metrics.SetHealthSuspended(true)
		metrics.SetHealthNextPoll(0)
		p.logger.Error().
			Err(cause).
			Str(log.FieldEvent, "health.polling_suspended").
			Str(log.FieldTrigger, string(reason)).
			Int("consecutive_errors", streak).
			Msg("health polling suspended until manual refresh")
	} else {
		p.logger.Warn().
			Err(cause).
			Str(log.FieldEvent, "health.poll_failed").
			Str(log.FieldTrigger, string(reason)).
			Int("consecutive_errors", streak).
			Dur(log.FieldDelay, next).
			Msg("health poll failed")
	}

	notify(subs, snap)
	return snap, fmt.Errorf("%w: %w", ErrPollFailed, cause)
}
