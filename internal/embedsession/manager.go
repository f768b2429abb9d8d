// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package embedsession

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/embedguard/internal/log"
	"github.com/ManuGH/embedguard/internal/resilience"
	"github.com/ManuGH/embedguard/internal/scheduler"
)

// ErrManagerClosed is returned by Acquire after Close.
var ErrManagerClosed = errors.New("embed session manager closed")

// DefaultFetchTimeout bounds a shared first fetch.
const DefaultFetchTimeout = 30 * time.Second

// ManagerConfig is shared by every controller the Manager creates.
type ManagerConfig struct {
	AccessSurface   string
	MaxRetries      int
	RetryDelay      time.Duration
	NewRetryBackOff func() backoff.BackOff
	// FetchTimeout bounds the first fetch, which outlives any single caller.
	FetchTimeout time.Duration

	// OnExpired runs once per controller that exhausts its retries.
	OnExpired func(dashboardID string)

	Source    TokenSource
	Scheduler scheduler.Scheduler
	Gate      resilience.Gate
	Logger    *zerolog.Logger
}

// Status is a point-in-time view of one dashboard's session.
type Status struct {
	DashboardID   string     `json:"dashboardId"`
	SessionID     string     `json:"sessionId,omitempty"`
	State         State      `json:"state"`
	RetryCount    int        `json:"retryCount"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	RefreshBefore *time.Time `json:"refreshBefore,omitempty"`
}

type entry struct {
	sessionID string
	ctrl      *Controller
}

// Manager performs the first fetch for each dashboard and hands the result
// to a per-dashboard Controller.
type Manager struct {
	cfg    ManagerConfig
	logger zerolog.Logger
	group  singleflight.Group

	// base outlives callers; Close cancels it.
	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*entry
	starting map[string]struct{}
	closed   bool
}

// NewManager returns an empty Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Source == nil {
		return nil, errors.New("embedsession: token source is required")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.System()
	}
	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = log.WithComponent("embedsession")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		base:       base,
		cancelBase: cancel,
		sessions:   make(map[string]*entry),
		starting:   make(map[string]struct{}),
	}, nil
}

// Acquire returns the live credential for dashboardID, performing the first
// fetch and starting a controller when none is running. Concurrent callers
// for the same dashboard share one fetch, which runs detached from every
// caller: a caller that gives up gets its own ctx error while the others
// keep waiting.
func (m *Manager) Acquire(ctx context.Context, dashboardID string) (Credential, error) {
	if dashboardID == "" {
		return Credential{}, errors.New("embedsession: dashboard id is required")
	}
	if cred, ok, err := m.live(dashboardID); err != nil || ok {
		return cred, err
	}

	ch := m.group.DoChan(dashboardID, func() (any, error) {
		fctx, cancel := m.fetchContext(ctx)
		defer cancel()
		return m.startSession(fctx, dashboardID)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return Credential{}, res.Err
	}
	if res.Shared {
		m.logger.Debug().
			Str(log.FieldDashboardID, dashboardID).
			Str(log.FieldEvent, "session.acquire_shared").
			Msg("served first fetch from shared call")
	}
	return res.Val.(Credential), nil
}

// fetchContext keeps the caller's values (request ID, trace) but not its
// cancellation. The fetch ends on FetchTimeout or Close.
func (m *Manager) fetchContext(caller context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(caller), m.cfg.FetchTimeout)
	stop := context.AfterFunc(m.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (m *Manager) live(dashboardID string) (Credential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Credential{}, false, ErrManagerClosed
	}
	e, ok := m.sessions[dashboardID]
	if !ok {
		return Credential{}, false, nil
	}
	cred, ok := e.ctrl.Credential()
	return cred, ok, nil
}

func (m *Manager) startSession(ctx context.Context, dashboardID string) (Credential, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Credential{}, ErrManagerClosed
	}
	if e, ok := m.sessions[dashboardID]; ok {
		if cred, ok := e.ctrl.Credential(); ok {
			m.mu.Unlock()
			return cred, nil
		}
		switch e.ctrl.State() {
		case StateActive, StateRefreshing:
			// The credential lapsed but renewal is still retrying.
			m.mu.Unlock()
			return Credential{}, ErrCredentialLapsed
		}
		// Expired or stopped controllers are replaced.
		delete(m.sessions, dashboardID)
		e.ctrl.Stop()
	}
	m.starting[dashboardID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.starting, dashboardID)
		m.mu.Unlock()
	}()

	sessionID := uuid.NewString()
	logger := m.logger.With().
		Str(log.FieldDashboardID, dashboardID).
		Str(log.FieldSessionID, sessionID).
		Logger()

	if m.cfg.Gate != nil && m.cfg.Gate.IsOpen() {
		return Credential{}, resilience.ErrCircuitOpen
	}
	cred, err := m.cfg.Source.FetchToken(ctx, TokenRequest{
		DashboardID:   dashboardID,
		AccessSurface: m.cfg.AccessSurface,
	})
	if err == nil {
		err = cred.Validate()
	}
	if err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "session.start_failed").
			Msg("initial embed credential fetch failed")
		return Credential{}, fmt.Errorf("initial fetch: %w", err)
	}

	ctrl, err := New(Config{
		DashboardID:     dashboardID,
		AccessSurface:   m.cfg.AccessSurface,
		SessionID:       sessionID,
		MaxRetries:      m.cfg.MaxRetries,
		RetryDelay:      m.cfg.RetryDelay,
		NewRetryBackOff: m.cfg.NewRetryBackOff,
		OnError:         func(error) { m.expired(dashboardID) },
		Source:          m.cfg.Source,
		Scheduler:       m.cfg.Scheduler,
		Gate:            m.cfg.Gate,
		Logger:          &m.logger,
	})
	if err != nil {
		return Credential{}, err
	}

	if err := ctrl.Start(cred); err != nil {
		return Credential{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ctrl.Stop()
		return Credential{}, ErrManagerClosed
	}
	m.sessions[dashboardID] = &entry{sessionID: sessionID, ctrl: ctrl}
	m.mu.Unlock()
	return cred, nil
}

func (m *Manager) expired(dashboardID string) {
	if m.cfg.OnExpired != nil {
		m.cfg.OnExpired(dashboardID)
	}
}

// Refresh forces an immediate renewal for dashboardID.
func (m *Manager) Refresh(ctx context.Context, dashboardID string) (Credential, error) {
	ctrl := m.controller(dashboardID)
	if ctrl == nil {
		return Credential{}, ErrNotStarted
	}
	return ctrl.ForceRefresh(ctx)
}

// Release stops and forgets the controller for dashboardID. It reports
// whether one existed.
func (m *Manager) Release(dashboardID string) bool {
	m.mu.Lock()
	e, ok := m.sessions[dashboardID]
	delete(m.sessions, dashboardID)
	m.mu.Unlock()
	if ok {
		e.ctrl.Stop()
	}
	return ok
}

// Status reports the session state for dashboardID.
func (m *Manager) Status(dashboardID string) (Status, bool) {
	m.mu.Lock()
	e, ok := m.sessions[dashboardID]
	_, starting := m.starting[dashboardID]
	m.mu.Unlock()

	switch {
	case ok:
		return statusOf(dashboardID, e), true
	case starting:
		return Status{DashboardID: dashboardID, State: StateStarting}, true
	default:
		return Status{}, false
	}
}

// Statuses lists every known session ordered by dashboard ID.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.sessions)+len(m.starting))
	for id, e := range m.sessions {
		out = append(out, statusOf(id, e))
	}
	for id := range m.starting {
		if _, ok := m.sessions[id]; !ok {
			out = append(out, Status{DashboardID: id, State: StateStarting})
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DashboardID < out[j].DashboardID })
	return out
}

func statusOf(id string, e *entry) Status {
	st := Status{
		DashboardID: id,
		SessionID:   e.sessionID,
		State:       e.ctrl.State(),
		RetryCount:  e.ctrl.RetryCount(),
	}
	if cred, ok := e.ctrl.Credential(); ok {
		exp, rb := cred.ExpiresAt, cred.RefreshBefore
		st.ExpiresAt, st.RefreshBefore = &exp, &rb
	}
	return st
}

// Close stops every controller. Later Acquire calls fail with ErrManagerClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancelBase()
	sessions := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range sessions {
		e.ctrl.Stop()
	}
	m.logger.Info().
		Str(log.FieldEvent, "session.manager_closed").
		Int("sessions", len(sessions)).
		Msg("embed session manager closed")
}

func (m *Manager) controller(dashboardID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[dashboardID]; ok {
		return e.ctrl
	}
	return nil
}
