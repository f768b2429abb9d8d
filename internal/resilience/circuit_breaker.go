// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/ManuGH/embedguard/internal/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Gate is the read-or-reset view the control loops hold on the shared breaker.
type Gate interface {
	IsOpen() bool
	Reset()
}

// Recorder receives call outcomes from the transport layer.
type Recorder interface {
	RecordSuccess()
	RecordFailure()
}

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CircuitBreaker is the process-local gate. It opens after threshold
// consecutive failures and stays open until Reset. With an auto-reset
// timeout it turns half-open once the timeout passes; half-open admits
// calls until the first recorded outcome closes or reopens it.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string // Gate name for metrics
	state        State
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	clock        clock

	// If set, panics in Execute are recorded as failure and re-panicked.
	recoverPanic bool
}

var (
	_ Gate     = (*CircuitBreaker)(nil)
	_ Recorder = (*CircuitBreaker)(nil)
)

// Option configuration pattern
type Option func(*CircuitBreaker)

func WithClock(c clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

func WithPanicRecovery(enabled bool) Option {
	return func(cb *CircuitBreaker) { cb.recoverPanic = enabled }
}

// WithAutoReset lets an open breaker probe again after d. Zero keeps the
// breaker open until an explicit Reset.
func WithAutoReset(d time.Duration) Option {
	return func(cb *CircuitBreaker) { cb.resetTimeout = d }
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, threshold int, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}

	cb := &CircuitBreaker{
		name:      name,
		state:     StateClosed,
		threshold: threshold,
		clock:     realClock{},
	}

	for _, opt := range opts {
		opt(cb)
	}

	metrics.SetCircuitBreakerState(cb.name, string(cb.state))
	return cb
}

// Execute runs the given function respecting the breaker state.
func (cb *CircuitBreaker) Execute(fn func() error) (err error) {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	if cb.recoverPanic {
		defer func() {
			if r := recover(); r != nil {
				cb.RecordFailure()
				panic(r)
			}
		}()
	}

	err = fn()

	if err != nil {
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return nil
}

// IsOpen reports whether calls are currently short-circuited.
func (cb *CircuitBreaker) IsOpen() bool {
	return !cb.allowRequest()
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	}

	if cb.resetTimeout > 0 && cb.clock.Now().Sub(cb.openedAt) > cb.resetTimeout {
		cb.transitionTo(StateHalfOpen)
		return true
	}
	return false
}

// RecordFailure counts one failed call and may open the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++

	if cb.state == StateHalfOpen {
		metrics.RecordCircuitBreakerTrip(cb.name, "half_open_failure")
		cb.transitionTo(StateOpen)
		return
	}

	if cb.state == StateClosed && cb.failures >= cb.threshold {
		metrics.RecordCircuitBreakerTrip(cb.name, "threshold_exceeded")
		cb.transitionTo(StateOpen)
	}
}

// RecordSuccess clears the failure streak and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		// A late success from a call started before the trip does not close it.
		return
	}
	cb.failures = 0
	cb.transitionTo(StateClosed)
}

// Reset forces the breaker closed and clears the failure streak.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state != StateClosed {
		metrics.RecordCircuitBreakerReset(cb.name)
	}
	cb.transitionTo(StateClosed)
}

// transitionTo handles state transitions and updates metrics.
// Caller must hold lock.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	if newState == StateOpen {
		cb.openedAt = cb.clock.Now()
	}
	metrics.SetCircuitBreakerState(cb.name, string(newState))
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the gate name used in metrics and logs.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}
