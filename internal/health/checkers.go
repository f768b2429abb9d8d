// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/ManuGH/embedguard/internal/embedsession"
	"github.com/ManuGH/embedguard/internal/healthpoll"
)

// CheckerFunc adapts a function to Checker.
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc wraps fn under name.
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Name() string                          { return c.name }
func (c *CheckerFunc) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

// StartupChecker is unhealthy until MarkReady.
type StartupChecker struct {
	ready atomic.Bool
}

func (c *StartupChecker) Name() string { return "startup" }

// MarkReady flips the checker to healthy.
func (c *StartupChecker) MarkReady() { c.ready.Store(true) }

func (c *StartupChecker) Check(context.Context) CheckResult {
	if !c.ready.Load() {
		return CheckResult{Status: StatusUnhealthy, Message: "starting"}
	}
	return CheckResult{Status: StatusHealthy}
}

type gateState interface {
	IsOpen() bool
}

// GateChecker reports the upstream circuit breaker. An open gate degrades
// the daemon but does not make it unready: it still serves cached state.
type GateChecker struct {
	gate gateState
}

// NewGateChecker reports on gate.
func NewGateChecker(gate gateState) *GateChecker { return &GateChecker{gate: gate} }

func (c *GateChecker) Name() string { return "upstream_circuit" }

func (c *GateChecker) Check(context.Context) CheckResult {
	if c.gate.IsOpen() {
		return CheckResult{Status: StatusDegraded, Message: "circuit open"}
	}
	return CheckResult{Status: StatusHealthy, Message: "circuit closed"}
}

type snapshotter interface {
	Snapshot() healthpoll.Snapshot
}

// PollerChecker reports whether the health poller is keeping up.
type PollerChecker struct {
	poller snapshotter
}

// NewPollerChecker reports on p.
func NewPollerChecker(p snapshotter) *PollerChecker { return &PollerChecker{poller: p} }

func (c *PollerChecker) Name() string { return "health_poller" }

func (c *PollerChecker) Check(context.Context) CheckResult {
	snap := c.poller.Snapshot()
	switch {
	case snap.Suspended:
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("suspended after %d consecutive errors", snap.ConsecutiveErrors),
		}
	case snap.ConsecutiveErrors > 0:
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d consecutive errors", snap.ConsecutiveErrors),
		}
	case snap.Hidden:
		return CheckResult{Status: StatusHealthy, Message: "paused (hidden)"}
	}
	return CheckResult{Status: StatusHealthy, Message: "polling"}
}

type sessionLister interface {
	Statuses() []embedsession.Status
}

// SessionsChecker degrades when any embed session has expired.
type SessionsChecker struct {
	sessions sessionLister
}

// NewSessionsChecker reports on the sessions m tracks.
func NewSessionsChecker(m sessionLister) *SessionsChecker { return &SessionsChecker{sessions: m} }

func (c *SessionsChecker) Name() string { return "embed_sessions" }

func (c *SessionsChecker) Check(context.Context) CheckResult {
	all := c.sessions.Statuses()
	expired := 0
	for _, s := range all {
		if s.State == embedsession.StateExpired {
			expired++
		}
	}
	if expired > 0 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d of %d sessions expired", expired, len(all)),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d sessions", len(all))}
}

// RedisChecker pings the shared breaker store. The gate fails open on Redis
// errors, so an unreachable Redis degrades rather than fails readiness.
type RedisChecker struct {
	client redis.Cmdable
}

// NewRedisChecker pings client.
func NewRedisChecker(client redis.Cmdable) *RedisChecker { return &RedisChecker{client: client} }

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: StatusDegraded, Error: "redis unreachable"}
	}
	return CheckResult{Status: StatusHealthy}
}
