// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package scheduler provides the single-shot deferred execution primitive
// shared by the refresh and polling control loops.
package scheduler

import "time"

// Handle cancels one armed callback. Stop reports whether the call
// prevented the callback from firing.
type Handle interface {
	Stop() bool
}

// Scheduler arms callbacks against a clock.
//
// AfterFunc must never invoke fn inline: a zero or negative delay fires on
// the next tick of the underlying timer facility.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Handle
}

type system struct{}

// System returns a Scheduler backed by the runtime timer heap.
func System() Scheduler { return system{} }

func (system) Now() time.Time { return time.Now() }

func (system) AfterFunc(d time.Duration, fn func()) Handle {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, fn)
}

// DelayUntil returns the non-negative delay from now until target.
func DelayUntil(now, target time.Time) time.Duration {
	d := target.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
