// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package schedulertest provides a virtual-time scheduler for deterministic tests.
package schedulertest

import (
	"sort"
	"sync"
	"time"

	"github.com/ManuGH/embedguard/internal/scheduler"
)

// Fake is a manually advanced scheduler. Callbacks run synchronously on the
// goroutine calling Advance or Tick, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*timer
	fired  int
}

type timer struct {
	f       *Fake
	at      time.Time
	seq     uint64
	fn      func()
	delay   time.Duration
	stopped bool
	fired   bool
}

var _ scheduler.Scheduler = (*Fake)(nil)

// NewFake returns a Fake starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the virtual time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc arms fn at now+d. It never runs fn inline.
func (f *Fake) AfterFunc(d time.Duration, fn func()) scheduler.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d < 0 {
		d = 0
	}
	f.seq++
	t := &timer{f: f, at: f.now.Add(d), seq: f.seq, fn: fn, delay: d}
	f.timers = append(f.timers, t)
	return t
}

func (t *timer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.f.remove(t)
	return true
}

// remove drops t from the pending list. Caller holds f.mu.
func (f *Fake) remove(t *timer) {
	for i, p := range f.timers {
		if p == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return
		}
	}
}

// Advance moves virtual time forward by d, firing every callback whose
// deadline falls inside the window, including ones armed by earlier
// callbacks during the same advance.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.earliestLocked()
		if next == nil || next.at.After(target) {
			f.now = target
			f.mu.Unlock()
			return
		}
		if next.at.After(f.now) {
			f.now = next.at
		}
		next.fired = true
		f.remove(next)
		f.fired++
		f.mu.Unlock()

		next.fn()
	}
}

// Tick fires callbacks that are already due without moving time.
func (f *Fake) Tick() {
	f.Advance(0)
}

func (f *Fake) earliestLocked() *timer {
	if len(f.timers) == 0 {
		return nil
	}
	sorted := append([]*timer(nil), f.timers...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].at.Equal(sorted[j].at) {
			return sorted[i].seq < sorted[j].seq
		}
		return sorted[i].at.Before(sorted[j].at)
	})
	return sorted[0]
}

// Pending returns the number of armed callbacks.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Fired returns how many callbacks have run.
func (f *Fake) Fired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired
}

// NextIn returns the time until the earliest pending callback.
func (f *Fake) NextIn() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.earliestLocked()
	if next == nil {
		return 0, false
	}
	return next.at.Sub(f.now), true
}

// LastArmedDelay returns the delay requested by the most recently armed,
// still pending callback.
func (f *Fake) LastArmedDelay() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.timers) == 0 {
		return 0, false
	}
	last := f.timers[0]
	for _, t := range f.timers[1:] {
		if t.seq > last.seq {
			last = t
		}
	}
	return last.delay, true
}
