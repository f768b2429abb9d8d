// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package scheduler

import "time"

// Slot owns at most one outstanding callback.
//
// Slot is not safe for concurrent use; the owner serializes access with its
// own mutex. A callback that already fired may still be waiting for that
// mutex when the slot is re-armed or cancelled, so callbacks receive the
// generation they were armed with and must Claim it before acting.
type Slot struct {
	sched  Scheduler
	handle Handle
	gen    uint64
}

// NewSlot binds a slot to a scheduler. A nil scheduler uses System().
func NewSlot(s Scheduler) *Slot {
	if s == nil {
		s = System()
	}
	return &Slot{sched: s}
}

// Arm cancels any pending callback and arms fn after d as one step.
func (s *Slot) Arm(d time.Duration, fn func(gen uint64)) uint64 {
	s.Cancel()
	s.gen++
	gen := s.gen
	s.handle = s.sched.AfterFunc(d, func() { fn(gen) })
	return gen
}

// ArmAt arms fn for the target instant, clamping past instants to zero.
func (s *Slot) ArmAt(target time.Time, fn func(gen uint64)) uint64 {
	return s.Arm(DelayUntil(s.sched.Now(), target), fn)
}

// Claim reports whether gen is the live arm and, if so, marks the slot
// empty because the callback is now running.
func (s *Slot) Claim(gen uint64) bool {
	if s.handle == nil || gen != s.gen {
		return false
	}
	s.handle = nil
	return true
}

// Cancel stops the pending callback, if any. Safe to call repeatedly.
func (s *Slot) Cancel() bool {
	if s.handle == nil {
		return false
	}
	stopped := s.handle.Stop()
	s.handle = nil
	s.gen++
	return stopped
}

// Armed reports whether a callback is pending.
func (s *Slot) Armed() bool {
	return s.handle != nil
}
