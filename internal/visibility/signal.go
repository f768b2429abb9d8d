// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package visibility tracks whether the embedding page is currently hidden.
package visibility

import "sync"

// Source is the read side consumed by the health poller.
type Source interface {
	Hidden() bool
	Subscribe(fn func(hidden bool)) (cancel func())
}

// Signal is a settable Source. The zero value is visible with no listeners.
type Signal struct {
	mu        sync.Mutex
	hidden    bool
	nextID    int
	listeners map[int]func(bool)
}

var _ Source = (*Signal)(nil)

// NewSignal returns a signal with the given initial state.
func NewSignal(hidden bool) *Signal {
	return &Signal{hidden: hidden}
}

// Hidden reports the current state.
func (s *Signal) Hidden() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hidden
}

// Set updates the state and notifies listeners when it changed.
// Listeners run on the caller's goroutine, outside the lock.
func (s *Signal) Set(hidden bool) bool {
	s.mu.Lock()
	if s.hidden == hidden {
		s.mu.Unlock()
		return false
	}
	s.hidden = hidden
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(hidden)
	}
	return true
}

// Subscribe registers fn for change notifications. The returned cancel
// func is idempotent.
func (s *Signal) Subscribe(fn func(hidden bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[int]func(bool))
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}
