// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package healthpoll

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy holds the poll cadence and backoff tuning.
type Policy struct {
	HealthyInterval  time.Duration `yaml:"healthyInterval"`
	DegradedInterval time.Duration `yaml:"degradedInterval"`
	CriticalInterval time.Duration `yaml:"criticalInterval"`

	BackoffFloor   time.Duration `yaml:"backoffFloor"`
	BackoffCeiling time.Duration `yaml:"backoffCeiling"`

	// MaxConsecutiveErrors suspends polling once the failure streak reaches it.
	MaxConsecutiveErrors int `yaml:"maxConsecutiveErrors"`
}

// DefaultPolicy returns the product-tuned defaults.
func DefaultPolicy() Policy {
	return Policy{
		HealthyInterval:      60 * time.Second,
		DegradedInterval:     30 * time.Second,
		CriticalInterval:     15 * time.Second,
		BackoffFloor:         30 * time.Second,
		BackoffCeiling:       300 * time.Second,
		MaxConsecutiveErrors: 5,
	}
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.HealthyInterval <= 0 {
		p.HealthyInterval = d.HealthyInterval
	}
	if p.DegradedInterval <= 0 {
		p.DegradedInterval = d.DegradedInterval
	}
	if p.CriticalInterval <= 0 {
		p.CriticalInterval = d.CriticalInterval
	}
	if p.BackoffFloor <= 0 {
		p.BackoffFloor = d.BackoffFloor
	}
	if p.BackoffCeiling <= 0 {
		p.BackoffCeiling = d.BackoffCeiling
	}
	if p.MaxConsecutiveErrors <= 0 {
		p.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	return p
}

// Validate rejects inconsistent tuning.
func (p Policy) Validate() error {
	if p.BackoffCeiling < p.BackoffFloor {
		return fmt.Errorf("backoff ceiling %s below floor %s", p.BackoffCeiling, p.BackoffFloor)
	}
	return nil
}

// BaseInterval is the cadence for a status with no failure streak.
func (p Policy) BaseInterval(s Status) time.Duration {
	switch s {
	case StatusCritical:
		return p.CriticalInterval
	case StatusDegraded:
		return p.DegradedInterval
	default:
		return p.HealthyInterval
	}
}

// NextInterval is the delay before the next poll. Any failure streak
// overrides the status cadence with min(floor*2^(n-1), ceiling).
func (p Policy) NextInterval(s Status, consecutiveErrors int) time.Duration {
	if consecutiveErrors <= 0 {
		return p.BaseInterval(s)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BackoffFloor,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.BackoffCeiling,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < consecutiveErrors && d < p.BackoffCeiling; i++ {
		d = b.NextBackOff()
	}
	return min(d, p.BackoffCeiling)
}
