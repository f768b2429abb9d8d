// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package scheduler_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/embedguard/internal/scheduler"
	"github.com/ManuGH/embedguard/internal/scheduler/schedulertest"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSlot_ArmCancelsPrevious(t *testing.T) {
	fake := schedulertest.NewFake(epoch)
	slot := scheduler.NewSlot(fake)

	var first, second int
	slot.Arm(10*time.Second, func(gen uint64) {
		if slot.Claim(gen) {
			first++
		}
	})
	slot.Arm(20*time.Second, func(gen uint64) {
		if slot.Claim(gen) {
			second++
		}
	})

	assert.Equal(t, 1, fake.Pending(), "re-arm must not leave the old timer pending")

	fake.Advance(30 * time.Second)
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
	assert.False(t, slot.Armed())
}

func TestSlot_StaleGenerationIsRejected(t *testing.T) {
	fake := schedulertest.NewFake(epoch)
	slot := scheduler.NewSlot(fake)

	gen := slot.Arm(time.Second, func(uint64) {})
	slot.Cancel()

	assert.False(t, slot.Claim(gen))
	assert.Equal(t, 0, fake.Pending())
}

func TestSlot_CancelIsIdempotent(t *testing.T) {
	slot := scheduler.NewSlot(schedulertest.NewFake(epoch))

	assert.False(t, slot.Cancel())
	slot.Arm(time.Minute, func(uint64) {})
	assert.True(t, slot.Cancel())
	assert.False(t, slot.Cancel())
	assert.False(t, slot.Armed())
}

func TestSlot_ArmAtClampsPastToNextTick(t *testing.T) {
	fake := schedulertest.NewFake(epoch)
	slot := scheduler.NewSlot(fake)

	fired := 0
	slot.ArmAt(epoch.Add(-time.Hour), func(gen uint64) {
		if slot.Claim(gen) {
			fired++
		}
	})

	assert.Equal(t, 0, fired, "past deadline must not fire inline")
	d, ok := fake.NextIn()
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	fake.Tick()
	assert.Equal(t, 1, fired)
}

func TestDelayUntil(t *testing.T) {
	tests := []struct {
		name   string
		target time.Time
		want   time.Duration
	}{
		{name: "future", target: epoch.Add(55 * time.Minute), want: 55 * time.Minute},
		{name: "now", target: epoch, want: 0},
		{name: "past", target: epoch.Add(-time.Second), want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scheduler.DelayUntil(epoch, tt.target))
		})
	}
}

func TestSystem_ZeroDelayIsAsynchronous(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var fired atomic.Bool
	done := make(chan struct{})
	scheduler.System().AfterFunc(0, func() {
		fired.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("zero-delay callback never fired")
	}
	assert.True(t, fired.Load())
}

func TestSystem_StopPreventsFire(t *testing.T) {
	var fired atomic.Bool
	h := scheduler.System().AfterFunc(time.Hour, func() { fired.Store(true) })
	assert.True(t, h.Stop())
	assert.False(t, h.Stop())
	assert.False(t, fired.Load())
}
