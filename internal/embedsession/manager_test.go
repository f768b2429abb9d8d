// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package embedsession

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/embedguard/internal/resilience"
	"github.com/ManuGH/embedguard/internal/scheduler/schedulertest"
)

func newTestManager(t *testing.T, mutate func(*ManagerConfig)) (*Manager, *fakeSource, *schedulertest.Fake) {
	t.Helper()
	fake := schedulertest.NewFake(epoch)
	src := &fakeSource{clock: fake}
	nop := zerolog.Nop()
	cfg := ManagerConfig{
		AccessSurface: "admin",
		Source:        src,
		Scheduler:     fake,
		Logger:        &nop,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, src, fake
}

func TestManager_AcquireStartsOnceAndReuses(t *testing.T) {
	m, src, fake := newTestManager(t, nil)

	cred, err := m.Acquire(context.Background(), "dash-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.Token)
	assert.Empty(t, src.LastRequest().CurrentToken, "first fetch carries no proof token")

	again, err := m.Acquire(context.Background(), "dash-1")
	require.NoError(t, err)
	assert.Equal(t, cred, again)
	assert.Equal(t, 1, src.Calls())

	st, ok := m.Status("dash-1")
	require.True(t, ok)
	assert.Equal(t, StateActive, st.State)
	assert.NotEmpty(t, st.SessionID)
	require.NotNil(t, st.RefreshBefore)
	assert.Equal(t, epoch.Add(55*time.Minute), *st.RefreshBefore)
	assert.Equal(t, 1, fake.Pending())
}

func TestManager_ControllerRefreshesOnSchedule(t *testing.T) {
	m, src, fake := newTestManager(t, nil)
	_, err := m.Acquire(context.Background(), "dash-1")
	require.NoError(t, err)

	fake.Advance(55 * time.Minute)
	assert.Equal(t, 2, src.Calls())
	assert.Equal(t, "tok-1", src.LastRequest().CurrentToken)

	cred, err := m.Acquire(context.Background(), "dash-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cred.Token)
}

func TestManager_ConcurrentFirstFetchIsCoalesced(t *testing.T) {
	fake := schedulertest.NewFake(epoch)
	var calls atomic.Int32
	release := make(chan struct{})
	src := TokenSourceFunc(func(_ context.Context, _ TokenRequest) (Credential, error) {
		calls.Add(1)
		<-release
		return issue(fake.Now(), "shared"), nil
	})
	nop := zerolog.Nop()
	m, err := NewManager(ManagerConfig{Source: src, Scheduler: fake, Logger: &nop})
	require.NoError(t, err)
	defer m.Close()

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := m.Acquire(context.Background(), "dash-1")
			if err == nil {
				results <- cred.Token
			}
		}()
	}

	require.Eventually(t, func() bool {
		st, ok := m.Status("dash-1")
		return ok && st.State == StateStarting
	}, time.Second, time.Millisecond)
	// Give the remaining callers time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), calls.Load())
	for tok := range results {
		assert.Equal(t, "shared", tok)
	}
	assert.Equal(t, 1, fake.Pending(), "one controller, one timer")
}

func TestManager_FirstFetchFailureLeavesNoSession(t *testing.T) {
	m, src, fake := newTestManager(t, nil)
	src.setFailNext(1)

	_, err := m.Acquire(context.Background(), "dash-1")
	assert.ErrorIs(t, err, errUpstream)
	_, ok := m.Status("dash-1")
	assert.False(t, ok)
	assert.Equal(t, 0, fake.Pending())

	_, err = m.Acquire(context.Background(), "dash-1")
	assert.NoError(t, err)
}

func TestManager_GateOpenBlocksFirstFetch(t *testing.T) {
	gate := &fakeGate{}
	gate.open.Store(true)
	m, src, _ := newTestManager(t, func(c *ManagerConfig) { c.Gate = gate })

	_, err := m.Acquire(context.Background(), "dash-1")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 0, src.Calls())
}

func TestManager_ExpiredSessionIsReplaced(t *testing.T) {
	var expired []string
	m, src, fake := newTestManager(t, func(c *ManagerConfig) {
		c.MaxRetries = 1
		c.OnExpired = func(id string) { expired = append(expired, id) }
	})
	_, err := m.Acquire(context.Background(), "dash-1")
	require.NoError(t, err)
	first, _ := m.Status("dash-1")

	src.setFailAll(true)
	fake.Advance(55*time.Minute + DefaultRetryDelay)
	st, ok := m.Status("dash-1")
	require.True(t, ok)
	assert.Equal(t, StateExpired, st.State)
	assert.Nil(t, st.ExpiresAt)
	assert.Equal(t, []string{"dash-1"}, expired)

	src.setFailAll(false)
	_, err = m.Acquire(context.Background(), "dash-1")
	require.NoError(t, err)
	second, _ := m.Status("dash-1")
	assert.Equal(t, StateActive, second.State)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, fake.Pending())
}

func TestManager_RefreshAndRelease(t *testing.T) {
	m, src, fake := newTestManager(t, nil)

	_, err := m.Refresh(context.Background(), "dash-1")
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, 0, src.Calls())

	_, err = m.Acquire(context.Background(), "dash-1")
	require.NoError(t, err)
	cred, err := m.Refresh(context.Background(), "dash-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cred.Token)

	assert.True(t, m.Release("dash-1"))
	assert.False(t, m.Release("dash-1"))
	assert.Equal(t, 0, fake.Pending())

	fake.Advance(2 * time.Hour)
	assert.Equal(t, 2, src.Calls())
}

func TestManager_StatusesSorted(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	for _, id := range []string{"b", "a", "c"} {
		_, err := m.Acquire(context.Background(), id)
		require.NoError(t, err)
	}
	var ids []string
	for _, st := range m.Statuses() {
		ids = append(ids, st.DashboardID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestManager_CloseStopsEverything(t *testing.T) {
	m, src, fake := newTestManager(t, nil)
	_, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), "b")
	require.NoError(t, err)

	m.Close()
	m.Close()

	assert.Equal(t, 0, fake.Pending())
	_, err = m.Acquire(context.Background(), "a")
	assert.ErrorIs(t, err, ErrManagerClosed)
	fake.Advance(3 * time.Hour)
	assert.Equal(t, 2, src.Calls())
}

func TestManager_RequiresDashboardID(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	_, err := m.Acquire(context.Background(), "")
	assert.Error(t, err)
}

func TestManager_LapsedCredentialIsNotServed(t *testing.T) {
	fake := schedulertest.NewFake(epoch)
	var calls atomic.Int32
	src := TokenSourceFunc(func(_ context.Context, _ TokenRequest) (Credential, error) {
		if calls.Add(1) > 1 {
			return Credential{}, errUpstream
		}
		now := fake.Now()
		return Credential{Token: "short", ExpiresAt: now.Add(2 * time.Second), RefreshBefore: now.Add(time.Second)}, nil
	})
	nop := zerolog.Nop()
	m, err := NewManager(ManagerConfig{Source: src, Scheduler: fake, Logger: &nop})
	require.NoError(t, err)
	defer m.Close()

	cred, err := m.Acquire(context.Background(), "dash-1")
	require.NoError(t, err)
	assert.Equal(t, "short", cred.Token)

	fake.Advance(time.Second)
	fake.Advance(2 * time.Second)

	_, err = m.Acquire(context.Background(), "dash-1")
	assert.ErrorIs(t, err, ErrCredentialLapsed)
	assert.Equal(t, int32(2), calls.Load(), "no extra fetch while the retry chain owns renewal")

	st, ok := m.Status("dash-1")
	require.True(t, ok)
	assert.Equal(t, StateRefreshing, st.State)
	assert.Nil(t, st.ExpiresAt)
}

func TestManager_FirstCallerCancelDoesNotFailOthers(t *testing.T) {
	fake := schedulertest.NewFake(epoch)
	var calls atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	src := TokenSourceFunc(func(ctx context.Context, _ TokenRequest) (Credential, error) {
		calls.Add(1)
		entered <- struct{}{}
		select {
		case <-release:
			return issue(fake.Now(), "shared"), nil
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	})
	nop := zerolog.Nop()
	m, err := NewManager(ManagerConfig{Source: src, Scheduler: fake, Logger: &nop})
	require.NoError(t, err)
	defer m.Close()

	ctx1, cancel1 := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx1, "dash-1")
		first <- err
	}()
	<-entered

	type result struct {
		cred Credential
		err  error
	}
	second := make(chan result, 1)
	go func() {
		cred, err := m.Acquire(context.Background(), "dash-1")
		second <- result{cred, err}
	}()
	// Let the second caller join the in-flight fetch.
	time.Sleep(20 * time.Millisecond)

	cancel1()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, "shared", res.cred.Token)
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, int32(1), calls.Load())

	st, ok := m.Status("dash-1")
	require.True(t, ok)
	assert.Equal(t, StateActive, st.State)
}

func TestManager_CloseCancelsFirstFetch(t *testing.T) {
	fake := schedulertest.NewFake(epoch)
	entered := make(chan struct{}, 1)
	src := TokenSourceFunc(func(ctx context.Context, _ TokenRequest) (Credential, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return Credential{}, ctx.Err()
	})
	nop := zerolog.Nop()
	m, err := NewManager(ManagerConfig{Source: src, Scheduler: fake, Logger: &nop})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "dash-1")
		done <- err
	}()
	<-entered
	m.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Close did not cancel the first fetch")
	}
}
