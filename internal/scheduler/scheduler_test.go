package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 30s", "*/5 * * * *", "@hourly"} {
		_, err := ParseSchedule(spec)
		assert.NoError(t, err, spec)
	}
	_, err := ParseSchedule("not-a-cron")
	assert.Error(t, err)
}

func TestAdd_Validates(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add(Job{Name: "dispatch", Spec: "@every 30s", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "dispatch", Spec: "@every 1m", Run: noop}), "duplicate name")
	assert.Error(t, s.Add(Job{Name: "monitor", Spec: "bogus", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "", Spec: "@every 1m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "x", Spec: "@every 1m"}))
	assert.ElementsMatch(t, []string{"dispatch"}, s.Jobs())
}

func TestRunOnce_HoldsLeaseWhileRunning(t *testing.T) {
	locker := NewMemoryLocker()
	s := New(nil, WithLocker(locker, time.Minute), WithHolder("replica-a"))

	var seen string
	err := s.RunOnce(context.Background(), Job{Name: "recovery", Run: func(ctx context.Context) error {
		seen = locker.Holder(leaseKey("recovery"))
		return nil
	}})
	require.NoError(t, err)
	assert.Equal(t, "replica-a", seen)
	assert.Empty(t, locker.Holder(leaseKey("recovery")), "lease released after the run")
}

func TestRunOnce_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	locker := NewMemoryLocker()
	ok, _ := locker.Acquire(context.Background(), leaseKey("monitor"), "replica-b", time.Minute)
	require.True(t, ok)

	s := New(nil, WithLocker(locker, time.Minute), WithHolder("replica-a"))
	var runs int32
	err := s.RunOnce(context.Background(), Job{Name: "monitor", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}})
	assert.ErrorIs(t, err, ErrLeaseHeld)
	assert.Zero(t, atomic.LoadInt32(&runs))
	assert.Equal(t, "replica-b", locker.Holder(leaseKey("monitor")))
}

func TestRunOnce_ReleasesLeaseOnError(t *testing.T) {
	locker := NewMemoryLocker()
	s := New(nil, WithLocker(locker, time.Minute))
	boom := errors.New("boom")

	err := s.RunOnce(context.Background(), Job{Name: "dispatch", Run: func(context.Context) error { return boom }})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, locker.Holder(leaseKey("dispatch")))
}

func TestRunOnce_BoundsRunTime(t *testing.T) {
	s := New(nil, WithRunTimeout(20*time.Millisecond))
	err := s.RunOnce(context.Background(), Job{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryLocker_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryLocker()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := m.Acquire(ctx, "k", "a", time.Minute)
	require.True(t, ok)
	ok, _ = m.Acquire(ctx, "k", "b", time.Minute)
	assert.False(t, ok)
	require.NoError(t, m.Release(ctx, "k", "b"))
	assert.Equal(t, "a", m.Holder("k"), "non-holder cannot release")

	now = now.Add(2 * time.Minute)
	ok, _ = m.Acquire(ctx, "k", "b", time.Minute)
	assert.True(t, ok, "expired lease is free")
}

func TestStart_RunsScheduledJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on the cron clock")
	}
	s := New(nil, WithLocker(NewMemoryLocker(), time.Minute))
	var runs int32
	require.NoError(t, s.Add(Job{Name: "tick", Spec: "@every 1s", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) > 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestStart_ShutdownCancelsRunningJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on the cron clock")
	}
	locker := NewMemoryLocker()
	s := New(nil, WithLocker(locker, time.Hour))
	started := make(chan struct{}, 1)
	require.NoError(t, s.Add(Job{Name: "long", Spec: "@every 1s", Run: func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown waited for the run timeout instead of cancelling the job")
	}
	assert.Empty(t, locker.Holder(leaseKey("long")))
}

func TestWithLocker_ZeroTTLKeepsDefault(t *testing.T) {
	s := New(nil, WithLocker(NewMemoryLocker(), 0))
	assert.Equal(t, 10*time.Minute, s.leaseTTL)
	assert.Equal(t, 10*time.Minute, s.timeout)
}
