package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"call-orchestrator/internal/audit"
	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/directory"
	"call-orchestrator/internal/queue"
	"call-orchestrator/internal/reconcile"
	"call-orchestrator/internal/telephony"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	now      time.Time
	calls    *calls.MemoryStore
	queue    *queue.MemoryStore
	provider *telephony.FakeProvider
	audit    *audit.MemoryRepo
	rec      *Recoverer
}

func newEnv(wrap func(calls.Store) calls.Store) *env {
	e := &env{
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		calls:    calls.NewMemoryStore(),
		queue:    queue.NewMemoryStore(),
		provider: telephony.NewFakeProvider(),
		audit:    audit.NewMemoryRepo(),
	}
	var store calls.Store = e.calls
	if wrap != nil {
		store = wrap(e.calls)
	}
	clock := func() time.Time { return e.now }
	svc := audit.NewService(e.audit).WithClock(clock)
	r := &reconcile.Reconciler{
		Calls:           store,
		Directory:       directory.NewMemoryDirectory(),
		Provider:        e.provider,
		Audit:           svc,
		MaxCallDuration: 30 * time.Minute,
		Clock:           clock,
	}
	e.rec = New(store, e.queue, r, svc, Config{
		Retry: reconcile.RetryPolicy{MaxRetries: 2, BaseDelay: 5 * time.Minute, MaxDelay: time.Hour},
	})
	e.rec.Clock = clock
	return e
}

func (e *env) put(rec calls.CallRecord) {
	if rec.UserID == "" {
		rec.UserID = "u1"
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = e.now
	}
	e.calls.Put(rec)
}

func (e *env) get(t *testing.T, id string) calls.CallRecord {
	t.Helper()
	rec, err := e.calls.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// Scenario B: an initiated record 11 minutes old without a provider id is
// failed with webhook_timeout_no_sid after one pass.
func TestRecovery_WebhookTimeoutWithoutProviderID(t *testing.T) {
	e := newEnv(nil)
	e.put(calls.CallRecord{ID: "c1", Status: calls.StatusInitiated, CreatedAt: e.now.Add(-11 * time.Minute)})

	rep, err := e.rec.RunCycle(context.Background())
	require.NoError(t, err)

	got := e.get(t, "c1")
	assert.Equal(t, calls.StatusFailed, got.Status)
	assert.Equal(t, calls.FailureWebhookTimeoutNoSID, got.FailureReason)
	require.NotNil(t, got.EndTime)
	require.NotNil(t, got.StartTime)

	p, ok := rep.Pass(PassWebhookTimeout)
	require.True(t, ok)
	assert.Equal(t, 1, p.Repaired)
}

func TestRecovery_WebhookTimeoutProviderAnswers(t *testing.T) {
	e := newEnv(nil)
	old := e.now.Add(-12 * time.Minute)
	e.put(calls.CallRecord{ID: "gone", ProviderCallID: "CA-gone", Status: calls.StatusRinging, CreatedAt: old, StartTime: &old})
	e.put(calls.CallRecord{ID: "done", ProviderCallID: "CA-done", Status: calls.StatusRinging, CreatedAt: old, StartTime: &old})
	e.provider.SetStatus(telephony.CallStatus{ProviderCallID: "CA-done", Status: "completed", DurationSeconds: calls.Ptr(300)})

	_, err := e.rec.RunCycle(context.Background())
	require.NoError(t, err)

	gone := e.get(t, "gone")
	assert.Equal(t, calls.StatusFailed, gone.Status)
	assert.Equal(t, calls.FailureWebhookTimeoutMissing, gone.FailureReason)

	done := e.get(t, "done")
	assert.Equal(t, calls.StatusCompleted, done.Status)
	assert.Equal(t, 300, done.DurationSeconds)
}

func TestRecovery_StateInconsistencies(t *testing.T) {
	e := newEnv(nil)
	created := e.now.Add(-3 * time.Minute)
	e.put(calls.CallRecord{ID: "nostart", Status: calls.StatusInProgress, CreatedAt: created})
	e.put(calls.CallRecord{ID: "noend", Status: calls.StatusCompleted, CreatedAt: created, StartTime: &created})
	e.put(calls.CallRecord{ID: "stale", ProviderCallID: "CA-stale", Status: calls.StatusInitiated, CreatedAt: e.now.Add(-6 * time.Minute)})
	e.provider.SetStatus(telephony.CallStatus{ProviderCallID: "CA-stale", Status: "initiated"})

	rep, err := e.rec.RunCycle(context.Background())
	require.NoError(t, err)

	nostart := e.get(t, "nostart")
	require.NotNil(t, nostart.StartTime)
	assert.True(t, nostart.StartTime.Equal(created))
	assert.Equal(t, calls.StatusInProgress, nostart.Status)

	noend := e.get(t, "noend")
	require.NotNil(t, noend.EndTime)
	assert.True(t, noend.EndTime.Equal(e.now))

	stale := e.get(t, "stale")
	assert.Equal(t, calls.StatusFailed, stale.Status)
	assert.Equal(t, calls.FailureStateInconsistency, stale.FailureReason)

	p, _ := rep.Pass(PassStateConsistency)
	assert.Equal(t, 3, p.Repaired)
	assert.Len(t, e.audit.OfType(audit.EventTypeRepair), 3)
}

func TestRecovery_OrphanNotFoundIsConclusive(t *testing.T) {
	e := newEnv(nil)
	old := e.now.Add(-20 * time.Minute)
	e.put(calls.CallRecord{ID: "orphan", ProviderCallID: "CA-orphan", Status: calls.StatusInProgress, CreatedAt: old, StartTime: &old, UpdatedAt: old})

	rep, err := e.rec.RunCycle(context.Background())
	require.NoError(t, err)

	got := e.get(t, "orphan")
	assert.Equal(t, calls.StatusFailed, got.Status)
	assert.Equal(t, calls.FailureOrphanNotFound, got.FailureReason)
	p, _ := rep.Pass(PassOrphans)
	assert.Equal(t, 1, p.Outcomes[reconcile.OutcomeFailed])
}

func TestRecovery_OrphanRunawayIsHungUp(t *testing.T) {
	e := newEnv(nil)
	created := e.now.Add(-40 * time.Minute)
	touched := e.now.Add(-20 * time.Minute)
	e.put(calls.CallRecord{ID: "runaway", ProviderCallID: "CA-runaway", Status: calls.StatusInProgress, CreatedAt: created, StartTime: &created, UpdatedAt: touched})
	e.provider.SetStatus(telephony.CallStatus{ProviderCallID: "CA-runaway", Status: "in-progress"})

	rep, err := e.rec.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"CA-runaway"}, e.provider.Hangups())
	got := e.get(t, "runaway")
	assert.Equal(t, calls.StatusCompleted, got.Status)
	assert.Equal(t, calls.FailureMaxDurationExceeded, got.FailureReason)
	require.NotNil(t, got.EndTime)
	p, _ := rep.Pass(PassOrphans)
	assert.Equal(t, 1, p.Outcomes[reconcile.OutcomeForcedHangup])
}

func TestRecovery_AuditOutageDoesNotBlockRepairs(t *testing.T) {
	e := newEnv(nil)
	e.audit.FailWith(errors.New("audit store down"))
	old := e.now.Add(-20 * time.Minute)
	e.put(calls.CallRecord{ID: "orphan", ProviderCallID: "CA-orphan", Status: calls.StatusInProgress, CreatedAt: old, StartTime: &old, UpdatedAt: old})

	_, err := e.rec.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, calls.StatusFailed, e.get(t, "orphan").Status)
	assert.Empty(t, e.audit.ForCall("orphan"))
}

func TestRecovery_DriftFollowsProviderButIgnoresNotFound(t *testing.T) {
	e := newEnv(nil)
	recent := e.now.Add(-time.Minute)
	e.put(calls.CallRecord{ID: "behind", ProviderCallID: "CA-behind", Status: calls.StatusRinging, CreatedAt: recent, StartTime: &recent, UpdatedAt: recent})
	e.put(calls.CallRecord{ID: "unknown", ProviderCallID: "CA-unknown", Status: calls.StatusRinging, CreatedAt: recent, StartTime: &recent, UpdatedAt: recent})
	e.provider.SetStatus(telephony.CallStatus{ProviderCallID: "CA-behind", Status: "in-progress"})

	rep, err := e.rec.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, calls.StatusInProgress, e.get(t, "behind").Status)
	assert.Equal(t, calls.StatusRinging, e.get(t, "unknown").Status)
	p, _ := rep.Pass(PassDrift)
	assert.Equal(t, 2, p.Examined)
	assert.Equal(t, 1, p.Outcomes[reconcile.OutcomeAdvanced])
	assert.Equal(t, 1, p.Outcomes[reconcile.OutcomeUnknown])
}

// A second cycle over the same provider truth changes nothing.
func TestRecovery_Converges(t *testing.T) {
	e := newEnv(nil)
	old := e.now.Add(-20 * time.Minute)
	e.put(calls.CallRecord{ID: "a", Status: calls.StatusInitiated, CreatedAt: e.now.Add(-11 * time.Minute)})
	e.put(calls.CallRecord{ID: "b", ProviderCallID: "CA-b", Status: calls.StatusInProgress, CreatedAt: old, StartTime: &old, UpdatedAt: old})
	e.put(calls.CallRecord{ID: "c", ProviderCallID: "CA-c", Status: calls.StatusRinging, CreatedAt: old, StartTime: &old, UpdatedAt: old})
	e.provider.SetStatus(telephony.CallStatus{ProviderCallID: "CA-b", Status: "completed"})
	e.provider.SetStatus(telephony.CallStatus{ProviderCallID: "CA-c", Status: "in-progress"})

	_, err := e.rec.RunCycle(context.Background())
	require.NoError(t, err)
	first := e.calls.All()

	rep, err := e.rec.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, e.calls.All())
	for _, p := range rep.Passes {
		assert.Zero(t, p.Repaired, "pass %s repaired on second run", p.Name)
	}
}

func TestRecovery_RetryMarkingAndSweep(t *testing.T) {
	e := newEnv(nil)
	ended := e.now.Add(-time.Minute)
	created := e.now.Add(-3 * time.Minute)
	e.put(calls.CallRecord{ID: "busy", CampaignID: "cmp", ContactID: "k1", AgentID: "ag", ProviderCallID: "CA-busy", Status: calls.StatusBusy, CreatedAt: created, StartTime: &created, EndTime: &ended, FailureReason: calls.FailureProviderReported})
	e.put(calls.CallRecord{ID: "spent", CampaignID: "cmp", ContactID: "k2", ProviderCallID: "CA-spent", Status: calls.StatusNoAnswer, RetryCount: 2, CreatedAt: created, StartTime: &created, EndTime: &ended})
	e.put(calls.CallRecord{ID: "superseded", CampaignID: "cmp", ContactID: "k3", ProviderCallID: "CA-s1", Status: calls.StatusBusy, CreatedAt: created, StartTime: &created, EndTime: &ended})
	e.put(calls.CallRecord{ID: "newer", CampaignID: "cmp", ContactID: "k3", ProviderCallID: "CA-s2", Status: calls.StatusCompleted, CreatedAt: e.now.Add(-2 * time.Minute), StartTime: &created, EndTime: &ended})

	_, err := e.rec.RunCycle(context.Background())
	require.NoError(t, err)

	busy := e.get(t, "busy")
	assert.Equal(t, calls.StatusRetryScheduled, busy.Status)
	assert.Equal(t, 1, busy.RetryCount)
	assert.Nil(t, busy.EndTime)
	require.NotNil(t, busy.NextRetryAt)
	assert.True(t, busy.NextRetryAt.Equal(ended.Add(5*time.Minute)))
	assert.Equal(t, calls.StatusNoAnswer, e.get(t, "spent").Status)
	assert.Equal(t, calls.StatusBusy, e.get(t, "superseded").Status)
	assert.Empty(t, e.queue.All(), "not due yet")

	e.now = e.now.Add(6 * time.Minute)
	rep, err := e.rec.RunCycle(context.Background())
	require.NoError(t, err)

	busy = e.get(t, "busy")
	assert.Equal(t, calls.StatusQueued, busy.Status)
	assert.True(t, reconcile.AwaitingRetry(busy))

	entries := e.queue.All()
	require.Len(t, entries, 1)
	assert.Equal(t, queue.StatusPending, entries[0].Status)
	assert.Equal(t, queue.RetryPriority, entries[0].Priority)
	assert.True(t, entries[0].ScheduledAt.Equal(e.now))
	assert.Equal(t, "k1", entries[0].ContactID)
	assert.Equal(t, "ag", entries[0].AgentID)

	p, _ := rep.Pass(PassRetrySweep)
	assert.Equal(t, 1, p.Repaired)
	assert.Len(t, e.audit.OfType(audit.EventTypeRetryQueued), 1)

	// The queued retry is left alone by every other pass.
	e.now = e.now.Add(30 * time.Minute)
	_, err = e.rec.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, calls.StatusQueued, e.get(t, "busy").Status)
	assert.Len(t, e.queue.All(), 1)
}

func TestRecovery_SweepFoldsRetryIntoRunningDispatch(t *testing.T) {
	e := newEnv(nil)
	created := e.now.Add(-20 * time.Minute)
	due := e.now.Add(-time.Minute)
	e.put(calls.CallRecord{ID: "retry", CampaignID: "cmp", ContactID: "k1", AgentID: "ag", ProviderCallID: "CA-old", Status: calls.StatusRetryScheduled, RetryCount: 1, NextRetryAt: &due, CreatedAt: created, StartTime: &created})
	require.NoError(t, e.queue.Put(queue.Entry{ID: "q-busy", UserID: "u1", CampaignID: "cmp", ContactID: "k1", AgentID: "ag", Status: queue.StatusProcessing, ScheduledAt: created, CreatedAt: created, UpdatedAt: created}))

	rep, err := e.rec.RunCycle(context.Background())
	require.NoError(t, err)

	got := e.get(t, "retry")
	assert.Equal(t, calls.StatusCancelled, got.Status)
	assert.Equal(t, calls.FailureSupersededByRetry, got.FailureReason)
	assert.Nil(t, got.NextRetryAt)
	assert.NotNil(t, got.EndTime)
	assert.False(t, reconcile.AwaitingRetry(got))

	entries := e.queue.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "q-busy", entries[0].ID)
	assert.Equal(t, queue.StatusProcessing, entries[0].Status)

	p, _ := rep.Pass(PassRetrySweep)
	assert.Equal(t, 1, p.Repaired)
	assert.Empty(t, e.audit.OfType(audit.EventTypeRetryQueued))

	// Once the running dispatch settles, the next sweep enqueues nothing.
	e.now = e.now.Add(10 * time.Minute)
	_, err = e.rec.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, e.queue.All(), 1)
}

// panicsOnMissingStart blows up the state-inconsistency pass only.
type panicsOnMissingStart struct{ calls.Store }

func (p panicsOnMissingStart) List(ctx context.Context, f calls.Filter) ([]calls.CallRecord, error) {
	if f.MissingStartTime {
		panic("boom")
	}
	return p.Store.List(ctx, f)
}

func TestRecovery_PassFailureDoesNotStopOthers(t *testing.T) {
	e := newEnv(func(s calls.Store) calls.Store { return panicsOnMissingStart{s} })
	e.put(calls.CallRecord{ID: "c1", Status: calls.StatusInitiated, CreatedAt: e.now.Add(-11 * time.Minute)})

	rep, err := e.rec.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), PassStateConsistency)
	require.Len(t, rep.Passes, 6)

	p, _ := rep.Pass(PassStateConsistency)
	assert.Contains(t, p.Error, "panicked")
	p, _ = rep.Pass(PassWebhookTimeout)
	assert.Equal(t, 1, p.Repaired)
	for _, name := range []string{PassOrphans, PassDrift, PassRetryMarking, PassRetrySweep} {
		p, ok := rep.Pass(name)
		assert.True(t, ok)
		assert.Empty(t, p.Error, name)
	}
}
