package monitor

import (
	"context"
	"testing"
	"time"

	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/directory"
	"call-orchestrator/internal/monitoring"
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
	snaps    *monitoring.MemoryStore
	provider *telephony.FakeProvider
	m        *Monitor
}

func newEnv() *env {
	e := &env{
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		calls:    calls.NewMemoryStore(),
		queue:    queue.NewMemoryStore(),
		snaps:    monitoring.NewMemoryStore(),
		provider: telephony.NewFakeProvider(),
	}
	clock := func() time.Time { return e.now }
	dir := directory.NewMemoryDirectory()
	r := &reconcile.Reconciler{
		Calls:           e.calls,
		Directory:       dir,
		Provider:        e.provider,
		MaxCallDuration: 30 * time.Minute,
		Clock:           clock,
	}
	e.m = New(e.calls, e.queue, e.snaps, r, Config{})
	e.m.Clock = clock
	return e
}

func (e *env) snapshot(t *testing.T, id string) monitoring.Record {
	t.Helper()
	s, err := e.snaps.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

// Scenario C: an in-progress call aged 31 minutes is hung up and completed
// with max_duration_exceeded.
func TestMonitor_HangsUpRunawayCall(t *testing.T) {
	e := newEnv()
	created := e.now.Add(-31 * time.Minute)
	e.calls.Put(calls.CallRecord{ID: "c1", UserID: "u1", ProviderCallID: "CA1", Status: calls.StatusInProgress, CreatedAt: created, StartTime: &created})
	e.provider.SetStatus(telephony.CallStatus{ProviderCallID: "CA1", Status: "in-progress"})

	rep, err := e.m.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Outcomes[reconcile.OutcomeForcedHangup])
	assert.Equal(t, []string{"CA1"}, e.provider.Hangups())

	got, _ := e.calls.Get(context.Background(), "c1")
	assert.Equal(t, calls.StatusCompleted, got.Status)
	assert.Equal(t, calls.FailureMaxDurationExceeded, got.FailureReason)
	assert.NotNil(t, got.EndTime)
	assert.Equal(t, monitoring.ScoreForcedHangup, e.snapshot(t, "c1").HealthScore)
}

func TestMonitor_ScoresEachOutcome(t *testing.T) {
	e := newEnv()
	old := e.now.Add(-10 * time.Minute)
	e.calls.Put(calls.CallRecord{ID: "done", UserID: "u1", ProviderCallID: "CA-done", Status: calls.StatusRinging, CreatedAt: old})
	e.calls.Put(calls.CallRecord{ID: "busy", UserID: "u1", ProviderCallID: "CA-busy", Status: calls.StatusRinging, CreatedAt: old})
	e.calls.Put(calls.CallRecord{ID: "live", UserID: "u1", ProviderCallID: "CA-live", Status: calls.StatusRinging, CreatedAt: old})
	e.calls.Put(calls.CallRecord{ID: "err", UserID: "u1", ProviderCallID: "CA-err", Status: calls.StatusInitiated, CreatedAt: old})
	e.calls.Put(calls.CallRecord{ID: "nosid", UserID: "u1", Status: calls.StatusQueued, CreatedAt: old})
	e.calls.Put(calls.CallRecord{ID: "fresh", UserID: "u1", Status: calls.StatusQueued, CreatedAt: e.now.Add(-time.Minute)})
	e.provider.SetStatus(telephony.CallStatus{ProviderCallID: "CA-done", Status: "completed", DurationSeconds: calls.Ptr(60)})
	e.provider.SetStatus(telephony.CallStatus{ProviderCallID: "CA-busy", Status: "busy"})
	e.provider.SetStatus(telephony.CallStatus{ProviderCallID: "CA-live", Status: "in-progress"})
	e.provider.FailQueries("CA-err", telephony.ErrTimeout)

	rep, err := e.m.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Checked)

	assert.Equal(t, monitoring.ScoreProviderCompleted, e.snapshot(t, "done").HealthScore)
	assert.Equal(t, monitoring.ScoreTerminalOther, e.snapshot(t, "busy").HealthScore)
	assert.Equal(t, monitoring.ScoreHealthy, e.snapshot(t, "live").HealthScore)
	assert.Equal(t, monitoring.ScoreQueryFailed, e.snapshot(t, "err").HealthScore)
	assert.Equal(t, monitoring.ScoreStuck, e.snapshot(t, "nosid").HealthScore)
	_, err = e.snaps.Get(context.Background(), "fresh")
	assert.ErrorIs(t, err, monitoring.ErrNotFound)

	nosid, _ := e.calls.Get(context.Background(), "nosid")
	assert.Equal(t, calls.StatusFailed, nosid.Status)
	assert.Equal(t, calls.FailureStuckTimeout, nosid.FailureReason)
	assert.NotNil(t, nosid.EndTime)

	errRec, _ := e.calls.Get(context.Background(), "err")
	assert.Equal(t, calls.StatusInitiated, errRec.Status, "query errors never fail a record")

	live, _ := e.calls.Get(context.Background(), "live")
	assert.Equal(t, calls.StatusInProgress, live.Status)
}

func TestMonitor_SweepsProcessingEntries(t *testing.T) {
	e := newEnv()
	started := e.now.Add(-6 * time.Minute)
	recent := e.now.Add(-time.Minute)
	require.NoError(t, e.queue.Put(queue.Entry{ID: "stuck", UserID: "u1", CampaignID: "cmp", ContactID: "k1", Priority: 5, Status: queue.StatusProcessing, ProcessingStartedAt: &started}))
	require.NoError(t, e.queue.Put(queue.Entry{ID: "busy", UserID: "u1", CampaignID: "cmp", ContactID: "k2", Priority: 5, Status: queue.StatusProcessing, ProcessingStartedAt: &recent}))
	e.calls.Put(calls.CallRecord{ID: "retry", UserID: "u1", CampaignID: "cmp", ContactID: "k1", ProviderCallID: "CA-old", Status: calls.StatusQueued, CreatedAt: e.now.Add(-time.Hour), NextRetryAt: calls.Ptr(e.now.Add(-10 * time.Minute))})

	rep, err := e.m.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.StuckEntries)

	got, _ := e.queue.Get(context.Background(), "stuck")
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, queue.ReasonProcessingTimeout, got.ErrorMessage)
	other, _ := e.queue.Get(context.Background(), "busy")
	assert.Equal(t, queue.StatusProcessing, other.Status)

	retry, _ := e.calls.Get(context.Background(), "retry")
	assert.Equal(t, calls.StatusCancelled, retry.Status)
	assert.Equal(t, calls.FailureStuckTimeout, retry.FailureReason)
}

func TestMonitor_PurgesOldSnapshots(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	require.NoError(t, e.snaps.Upsert(ctx, monitoring.Record{CallRecordID: "old", LastHeartbeat: e.now.Add(-25 * time.Hour)}))
	require.NoError(t, e.snaps.Upsert(ctx, monitoring.Record{CallRecordID: "new", LastHeartbeat: e.now.Add(-time.Hour)}))

	rep, err := e.m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Purged)
	assert.Equal(t, 1, e.snaps.Len())
}

func TestScore_UnexpectedErrorIsZero(t *testing.T) {
	assert.Equal(t, monitoring.ScoreUnexpected, Score(reconcile.Result{Outcome: reconcile.OutcomeError}))
}
