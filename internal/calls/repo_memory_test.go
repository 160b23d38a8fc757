package calls

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_TransitionGuard(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	if err := s.Create(ctx, CallRecord{ID: "c1", UserID: "u1", Status: StatusQueued, CreatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := s.Transition(ctx, "c1", []Status{StatusInitiated}, Update{Status: StatusFailed}, now)
	if err != nil || ok {
		t.Fatalf("expected guard miss, got ok=%v err=%v", ok, err)
	}

	ok, err = s.Transition(ctx, "c1", []Status{StatusQueued}, Update{
		Status:         StatusInitiated,
		ProviderCallID: "CA1",
		StartTime:      Ptr(now),
	}, now.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("expected transition, got ok=%v err=%v", ok, err)
	}

	_, err = s.Transition(ctx, "missing", []Status{StatusQueued}, Update{}, now)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, _ := s.Get(ctx, "c1")
	if got.Status != StatusInitiated || got.ProviderCallID != "CA1" || got.StartTime == nil {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.UpdatedAt.Equal(now.Add(time.Second)) {
		t.Fatalf("updated_at not bumped: %v", got.UpdatedAt)
	}
}

func TestMemoryStore_WriteOnceColumns(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.Put(CallRecord{ID: "c1", Status: StatusInitiated, ProviderCallID: "CA1", StartTime: Ptr(t0), CreatedAt: t0})

	later := t0.Add(time.Minute)
	if _, err := s.Transition(ctx, "c1", []Status{StatusInitiated}, Update{
		Status:         StatusCompleted,
		ProviderCallID: "CA2",
		StartTime:      Ptr(later),
		EndTime:        Ptr(later),
	}, later); err != nil {
		t.Fatalf("transition: %v", err)
	}
	got, _ := s.Get(ctx, "c1")
	if got.ProviderCallID != "CA1" {
		t.Fatalf("provider_call_id changed: %q", got.ProviderCallID)
	}
	if !got.StartTime.Equal(t0) {
		t.Fatalf("start_time overwritten: %v", got.StartTime)
	}
	if got.EndTime == nil || !got.EndTime.Equal(later) {
		t.Fatalf("end_time not set: %v", got.EndTime)
	}

	// end_time stays put on a second terminal write unless cleared first.
	again := later.Add(time.Hour)
	_, _ = s.Transition(ctx, "c1", []Status{StatusCompleted}, Update{EndTime: Ptr(again)}, again)
	got, _ = s.Get(ctx, "c1")
	if !got.EndTime.Equal(later) {
		t.Fatalf("end_time overwritten: %v", got.EndTime)
	}
	_, _ = s.Transition(ctx, "c1", []Status{StatusCompleted}, Update{Status: StatusRetryScheduled, ClearEndTime: true}, again)
	got, _ = s.Get(ctx, "c1")
	if got.EndTime != nil {
		t.Fatalf("end_time should be cleared: %v", got.EndTime)
	}
}

func TestMemoryStore_FilterAndOrder(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.Put(CallRecord{ID: "a", UserID: "u1", Status: StatusInitiated, CreatedAt: t0, UpdatedAt: t0.Add(3 * time.Minute), ProviderCallID: "CA-a"})
	s.Put(CallRecord{ID: "b", UserID: "u1", Status: StatusRinging, CreatedAt: t0.Add(time.Minute), UpdatedAt: t0.Add(time.Minute)})
	s.Put(CallRecord{ID: "c", UserID: "u1", Status: StatusCompleted, CreatedAt: t0.Add(2 * time.Minute), UpdatedAt: t0.Add(2 * time.Minute)})
	s.Put(CallRecord{ID: "d", UserID: "u2", Status: StatusInitiated, CreatedAt: t0, UpdatedAt: t0})

	rows, _ := s.List(ctx, Filter{UserID: "u1", Statuses: ActiveStatuses, Order: OrderCreatedDesc})
	if len(rows) != 2 || rows[0].ID != "b" || rows[1].ID != "a" {
		t.Fatalf("unexpected rows: %+v", ids(rows))
	}

	rows, _ = s.List(ctx, Filter{Statuses: ActiveStatuses, Order: OrderUpdatedAsc, Limit: 2})
	if len(rows) != 2 || rows[0].ID != "d" || rows[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", ids(rows))
	}

	n, _ := s.Count(ctx, Filter{HasProviderCallID: Bool(true)})
	if n != 1 {
		t.Fatalf("expected 1 with provider id, got %d", n)
	}
	n, _ = s.Count(ctx, Filter{CreatedBefore: t0.Add(time.Minute)})
	if n != 2 {
		t.Fatalf("created_before should be strict, got %d", n)
	}
	n, _ = s.Count(ctx, Filter{CreatedAfter: t0})
	if n != 2 {
		t.Fatalf("created_after should be strict, got %d", n)
	}
}

func TestMemoryStore_DuplicateProviderCallID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, CallRecord{ID: "a", ProviderCallID: "CA1"})
	if err := s.Create(ctx, CallRecord{ID: "b", ProviderCallID: "CA1"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate provider id error")
	}
	got, err := s.GetByProviderCallID(ctx, "CA1")
	if err != nil || got.ID != "a" {
		t.Fatalf("lookup by provider id: %+v %v", got, err)
	}
	if _, err := s.GetByProviderCallID(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty provider id should be not found, got %v", err)
	}
}

func ids(rows []CallRecord) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out
}
