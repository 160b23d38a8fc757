package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestService_AppendRequiresUserAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeRepair}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{UserID: "u"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_NilServiceIsAnError(t *testing.T) {
	var svc *Service
	if err := svc.LogRepair(context.Background(), Repair{UserID: "u"}); err == nil {
		t.Fatalf("expected error from nil service")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	svc := NewService(repo).WithClock(func() time.Time { return now })

	if err := svc.LogRepair(context.Background(), Repair{
		Actor:        "recovery.orphans",
		UserID:       "u1",
		CallRecordID: "c1",
		Reason:       "orphan_not_found",
		Message:      "provider has no such call",
	}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.LogForcedHangup(context.Background(), "state_monitor", "u1", "c2", "exceeded 30m0s"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].ID == "" || !evs[0].CreatedAt.Equal(now) {
		t.Fatalf("expected id and created_at filled: %+v", evs[0])
	}
	if evs[0].Type != EventTypeRepair || evs[0].Reason != "orphan_not_found" {
		t.Fatalf("unexpected repair event: %+v", evs[0])
	}
	if got := repo.OfType(EventTypeForcedHangup); len(got) != 1 || got[0].CallRecordID != "c2" {
		t.Fatalf("expected one forced hangup event, got %+v", got)
	}
}

func TestService_RepositoryErrorsSurface(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	boom := errors.New("db down")
	repo.FailWith(boom)
	if err := svc.LogRetryQueued(context.Background(), "recovery.retry_sweep", "u1", "c1", "q1", "camp"); !errors.Is(err, boom) {
		t.Fatalf("expected repo error, got %v", err)
	}
	repo.FailWith(nil)
	if err := svc.LogRetryQueued(context.Background(), "recovery.retry_sweep", "u1", "c1", "q1", "camp"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got := repo.ForCall("c1"); len(got) != 1 || got[0].QueueEntryID != "q1" {
		t.Fatalf("expected one event for c1, got %+v", got)
	}
}
