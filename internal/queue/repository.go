package queue

import (
	"context"
	"time"
)

// Store is the persistence contract for queue entries.
//
// All mutations are single-row conditional updates or upserts; callers never
// need a multi-row transaction.
type Store interface {
	// Upsert inserts e, or, when an active entry already exists for
	// (ContactID, CampaignID), refreshes that entry's priority, schedule and
	// agent if it is still pending. It returns the active entry.
	Upsert(ctx context.Context, e Entry, now time.Time) (Entry, error)
	Get(ctx context.Context, id string) (Entry, error)

	// UsersWithDueEntries lists users owning at least one pending entry with
	// scheduled_at <= now.
	UsersWithDueEntries(ctx context.Context, now time.Time) ([]string, error)

	// ClaimDue atomically moves up to limit due pending entries of userID to
	// processing (processing_started_at=now, attempts+1) and returns them ordered
	// by priority DESC, scheduled_at ASC.
	ClaimDue(ctx context.Context, userID string, limit int, now time.Time) ([]Entry, error)

	// Complete and Fail only act on processing entries; false means the guard
	// did not match.
	Complete(ctx context.Context, id string, now time.Time) (bool, error)
	Fail(ctx context.Context, id, reason string, now time.Time) (bool, error)

	// FailStuckProcessing fails every processing entry whose
	// processing_started_at is before startedBefore and returns them.
	FailStuckProcessing(ctx context.Context, startedBefore time.Time, reason string, now time.Time) ([]Entry, error)
}
