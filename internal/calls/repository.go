package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("calls: not found")
	ErrDuplicate = errors.New("calls: duplicate id or provider_call_id")
)

// Store is the persistence contract for CallRecords.
//
// IMPORTANT:
//   - Every status change goes through Transition, a conditional single-row update
//     keyed by id and the caller's view of the current status. Re-applying a repair
//     is then a no-op instead of a corruption.
//   - No multi-row transactions are required by callers.
type Store interface {
	Create(ctx context.Context, rec CallRecord) error
	Get(ctx context.Context, id string) (CallRecord, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (CallRecord, error)

	List(ctx context.Context, f Filter) ([]CallRecord, error)
	Count(ctx context.Context, f Filter) (int, error)

	// Transition applies upd if the stored status is one of from.
	// Returns false (and no error) when the guard did not match.
	Transition(ctx context.Context, id string, from []Status, upd Update, now time.Time) (bool, error)
}

// Filter selects CallRecords. Zero-valued fields do not constrain.
type Filter struct {
	UserID     string
	ContactID  string
	CampaignID string
	Statuses   []Status

	CreatedBefore time.Time // created_at < t
	CreatedAfter  time.Time // created_at > t
	UpdatedBefore time.Time // updated_at < t
	EndedAfter    time.Time // end_time > t

	// NextRetryDue selects next_retry_at <= t.
	NextRetryDue time.Time

	HasProviderCallID *bool
	MissingStartTime  bool
	MissingEndTime    bool

	Order Order
	Limit int
}

type Order int

const (
	OrderCreatedAsc Order = iota
	OrderCreatedDesc
	OrderUpdatedAsc
)

// Update describes the columns a Transition writes. updated_at is always set.
//
// Write-once columns:
//   - ProviderCallID is applied only while the stored value is empty.
//   - StartTime and EndTime are applied only while the stored value is NULL
//     (ClearEndTime resets end_time first, for retry scheduling).
type Update struct {
	Status Status

	ProviderCallID string
	StartTime      *time.Time
	EndTime        *time.Time
	ClearEndTime   bool

	DurationSeconds *int
	CostCents       *int64
	FailureReason   *FailureReason
	ErrorMessage    *string
	LastErrorAt     *time.Time
	RetryCount      *int

	NextRetryAt      *time.Time
	ClearNextRetryAt bool

	RecordingURL string
}

// Bool is a small helper for Filter.HasProviderCallID.
func Bool(v bool) *bool { return &v }

// Ptr returns a pointer to v; handy when building Updates.
func Ptr[T any](v T) *T { return &v }
