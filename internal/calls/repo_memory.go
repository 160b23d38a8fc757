package calls

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store useful for tests and local development.
// It applies the same guard and write-once semantics as the Postgres store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]CallRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]CallRecord{}}
}

func (s *MemoryStore) Create(ctx context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		return fmt.Errorf("calls: id required")
	}
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrDuplicate, rec.ID)
	}
	if rec.ProviderCallID != "" {
		for _, r := range s.records {
			if r.ProviderCallID == rec.ProviderCallID {
				return fmt.Errorf("%w: provider_call_id %s", ErrDuplicate, rec.ProviderCallID)
			}
		}
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) GetByProviderCallID(ctx context.Context, providerCallID string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if providerCallID == "" {
		return CallRecord{}, ErrNotFound
	}
	for _, r := range s.records {
		if r.ProviderCallID == providerCallID {
			return r, nil
		}
	}
	return CallRecord{}, ErrNotFound
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CallRecord, 0)
	for _, r := range s.records {
		if f.matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch f.Order {
		case OrderCreatedDesc:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		case OrderUpdatedAsc:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		}
		return a.ID < b.ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	f.Limit = 0
	rows, err := s.List(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from []Status, upd Update, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if !slices.Contains(from, r.Status) {
		return false, nil
	}
	s.records[id] = upd.apply(r, now)
	return true, nil
}

// Put overwrites a record as-is. Tests use it to seed arbitrary states.
func (s *MemoryStore) Put(rec CallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
}

// All returns a snapshot of every record.
func (s *MemoryStore) All() []CallRecord {
	rows, _ := s.List(context.Background(), Filter{})
	return rows
}

func (f Filter) matches(r CallRecord) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.ContactID != "" && r.ContactID != f.ContactID {
		return false
	}
	if f.CampaignID != "" && r.CampaignID != f.CampaignID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.CreatedAfter.IsZero() && !r.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if !f.EndedAfter.IsZero() && (r.EndTime == nil || !r.EndTime.After(f.EndedAfter)) {
		return false
	}
	if !f.NextRetryDue.IsZero() && (r.NextRetryAt == nil || r.NextRetryAt.After(f.NextRetryDue)) {
		return false
	}
	if f.HasProviderCallID != nil && r.HasProviderCallID() != *f.HasProviderCallID {
		return false
	}
	if f.MissingStartTime && r.StartTime != nil {
		return false
	}
	if f.MissingEndTime && r.EndTime != nil {
		return false
	}
	return true
}

func (u Update) apply(r CallRecord, now time.Time) CallRecord {
	if u.Status != "" {
		r.Status = u.Status
	}
	if u.ProviderCallID != "" && r.ProviderCallID == "" {
		r.ProviderCallID = u.ProviderCallID
	}
	if u.StartTime != nil && r.StartTime == nil {
		t := *u.StartTime
		r.StartTime = &t
	}
	if u.ClearEndTime {
		r.EndTime = nil
	}
	if u.EndTime != nil && r.EndTime == nil {
		t := *u.EndTime
		r.EndTime = &t
	}
	if u.DurationSeconds != nil {
		r.DurationSeconds = *u.DurationSeconds
	}
	if u.CostCents != nil {
		r.CostCents = *u.CostCents
	}
	if u.FailureReason != nil {
		r.FailureReason = *u.FailureReason
	}
	if u.ErrorMessage != nil {
		r.ErrorMessage = *u.ErrorMessage
	}
	if u.LastErrorAt != nil {
		t := *u.LastErrorAt
		r.LastErrorAt = &t
	}
	if u.RetryCount != nil {
		r.RetryCount = *u.RetryCount
	}
	if u.ClearNextRetryAt {
		r.NextRetryAt = nil
	}
	if u.NextRetryAt != nil {
		t := *u.NextRetryAt
		r.NextRetryAt = &t
	}
	if u.RecordingURL != "" {
		r.RecordingURL = u.RecordingURL
	}
	r.UpdatedAt = now
	return r
}
