package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded Store for tests and single-process runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]Entry{}}
}

func (s *MemoryStore) Upsert(ctx context.Context, e Entry, now time.Time) (Entry, error) {
	if !ValidPriority(e.Priority) {
		return Entry{}, ErrInvalidPriority
	}
	if e.ScheduledAt.IsZero() {
		e.ScheduledAt = now
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cur := range s.entries {
		if cur.ContactID != e.ContactID || cur.CampaignID != e.CampaignID || !cur.Status.IsActive() {
			continue
		}
		if cur.Status == StatusPending {
			cur.Priority = e.Priority
			cur.ScheduledAt = e.ScheduledAt
			if e.AgentID != "" {
				cur.AgentID = e.AgentID
			}
			cur.UpdatedAt = now
			s.entries[id] = cur
		}
		return cur, nil
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Status = StatusPending
	e.Attempts = 0
	e.ProcessingStartedAt = nil
	e.CompletedAt = nil
	e.ErrorMessage = ""
	e.CreatedAt = now
	e.UpdatedAt = now
	s.entries[e.ID] = e
	return e, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) UsersWithDueEntries(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	out := make([]string, 0)
	for _, e := range s.entries {
		if e.Status == StatusPending && !e.ScheduledAt.After(now) && !seen[e.UserID] {
			seen[e.UserID] = true
			out = append(out, e.UserID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ClaimDue(ctx context.Context, userID string, limit int, now time.Time) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]Entry, 0)
	for _, e := range s.entries {
		if e.UserID == userID && e.Status == StatusPending && !e.ScheduledAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return less(due[i], due[j]) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		started := now
		due[i].Status = StatusProcessing
		due[i].ProcessingStartedAt = &started
		due[i].Attempts++
		due[i].UpdatedAt = now
		s.entries[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.finish(id, StatusCompleted, "", now)
}

func (s *MemoryStore) Fail(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	return s.finish(id, StatusFailed, reason, now)
}

func (s *MemoryStore) finish(id string, to Status, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != StatusProcessing {
		return false, nil
	}
	done := now
	e.Status = to
	e.CompletedAt = &done
	e.ErrorMessage = reason
	e.UpdatedAt = now
	s.entries[id] = e
	return true, nil
}

func (s *MemoryStore) FailStuckProcessing(ctx context.Context, startedBefore time.Time, reason string, now time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0)
	for id, e := range s.entries {
		if e.Status != StatusProcessing || e.ProcessingStartedAt == nil || !e.ProcessingStartedAt.Before(startedBefore) {
			continue
		}
		done := now
		e.Status = StatusFailed
		e.CompletedAt = &done
		e.ErrorMessage = reason
		e.UpdatedAt = now
		s.entries[id] = e
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put stores e verbatim. Tests use it to seed arbitrary states.
func (s *MemoryStore) Put(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Status.IsActive() {
		for id, cur := range s.entries {
			if id != e.ID && cur.Status.IsActive() && cur.ContactID == e.ContactID && cur.CampaignID == e.CampaignID {
				return fmt.Errorf("queue: active entry %s already exists for contact %s campaign %s", id, e.ContactID, e.CampaignID)
			}
		}
	}
	s.entries[e.ID] = e
	return nil
}

// All returns every entry ordered by id.
func (s *MemoryStore) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
