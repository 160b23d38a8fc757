package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps events in process. Used by tests and local runs with the
// fake provider; FailWith makes Append fail to exercise best-effort callers.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

// FailWith makes every later Append return err (nil restores normal appends).
func (r *MemoryRepo) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Events returns a copy in append order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *MemoryRepo) OfType(t EventType) []Event {
	return r.filter(func(e Event) bool { return e.Type == t })
}

// ForCall returns the trail of one call record.
func (r *MemoryRepo) ForCall(callRecordID string) []Event {
	return r.filter(func(e Event) bool { return e.CallRecordID == callRecordID })
}

func (r *MemoryRepo) filter(keep func(Event) bool) []Event {
	var out []Event
	for _, e := range r.Events() {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
