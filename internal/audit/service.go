package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// There are no Update or Delete methods.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to tenant users by default.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// WithClock replaces the service clock (tests).
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.UserID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// Repair identifies one repaired record.
type Repair struct {
	Actor        string
	UserID       string
	CallRecordID string
	QueueEntryID string
	CampaignID   string
	Reason       string
	Message      string
}

// LogRepair records a state repair made by a safety-net pass.
func (s *Service) LogRepair(ctx context.Context, r Repair) error {
	return s.Append(ctx, Event{
		UserID:       r.UserID,
		Type:         EventTypeRepair,
		Actor:        r.Actor,
		CallRecordID: r.CallRecordID,
		QueueEntryID: r.QueueEntryID,
		CampaignID:   r.CampaignID,
		Reason:       r.Reason,
		Message:      r.Message,
	})
}

// LogForcedHangup records a provider hangup issued for a runaway call.
func (s *Service) LogForcedHangup(ctx context.Context, actor, userID, callRecordID, message string) error {
	return s.Append(ctx, Event{
		UserID:       userID,
		Type:         EventTypeForcedHangup,
		Actor:        actor,
		CallRecordID: callRecordID,
		Reason:       "max_duration_exceeded",
		Message:      message,
	})
}

// LogRetryQueued records a retry_scheduled record being put back on the queue.
func (s *Service) LogRetryQueued(ctx context.Context, actor, userID, callRecordID, queueEntryID, campaignID string) error {
	return s.Append(ctx, Event{
		UserID:       userID,
		Type:         EventTypeRetryQueued,
		Actor:        actor,
		CallRecordID: callRecordID,
		QueueEntryID: queueEntryID,
		CampaignID:   campaignID,
		Message:      "retry requeued",
	})
}

// LogAdminAction records an operator-triggered action on the ops API.
func (s *Service) LogAdminAction(ctx context.Context, userID, actorUserID, actorRole, message, metadata string) error {
	return s.Append(ctx, Event{
		UserID:    userID,
		Type:      EventTypeAdminAction,
		Actor:     actorUserID,
		ActorRole: actorRole,
		Message:   message,
		Metadata:  metadata,
	})
}
