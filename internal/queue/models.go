package queue

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("queue: not found")
	ErrInvalidPriority = errors.New("queue: priority must be between 1 and 10")
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
	RetryPriority   = 5
)

// Entry is one scheduled unit of work: call ContactID with AgentID for CampaignID.
//
// IMPORTANT:
//   - At most one active (pending or processing) Entry exists per
//     (ContactID, CampaignID). Stores enforce this with an upsert keyed on that
//     pair, never with a read-then-write.
//   - An Entry is marked processing before any provider I/O happens for it.
//     A crash after the claim leaves it processing, where the stuck sweep finds it.
type Entry struct {
	ID         string `json:"id" db:"id"`
	UserID     string `json:"user_id" db:"user_id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	ContactID  string `json:"contact_id" db:"contact_id"`
	AgentID    string `json:"agent_id" db:"agent_id"`

	Priority    int       `json:"priority" db:"priority"`
	ScheduledAt time.Time `json:"scheduled_at" db:"scheduled_at"`
	Status      Status    `json:"status" db:"status"`
	Attempts    int       `json:"attempts" db:"attempts"`

	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty" db:"processing_started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage        string     `json:"error_message,omitempty" db:"error_message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

// Reasons written to Entry.ErrorMessage by the dispatcher and the stuck sweep.
const (
	ReasonProcessingTimeout = "processing timeout"
	ReasonCampaignInactive  = "campaign not active"
	ReasonAgentInactive     = "agent not active"
	ReasonMissingPhone      = "contact has no phone number"
	ReasonMissingFromNumber = "no originating number configured"
)

func ValidPriority(p int) bool {
	return p >= MinPriority && p <= MaxPriority
}

// less orders claimable entries: priority first, then FIFO within a priority.
func less(a, b Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.ID < b.ID
}
