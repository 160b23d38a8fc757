package audit

import "time"

// Event is an immutable, append-only record of something the orchestrator did
// to a call or queue entry outside the normal happy path.
//
// Invariants:
// - Events are never updated or deleted.
// - user_id is required; every repaired record belongs to one user.
// - Writing events is best-effort; do not block repairs on audit failures.
//
// Storage (Postgres):
// - Table audit_events (see internal/schema), INSERT-only.

type Event struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	// Type indicates the category of the audit record.
	Type EventType `json:"type" db:"type"`

	// Actor is the pass or operator that acted ("state_monitor",
	// "recovery.orphans", an admin user id, ...).
	Actor     string `json:"actor" db:"actor"`
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`

	// Target identifiers (optional, depending on the event type).
	CallRecordID string `json:"call_record_id,omitempty" db:"call_record_id"`
	QueueEntryID string `json:"queue_entry_id,omitempty" db:"queue_entry_id"`
	CampaignID   string `json:"campaign_id,omitempty" db:"campaign_id"`

	// Reason is the failure_reason tag applied, when there is one.
	Reason string `json:"reason,omitempty" db:"reason"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeRepair       EventType = "repair"
	EventTypeForcedHangup EventType = "forced_hangup"
	EventTypeRetryQueued  EventType = "retry_queued"
	EventTypeAdminAction  EventType = "admin_action"
)
