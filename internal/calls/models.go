package calls

import (
	"strings"
	"time"
)

// CallRecord is one outbound telephony attempt. It is the system of record for
// call lifecycle state; UI and billing layers only read it.
//
// Invariants:
// - StartTime is set no later than the first transition away from queued/initiated.
// - EndTime is set iff Status is terminal (see Status.IsTerminal).
// - ProviderCallID, once non-empty, never changes.
//
// NOTE: DurationSeconds is only meaningful once EndTime is set.
type CallRecord struct {
	ID          string `json:"id" db:"id"`
	UserID      string `json:"user_id" db:"user_id"`
	CampaignID  string `json:"campaign_id" db:"campaign_id"`
	ContactID   string `json:"contact_id" db:"contact_id"`
	AgentID     string `json:"agent_id" db:"agent_id"`
	PhoneNumber string `json:"phone_number" db:"phone_number"`

	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	Status Status `json:"status" db:"status"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartTime   *time.Time `json:"start_time,omitempty" db:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty" db:"end_time"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty" db:"last_error_at"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`

	DurationSeconds int           `json:"duration_seconds" db:"duration_seconds"`
	CostCents       int64         `json:"cost_cents" db:"cost_cents"`
	FailureReason   FailureReason `json:"failure_reason,omitempty" db:"failure_reason"`
	ErrorMessage    string        `json:"error_message,omitempty" db:"error_message"`
	RetryCount      int           `json:"retry_count" db:"retry_count"`

	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`
}

// HasProviderCallID reports whether the provider has acknowledged this attempt.
func (r CallRecord) HasProviderCallID() bool { return r.ProviderCallID != "" }

// Age is the time elapsed since the record was created.
func (r CallRecord) Age(now time.Time) time.Duration { return now.Sub(r.CreatedAt) }

// Status is the closed set of call lifecycle states.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusInitiated      Status = "initiated"
	StatusRinging        Status = "ringing"
	StatusInProgress     Status = "in-progress"
	StatusCompleted      Status = "completed"
	StatusBusy           Status = "busy"
	StatusFailed         Status = "failed"
	StatusNoAnswer       Status = "no-answer"
	StatusCancelled      Status = "cancelled"
	StatusRetryScheduled Status = "retry_scheduled"
)

// ActiveStatuses are the statuses that occupy a concurrency slot.
var ActiveStatuses = []Status{StatusQueued, StatusInitiated, StatusRinging, StatusInProgress}

// TerminalStatuses end an attempt; EndTime must be set for exactly these.
var TerminalStatuses = []Status{StatusCompleted, StatusBusy, StatusFailed, StatusNoAnswer, StatusCancelled}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusFailed, StatusNoAnswer, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) IsActive() bool {
	switch s {
	case StatusQueued, StatusInitiated, StatusRinging, StatusInProgress:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	return s.IsTerminal() || s.IsActive() || s == StatusRetryScheduled
}

// MapProviderStatus maps the provider's status vocabulary onto Status.
// The mapping is total: anything unrecognized becomes StatusFailed.
func MapProviderStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued":
		return StatusQueued
	case "initiated":
		return StatusInitiated
	case "ringing":
		return StatusRinging
	case "answered", "in-progress":
		return StatusInProgress
	case "completed":
		return StatusCompleted
	case "busy":
		return StatusBusy
	case "failed":
		return StatusFailed
	case "no-answer":
		return StatusNoAnswer
	case "canceled":
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// FailureReason tags why an attempt ended abnormally (or was forcibly ended).
// Keep values stable; operators filter on them.
type FailureReason string

const (
	FailureNone FailureReason = ""

	// precondition failures (queue entry only, no provider call)
	FailureCampaignInactive   FailureReason = "campaign_inactive"
	FailureAgentInactive      FailureReason = "agent_inactive"
	FailureMissingPhoneNumber FailureReason = "missing_phone_number"
	FailureMissingFromNumber  FailureReason = "missing_from_number"

	// provider rejection at placement
	FailureProviderRejected FailureReason = "provider_rejected"

	// provider reported the outcome itself
	FailureProviderReported FailureReason = "provider_reported"

	// detected by the State Monitor / Error Recovery
	FailureStuckTimeout          FailureReason = "stuck_timeout"
	FailureWebhookTimeoutNoSID   FailureReason = "webhook_timeout_no_sid"
	FailureWebhookTimeoutMissing FailureReason = "webhook_timeout_not_found"
	FailureOrphanNotFound        FailureReason = "orphan_not_found"
	FailureStateInconsistency    FailureReason = "state_inconsistency"
	FailureMaxDurationExceeded   FailureReason = "max_duration_exceeded"
	FailureSupersededByRetry     FailureReason = "superseded_by_retry"
)
