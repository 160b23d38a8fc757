package reporting

import (
	"time"

	"call-orchestrator/internal/calls"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest asks for call outcome totals of one user.
// UserID is required; CampaignID narrows to one campaign.
type CallsSummaryRequest struct {
	UserID     string    `json:"user_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Range      TimeRange `json:"range"`
}

type CallsSummary struct {
	UserID     string    `json:"user_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Range      TimeRange `json:"range"`

	TotalCalls          int `json:"total_calls"`
	CompletedCalls      int `json:"completed_calls"`
	FailedCalls         int `json:"failed_calls"`
	NoAnswerCalls       int `json:"no_answer_calls"`
	BusyCalls           int `json:"busy_calls"`
	CancelledCalls      int `json:"cancelled_calls"`
	ActiveCalls         int `json:"active_calls"`
	RetryScheduledCalls int `json:"retry_scheduled_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
	RecordedCalls          int `json:"recorded_calls"`

	// ConnectionRate is completed / ended attempts.
	ConnectionRate float64 `json:"connection_rate"`

	FailureReasons map[calls.FailureReason]int `json:"failure_reasons,omitempty"`
	// Truncated is set when the range held more records than one summary reads.
	Truncated bool `json:"truncated,omitempty"`
}
