package telephony

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCallNotFound is the provider's conclusive "no such call" answer (404).
	ErrCallNotFound = errors.New("telephony: call not found at provider")
	// ErrTimeout means the provider did not answer within the API timeout.
	// Callers treat it as "unknown", never as a failure of the call itself.
	ErrTimeout = errors.New("telephony: provider request timed out")
)

// Provider is the provider-agnostic call control surface used by the
// orchestrator.
//
// Rules:
//   - No provider SDK calls outside telephony adapters.
//   - Every method is network I/O bounded by the adapter's API timeout and by ctx.
//   - Statuses are returned in the provider's raw vocabulary; mapping onto
//     calls.Status happens in one place (calls.MapProviderStatus).
type Provider interface {
	Name() string

	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
	GetCallStatus(ctx context.Context, providerCallID string) (CallStatus, error)
	Hangup(ctx context.Context, providerCallID string) error
}

// StatusEvents are the lifecycle events requested on every placed call.
var StatusEvents = []string{"initiated", "ringing", "answered", "completed"}

// PlaceCallRequest is the outbound "place a call" request.
type PlaceCallRequest struct {
	// To and From are E.164.
	To   string `json:"to"`
	From string `json:"from"`

	// StatusCallbackURL receives asynchronous status pushes.
	StatusCallbackURL    string   `json:"status_callback_url"`
	StatusCallbackMethod string   `json:"status_callback_method"`
	StatusEvents         []string `json:"status_events"`

	// Exactly one of AnswerURL or AnswerDocument drives the answered call.
	AnswerURL      string `json:"answer_url,omitempty"`
	AnswerDocument string `json:"answer_document,omitempty"`

	RingTimeoutSeconds int  `json:"ring_timeout_seconds"`
	Record             bool `json:"record"`
}

type PlaceCallResult struct {
	ProviderCallID string `json:"provider_call_id"`
	Status         string `json:"status"`
}

// CallStatus is the provider's synchronous view of one call.
type CallStatus struct {
	ProviderCallID string `json:"provider_call_id"`
	Status         string `json:"status"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	DurationSeconds *int   `json:"duration_seconds,omitempty"`
	PriceCents      *int64 `json:"price_cents,omitempty"`
}
