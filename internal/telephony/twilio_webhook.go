package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

// StatusCallback is one asynchronous status push from the provider.
//
// Twilio posts application/x-www-form-urlencoded (CallSid, CallStatus,
// CallDuration, RecordingUrl). Other senders may post JSON with
// provider_call_id, status, duration and recording_url.
type StatusCallback struct {
	ProviderCallID  string `json:"provider_call_id"`
	Status          string `json:"status"`
	DurationSeconds *int   `json:"duration,omitempty"`
	RecordingURL    string `json:"recording_url,omitempty"`
}

var ErrMissingCallID = errors.New("telephony: status callback without call id")

const maxCallbackBody = 64 << 10

type jsonStatusCallback struct {
	ProviderCallID string          `json:"provider_call_id"`
	Status         string          `json:"status"`
	Duration       json.RawMessage `json:"duration"`
	RecordingURL   string          `json:"recording_url"`
}

// ParseStatusCallback decodes a status push. It fails only when the payload
// is unreadable or carries no call id; status mapping happens downstream.
func ParseStatusCallback(r *http.Request) (StatusCallback, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		return parseJSONCallback(r)
	}
	if err := r.ParseForm(); err != nil {
		return StatusCallback{}, err
	}
	cb := StatusCallback{
		ProviderCallID: strings.TrimSpace(r.PostFormValue("CallSid")),
		Status:         strings.TrimSpace(r.PostFormValue("CallStatus")),
		RecordingURL:   strings.TrimSpace(r.PostFormValue("RecordingUrl")),
	}
	cb.DurationSeconds = parseDuration(r.PostFormValue("CallDuration"))
	if cb.ProviderCallID == "" {
		return StatusCallback{}, ErrMissingCallID
	}
	return cb, nil
}

func parseJSONCallback(r *http.Request) (StatusCallback, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		return StatusCallback{}, err
	}
	var in jsonStatusCallback
	if err := json.Unmarshal(body, &in); err != nil {
		return StatusCallback{}, fmt.Errorf("telephony: decode status callback: %w", err)
	}
	cb := StatusCallback{
		ProviderCallID: strings.TrimSpace(in.ProviderCallID),
		Status:         strings.TrimSpace(in.Status),
		RecordingURL:   strings.TrimSpace(in.RecordingURL),
	}
	// duration may arrive as a number or a numeric string.
	if len(in.Duration) > 0 {
		cb.DurationSeconds = parseDuration(strings.Trim(string(in.Duration), `"`))
	}
	if cb.ProviderCallID == "" {
		return StatusCallback{}, ErrMissingCallID
	}
	return cb, nil
}

func parseDuration(s string) *int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	d, err := strconv.Atoi(s)
	if err != nil || d < 0 {
		return nil
	}
	return &d
}
