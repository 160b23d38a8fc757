package telephony

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseStatusCallback_Form(t *testing.T) {
	body := strings.NewReader("CallSid=CA123&CallStatus=completed&CallDuration=42&RecordingUrl=https%3A%2F%2Fapi.twilio.com%2Frec")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	cb, err := ParseStatusCallback(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cb.ProviderCallID != "CA123" || cb.Status != "completed" {
		t.Fatalf("unexpected callback: %+v", cb)
	}
	if cb.DurationSeconds == nil || *cb.DurationSeconds != 42 {
		t.Fatalf("expected duration 42, got %v", cb.DurationSeconds)
	}
	if cb.RecordingURL != "https://api.twilio.com/rec" {
		t.Fatalf("unexpected recording url %q", cb.RecordingURL)
	}
}

func TestParseStatusCallback_JSON(t *testing.T) {
	for _, payload := range []string{
		`{"provider_call_id":"CA9","status":"no-answer","duration":"0"}`,
		`{"provider_call_id":"CA9","status":"no-answer","duration":0}`,
	} {
		r := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader(payload))
		r.Header.Set("Content-Type", "application/json; charset=utf-8")
		cb, err := ParseStatusCallback(r)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cb.ProviderCallID != "CA9" || cb.Status != "no-answer" || cb.DurationSeconds == nil || *cb.DurationSeconds != 0 {
			t.Fatalf("unexpected callback: %+v", cb)
		}
	}
}

func TestParseStatusCallback_MissingCallID(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader("CallStatus=ringing"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if _, err := ParseStatusCallback(r); !errors.Is(err, ErrMissingCallID) {
		t.Fatalf("expected ErrMissingCallID, got %v", err)
	}

	r = httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader("{not json"))
	r.Header.Set("Content-Type", "application/json")
	if _, err := ParseStatusCallback(r); err == nil {
		t.Fatalf("expected decode error")
	}
}
