package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

type recordingSink struct {
	got []StatusCallback
	err error
}

func (s *recordingSink) Ingest(ctx context.Context, cb StatusCallback) error {
	s.got = append(s.got, cb)
	return s.err
}

func newStatusRouter(sink StatusSink) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/twilio/status", StatusWebhookHandler{Sink: sink}.HandleStatus)
	return r
}

func postForm(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStatusWebhook_AlwaysOKOnceParsed(t *testing.T) {
	sink := &recordingSink{err: errors.New("db down")}
	r := newStatusRouter(sink)

	w := postForm(r, "CallSid=CA1&CallStatus=busy")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 even when the sink fails, got %d", w.Code)
	}
	if len(sink.got) != 1 || sink.got[0].Status != "busy" {
		t.Fatalf("sink not called: %+v", sink.got)
	}
}

func TestStatusWebhook_BadPayload(t *testing.T) {
	sink := &recordingSink{}
	r := newStatusRouter(sink)
	w := postForm(r, "CallStatus=busy")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(sink.got) != 0 {
		t.Fatalf("sink must not be called for unparsable payloads")
	}
}
