package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

// sign reproduces Twilio's scheme: HMAC-SHA1 over the URL followed by the
// sorted POST params, base64 encoded.
func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureValidator_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := NewSignatureValidator("secret-token", "https://orch.example.com/")
	sink := &recordingSink{}
	r := gin.New()
	r.POST("/webhooks/twilio/status", v.Middleware(), StatusWebhookHandler{Sink: sink}.HandleStatus)

	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}

	send := func(sig string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if sig != "" {
			req.Header.Set(headerTwilioSignature, sig)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := send(""); code != http.StatusForbidden {
		t.Fatalf("expected 403 without signature, got %d", code)
	}
	if code := send("bogus"); code != http.StatusForbidden {
		t.Fatalf("expected 403 with bad signature, got %d", code)
	}
	good := sign("secret-token", "https://orch.example.com/webhooks/twilio/status", form)
	if code := send(good); code != http.StatusOK {
		t.Fatalf("expected 200 with valid signature, got %d", code)
	}
	if len(sink.got) != 1 || sink.got[0].ProviderCallID != "CA1" {
		t.Fatalf("signed payload should reach the sink: %+v", sink.got)
	}
}
