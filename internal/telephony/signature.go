package telephony

import (
	"net/http"
	"strings"

	"call-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/client"
)

const headerTwilioSignature = "X-Twilio-Signature"

// SignatureValidator checks X-Twilio-Signature on inbound webhooks.
//
// The signed URL is the public URL Twilio called, so PublicBaseURL must be
// the externally visible scheme+host (a proxy in front of the service changes
// what the request itself reports).
type SignatureValidator struct {
	PublicBaseURL string
	validator     client.RequestValidator
}

func NewSignatureValidator(authToken, publicBaseURL string) *SignatureValidator {
	return &SignatureValidator{
		PublicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		validator:     client.NewRequestValidator(authToken),
	}
}

// Valid reports whether r carries a correct signature. Form bodies are parsed
// (and cached on r) so the handler can still read them.
func (v *SignatureValidator) Valid(r *http.Request) bool {
	sig := r.Header.Get(headerTwilioSignature)
	if sig == "" {
		return false
	}
	params := map[string]string{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return false
		}
		for k, vals := range r.PostForm {
			if len(vals) > 0 {
				params[k] = vals[0]
			}
		}
	}
	return v.validator.Validate(v.PublicBaseURL+r.URL.RequestURI(), params, sig)
}

// Middleware rejects unsigned or mis-signed requests with 403 before parsing.
func (v *SignatureValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !v.Valid(c.Request) {
			logger.FromGin(c).Warn("webhook signature rejected", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}
