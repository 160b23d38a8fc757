package telephony

import (
	"context"
	"net/http"

	"call-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StatusSink applies a parsed status push to local state.
type StatusSink interface {
	Ingest(ctx context.Context, cb StatusCallback) error
}

// StatusWebhookHandler converts the provider's status push to internal types
// and hands it to the sink.
//
// IMPORTANT:
//   - Once the payload parses, the response is 200 no matter what the sink
//     reports. A non-2xx makes the provider retry delivery, which cannot fix a
//     local persistence problem; the safety-net passes repair state instead.
//   - No business logic here.
type StatusWebhookHandler struct {
	Sink StatusSink
}

func (h StatusWebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status sink not configured"})
		return
	}

	cb, err := ParseStatusCallback(c.Request)
	if err != nil {
		log.Warn("status callback parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if err := h.Sink.Ingest(c.Request.Context(), cb); err != nil {
		log.Error("status callback not applied",
			"provider_call_id", cb.ProviderCallID,
			"status", cb.Status,
			"err", err,
		)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
