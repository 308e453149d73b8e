package gateway

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"chatflow-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// WebhookHandler converts gateway webhooks to internal events, delegates
// processing, and writes a JSON acknowledgment.
//
// No business logic here.
//
// Status mapping:
// - 200 for processed events, duplicates and ignored events
// - 400 malformed payload, 401 bad/missing secret
// - 500 internal failure (the gateway retries; ingestion dedup keeps that safe)
type WebhookHandler struct {
	Processor EventProcessor

	// Secret, when non-empty, must match the apikey header or the payload apikey field.
	Secret string
}

func (h WebhookHandler) HandleWebhook(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Processor == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processor not configured"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		log.Warn("webhook body read failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	if !h.authenticated(c, body) {
		log.Warn("webhook authentication failed", "client_ip", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ev, err := Normalize(body)
	if err != nil {
		log.Warn("webhook normalize failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	ack, err := h.Processor.HandleEvent(c.Request.Context(), ev)
	if err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
			return
		}
		log.Error("webhook processing failed", "kind", ev.Kind, "err", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, ack)
}

func (h WebhookHandler) authenticated(c *gin.Context, body []byte) bool {
	if h.Secret == "" {
		return true
	}
	candidate := c.GetHeader(headerAPIKey)
	if candidate == "" {
		candidate = ExtractAPIKey(body)
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(h.Secret)) == 1
}
