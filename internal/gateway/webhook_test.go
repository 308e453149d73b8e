package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

type fakeProcessor struct {
	ack   Ack
	err   error
	calls int
	last  Event
}

func (f *fakeProcessor) HandleEvent(ctx context.Context, ev Event) (Ack, error) {
	f.calls++
	f.last = ev
	return f.ack, f.err
}

func serveWebhook(t *testing.T, h WebhookHandler, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhook", h.HandleWebhook)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const inboundBody = `{"event":"messages.upsert","instance":"inst-1","data":{"key":{"remoteJid":"5511999999999@s.whatsapp.net","id":"M1"},"message":{"conversation":"start"}}}`

func TestWebhook_AcceptedEvent(t *testing.T) {
	p := &fakeProcessor{ack: Ack{Status: AckAccepted, MessageID: "msg-1"}}
	w := serveWebhook(t, WebhookHandler{Processor: p}, inboundBody, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"accepted"`) || !strings.Contains(w.Body.String(), `"message_id":"msg-1"`) {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
	if p.calls != 1 || p.last.Message == nil || p.last.Message.GatewayMessageID != "M1" {
		t.Fatalf("expected normalized event to reach processor, got %+v", p.last)
	}
}

func TestWebhook_DuplicateIs200(t *testing.T) {
	p := &fakeProcessor{ack: Ack{Status: AckDuplicate}}
	w := serveWebhook(t, WebhookHandler{Processor: p}, inboundBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"duplicate"`) {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestWebhook_MalformedIs400(t *testing.T) {
	p := &fakeProcessor{}
	w := serveWebhook(t, WebhookHandler{Processor: p}, `{"event":`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if p.calls != 0 {
		t.Fatalf("processor must not be called for malformed payload")
	}
}

func TestWebhook_ProcessingErrorIs500(t *testing.T) {
	p := &fakeProcessor{err: errors.New("db down")}
	w := serveWebhook(t, WebhookHandler{Processor: p}, inboundBody, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestWebhook_Authentication(t *testing.T) {
	p := &fakeProcessor{ack: Ack{Status: AckAccepted}}
	h := WebhookHandler{Processor: p, Secret: "s3cret"}

	if w := serveWebhook(t, h, inboundBody, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", w.Code)
	}
	if w := serveWebhook(t, h, inboundBody, map[string]string{"apikey": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong secret, got %d", w.Code)
	}
	if w := serveWebhook(t, h, inboundBody, map[string]string{"apikey": "s3cret"}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with header secret, got %d", w.Code)
	}

	withKey := strings.Replace(inboundBody, `"event"`, `"apikey":"s3cret","event"`, 1)
	if w := serveWebhook(t, h, withKey, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with payload secret, got %d", w.Code)
	}
	if p.calls != 2 {
		t.Fatalf("expected 2 processed events, got %d", p.calls)
	}
}
