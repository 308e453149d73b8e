package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatflow-platform/internal/audit"
	"chatflow-platform/internal/auth"
	"chatflow-platform/internal/billing"
	"chatflow-platform/internal/config"
	"chatflow-platform/internal/flow"
	"chatflow-platform/internal/gateway"
	"chatflow-platform/internal/httpapi"
	"chatflow-platform/internal/messages"
	"chatflow-platform/internal/pipeline"
	"chatflow-platform/internal/pricing"
	"chatflow-platform/internal/rbac"
	"chatflow-platform/internal/reporting"

	"github.com/gin-gonic/gin"
)

type ackProcessor struct{ events int }

func (p *ackProcessor) HandleEvent(ctx context.Context, ev gateway.Event) (gateway.Ack, error) {
	p.events++
	return gateway.Ack{Status: gateway.AckAccepted}, nil
}

type okSender struct{}

func (okSender) SendOperatorMessage(ctx context.Context, orgID, instanceID, phone, text string) (pipeline.OperatorSend, error) {
	return pipeline.OperatorSend{Debit: billing.DebitResult{Outcome: billing.OutcomeDebited}}, nil
}

type testServer struct {
	router   *gin.Engine
	auth     *auth.Manager
	throttle *billing.MemoryThrottle
	proc     *ackProcessor
	redisErr error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	msgs := messages.NewMemoryRepo()
	ledger := billing.NewMemoryLedger(msgs)
	ledger.Seed("o1", 100)
	throttle := billing.NewMemoryThrottle()
	billingSvc := billing.NewService(ledger, pricing.NewService(nil, pricing.Rate{PricePerThousandMinor: 1000}), throttle, audit.NewService(audit.NewMemoryRepo()))

	h := httpapi.Handlers{
		Auth:    am,
		Billing: billingSvc,
		Reports: reporting.NewService(reporting.Sources{Ledger: ledger, Messages: msgs}),
		Flows:   flow.NewCatalog(flow.NewMemoryRepo(), 0),
		Sender:  okSender{},
	}
	proc := &ackProcessor{}
	s := &testServer{auth: am, throttle: throttle, proc: proc}
	r := gin.New()
	ready := map[string]func(context.Context) error{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return s.redisErr },
	}
	registerRoutes(r, h, gateway.WebhookHandler{Processor: proc, Secret: "hook-secret"}, auth.RequireAccessToken(am), ready)
	s.router = r
	return s
}

func (s *testServer) do(t *testing.T, method, path, role, body string) int {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		pair, err := s.auth.IssuePair(time.Now(), auth.Identity{UserID: "u", OrgID: "o1", Role: role})
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w.Code
}

func TestRoutes_Authorization(t *testing.T) {
	s := newTestServer(t)
	send := `{"instance_id":"inst-1","phone":"5511","text":"hi"}`

	cases := []struct {
		name   string
		method string
		path   string
		role   string
		body   string
		want   int
	}{
		{"health is public", http.MethodGet, "/healthz", "", "", http.StatusOK},
		{"balance needs token", http.MethodGet, "/v1/org/balance", "", "", http.StatusUnauthorized},
		{"owner reads balance", http.MethodGet, "/v1/org/balance", rbac.RoleOwner, "", http.StatusOK},
		{"operator cannot read balance", http.MethodGet, "/v1/org/balance", rbac.RoleOperator, "", http.StatusForbidden},
		{"analyst reads reports", http.MethodGet, "/v1/org/reports/spend", rbac.RoleAnalyst, "", http.StatusOK},
		{"analyst cannot send", http.MethodPost, "/v1/org/messages", rbac.RoleAnalyst, send, http.StatusForbidden},
		{"operator sends", http.MethodPost, "/v1/org/messages", rbac.RoleOperator, send, http.StatusOK},
		{"owner cannot grant credits", http.MethodPost, "/v1/admin/credits", rbac.RoleOwner, `{}`, http.StatusForbidden},
		{"finance grants credits", http.MethodPost, "/v1/admin/credits", rbac.RoleFinance,
			`{"org_id":"o2","amount_minor":50,"reason":"trial","idempotency_key":"k1"}`, http.StatusOK},
		{"hidden role denied", http.MethodGet, "/v1/org/reports/messages", rbac.RoleNetworkOperator, "", http.StatusForbidden},
	}
	for _, tc := range cases {
		if got := s.do(t, tc.method, tc.path, tc.role, tc.body); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestRoutes_SendRefusedWhileThrottled(t *testing.T) {
	s := newTestServer(t)
	if err := s.throttle.Block(context.Background(), "o1"); err != nil {
		t.Fatalf("block: %v", err)
	}
	code := s.do(t, http.MethodPost, "/v1/org/messages", rbac.RoleOperator, `{"instance_id":"i","phone":"p","text":"t"}`)
	if code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", code)
	}
}

func TestRoutes_Readiness(t *testing.T) {
	s := newTestServer(t)
	if code := s.do(t, http.MethodGet, "/readyz", "", ""); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	s.redisErr = errors.New("connection refused")
	if code := s.do(t, http.MethodGet, "/readyz", "", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
}

func TestRoutes_WebhookUsesSharedSecret(t *testing.T) {
	s := newTestServer(t)
	payload := `{"event":"messages.upsert","instance":"inst-1","data":{"key":{"remoteJid":"5511@s.whatsapp.net","fromMe":false,"id":"g1"},"message":{"conversation":"hi"}}}`

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(payload))
	req.Header.Set("apikey", "hook-secret")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || s.proc.events != 1 {
		t.Fatalf("expected 200 and one event, got %d events=%d", w.Code, s.proc.events)
	}
}
