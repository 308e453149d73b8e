package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatflow-platform/internal/audit"
	"chatflow-platform/internal/auth"
	"chatflow-platform/internal/billing"
	"chatflow-platform/internal/config"
	"chatflow-platform/internal/flow"
	"chatflow-platform/internal/messages"
	"chatflow-platform/internal/pipeline"
	"chatflow-platform/internal/pricing"
	"chatflow-platform/internal/reporting"

	"github.com/gin-gonic/gin"
)

type fakeSender struct {
	out   pipeline.OperatorSend
	err   error
	calls int
}

func (f *fakeSender) SendOperatorMessage(ctx context.Context, orgID, instanceID, phone, text string) (pipeline.OperatorSend, error) {
	f.calls++
	return f.out, f.err
}

type fixture struct {
	h      Handlers
	msgs   *messages.MemoryRepo
	ledger *billing.MemoryLedger
	audit  *audit.MemoryRepo
	flows  *flow.MemoryRepo
	sender *fakeSender
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		msgs:   messages.NewMemoryRepo(),
		audit:  audit.NewMemoryRepo(),
		flows:  flow.NewMemoryRepo(),
		sender: &fakeSender{},
		now:    time.Now().UTC(),
	}
	f.ledger = billing.NewMemoryLedger(f.msgs)
	f.ledger.Seed("o1", 500)

	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	pricer := pricing.NewService(nil, pricing.Rate{PricePerThousandMinor: 1000, MinimumChargeMinor: 15})
	f.h = Handlers{
		Auth:    am,
		Billing: billing.NewService(f.ledger, pricer, billing.NewMemoryThrottle(), audit.NewService(f.audit)),
		Reports: reporting.NewService(reporting.Sources{Ledger: f.ledger, Messages: f.msgs}),
		Flows:   flow.NewCatalog(f.flows, 0),
		Sender:  f.sender,
		Clock:   func() time.Time { return f.now },
	}
	return f
}

// serve mounts handler behind an identity injector and runs one request.
func serve(id *auth.Identity, method, pattern, target string, body any, handler gin.HandlerFunc) *httptest.ResponseRecorder {
	r := gin.New()
	r.Handle(method, pattern, func(c *gin.Context) {
		if id != nil {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), *id))
		}
		c.Next()
	}, handler)

	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

var owner = &auth.Identity{UserID: "u1", OrgID: "o1", Role: "owner"}

func TestLoginAndRefresh(t *testing.T) {
	f := newFixture(t)

	w := serve(nil, http.MethodPost, "/login", "/login", loginRequest{UserID: "u1", OrgID: "o1", Role: "owner"}, f.h.Login)
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d %s", w.Code, w.Body.String())
	}
	pair := decode[auth.TokenPair](t, w)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected tokens, got %+v", pair)
	}

	w = serve(nil, http.MethodPost, "/refresh", "/refresh", refreshRequest{RefreshToken: pair.RefreshToken}, f.h.Refresh)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", w.Code)
	}
	w = serve(nil, http.MethodPost, "/refresh", "/refresh", refreshRequest{RefreshToken: pair.AccessToken}, f.h.Refresh)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("refresh with access token: expected 401, got %d", w.Code)
	}

	w = serve(nil, http.MethodPost, "/login", "/login", loginRequest{UserID: "u1", Role: "owner"}, f.h.Login)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("login without org: expected 400, got %d", w.Code)
	}
}

func TestGetBalance_ScopedToTokenOrg(t *testing.T) {
	f := newFixture(t)
	f.ledger.Seed("o2", 9999)

	w := serve(owner, http.MethodGet, "/balance", "/balance", nil, f.h.GetBalance)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decode[struct {
		Balance   billing.Balance `json:"balance"`
		Throttled bool            `json:"throttled"`
	}](t, w)
	if got.Balance.OrgID != "o1" || got.Balance.BalanceMinor != 500 || got.Throttled {
		t.Fatalf("unexpected balance: %+v", got)
	}

	w = serve(nil, http.MethodGet, "/balance", "/balance", nil, f.h.GetBalance)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", w.Code)
	}
}

func TestAdminCredit(t *testing.T) {
	f := newFixture(t)
	finance := &auth.Identity{UserID: "fin", OrgID: "platform", Role: "finance"}

	req := adminCreditRequest{OrgID: "o1", AmountMinor: 250, Reason: "promo", IdempotencyKey: "k1"}
	for i := 0; i < 2; i++ {
		w := serve(finance, http.MethodPost, "/credits", "/credits", req, f.h.AdminCredit)
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d %s", i, w.Code, w.Body.String())
		}
	}
	bal, err := f.h.Billing.GetBalance(context.Background(), "o1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.BalanceMinor != 750 {
		t.Fatalf("idempotent credit expected 750, got %d", bal.BalanceMinor)
	}
	if n := len(f.audit.OfType("o1", audit.EventTypeAdminTopUp)); n < 1 {
		t.Fatalf("expected admin top-up audit event")
	}

	w := serve(finance, http.MethodPost, "/credits", "/credits", adminCreditRequest{OrgID: "o1", AmountMinor: 10, IdempotencyKey: "k2"}, f.h.AdminCredit)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing reason: expected 400, got %d", w.Code)
	}
	w = serve(finance, http.MethodPost, "/credits", "/credits", adminCreditRequest{AmountMinor: 10, Reason: "x", IdempotencyKey: "k3"}, f.h.AdminCredit)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing org: expected 400, got %d", w.Code)
	}
}

func TestLedgerAndReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, _, err := f.msgs.InsertInbound(ctx, messages.Message{
		ID: "m1", OrgID: "o1", InstanceID: "inst", GatewayMessageID: "g1",
		BillingStatus: messages.BillingPending, CreatedAt: f.now,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := f.h.Billing.Debit(ctx, "o1", "m1", 40); err != nil {
		t.Fatalf("debit: %v", err)
	}
	f.now = f.now.Add(time.Minute)

	w := serve(owner, http.MethodGet, "/ledger", "/ledger", nil, f.h.ListLedger)
	if w.Code != http.StatusOK {
		t.Fatalf("ledger: expected 200, got %d", w.Code)
	}
	ledger := decode[struct {
		Entries []billing.LedgerEntry `json:"entries"`
	}](t, w)
	if len(ledger.Entries) != 2 {
		t.Fatalf("expected seed + debit entries, got %d", len(ledger.Entries))
	}

	w = serve(owner, http.MethodGet, "/spend", "/spend", nil, f.h.SpendReport)
	if w.Code != http.StatusOK {
		t.Fatalf("spend: expected 200, got %d", w.Code)
	}
	spend := decode[reporting.SpendSummary](t, w)
	if spend.UsageDebitMinor != 40 || spend.TotalCreditMinor != 500 {
		t.Fatalf("unexpected spend: %+v", spend)
	}

	w = serve(owner, http.MethodGet, "/messages", "/messages", nil, f.h.MessageReport)
	if w.Code != http.StatusOK {
		t.Fatalf("messages: expected 200, got %d", w.Code)
	}
	sum := decode[reporting.MessageSummary](t, w)
	if sum.Inbound != 1 || sum.BillingDebited != 1 || sum.TotalTokens != 40 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	for _, q := range []string{"?from=yesterday", "?to=2020-01-01T00:00:00Z&from=2021-01-01T00:00:00Z"} {
		w = serve(owner, http.MethodGet, "/spend", "/spend"+q, nil, f.h.SpendReport)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestFlows_PutValidatesAndScopes(t *testing.T) {
	f := newFixture(t)
	valid := flow.Flow{
		Name:        "welcome",
		Status:      flow.StatusActive,
		Triggers:    []flow.Trigger{{Keyword: "hi"}},
		EntryNodeID: "n1",
		Nodes:       []flow.Node{{ID: "n1", Type: flow.NodeMessage, Content: "hello"}},
	}

	w := serve(owner, http.MethodPut, "/flows/:flow_id", "/flows/f1", valid, f.h.PutFlow)
	if w.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d %s", w.Code, w.Body.String())
	}
	saved := decode[flow.Flow](t, w)
	if saved.ID != "f1" || saved.OrgID != "o1" || saved.CreatedAt.IsZero() {
		t.Fatalf("unexpected saved flow: %+v", saved)
	}

	w = serve(owner, http.MethodGet, "/flows", "/flows", nil, f.h.ListFlows)
	list := decode[struct {
		Flows []flow.Flow `json:"flows"`
	}](t, w)
	if len(list.Flows) != 1 || list.Flows[0].ID != "f1" {
		t.Fatalf("unexpected list: %+v", list)
	}

	broken := valid
	broken.Nodes = nil
	w = serve(owner, http.MethodPut, "/flows/:flow_id", "/flows/f2", broken, f.h.PutFlow)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid flow: expected 422, got %d", w.Code)
	}

	other := &auth.Identity{UserID: "u2", OrgID: "o2", Role: "owner"}
	w = serve(other, http.MethodGet, "/flows/:flow_id", "/flows/f1", nil, f.h.GetFlow)
	if w.Code != http.StatusNotFound {
		t.Fatalf("cross-org read: expected 404, got %d", w.Code)
	}
	w = serve(other, http.MethodPut, "/flows/:flow_id", "/flows/f1", valid, f.h.PutFlow)
	if w.Code != http.StatusNotFound {
		t.Fatalf("cross-org overwrite: expected 404, got %d", w.Code)
	}
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	f.sender.out = pipeline.OperatorSend{
		Message: messages.Message{ID: "out-1", OrgID: "o1"},
		Debit:   billing.DebitResult{Outcome: billing.OutcomeDebited},
	}

	body := sendMessageRequest{InstanceID: "inst-1", Phone: "5511999", Text: "hello"}
	w := serve(owner, http.MethodPost, "/messages", "/messages", body, f.h.SendMessage)
	if w.Code != http.StatusOK || f.sender.calls != 1 {
		t.Fatalf("expected 200 and one send, got %d calls=%d", w.Code, f.sender.calls)
	}

	f.sender.out.Debit.Outcome = billing.OutcomeInsufficientCredits
	w = serve(owner, http.MethodPost, "/messages", "/messages", body, f.h.SendMessage)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}

	f.sender.err = pipeline.ErrDeviceNotOwned
	w = serve(owner, http.MethodPost, "/messages", "/messages", body, f.h.SendMessage)
	if w.Code != http.StatusNotFound {
		t.Fatalf("foreign device: expected 404, got %d", w.Code)
	}

	w = serve(owner, http.MethodPost, "/messages", "/messages", sendMessageRequest{InstanceID: "inst-1"}, f.h.SendMessage)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing fields: expected 400, got %d", w.Code)
	}
}
