package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"chatflow-platform/internal/audit"
	"chatflow-platform/internal/messages"
	"chatflow-platform/internal/pricing"

	"golang.org/x/sync/errgroup"
)

type fixture struct {
	msgs     *messages.MemoryRepo
	ledger   *MemoryLedger
	throttle *MemoryThrottle
	audits   *audit.MemoryRepo
	svc      *Service
}

func newFixture(rate pricing.Rate) fixture {
	msgs := messages.NewMemoryRepo()
	ledger := NewMemoryLedger(msgs)
	throttle := NewMemoryThrottle()
	audits := audit.NewMemoryRepo()
	svc := NewService(ledger, pricing.NewService(nil, rate), throttle, audit.NewService(audits))
	return fixture{msgs: msgs, ledger: ledger, throttle: throttle, audits: audits, svc: svc}
}

func (f fixture) addMessage(t *testing.T, id string) {
	t.Helper()
	_, created, err := f.msgs.InsertInbound(context.Background(), messages.Message{
		ID:               id,
		OrgID:            "o1",
		InstanceID:       "inst-1",
		GatewayMessageID: "gw-" + id,
		BillingStatus:    messages.BillingPending,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil || !created {
		t.Fatalf("insert message: created=%v err=%v", created, err)
	}
}

func TestDebit_ChargesOnceAndAppendsEntry(t *testing.T) {
	f := newFixture(pricing.Rate{PricePerThousandMinor: 1000})
	f.ledger.Seed("o1", 100)
	f.addMessage(t, "m1")
	ctx := context.Background()

	res, err := f.svc.Debit(ctx, "o1", "m1", 7)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Outcome != OutcomeDebited || res.CostMinor != 7 || res.BalanceMinor != 93 {
		t.Fatalf("unexpected result %+v", res)
	}

	again, err := f.svc.Debit(ctx, "o1", "m1", 7)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if again.Outcome != OutcomeAlreadyProcessed || again.BillingStatus != messages.BillingDebited {
		t.Fatalf("expected already processed, got %+v", again)
	}

	bal, _ := f.svc.GetBalance(ctx, "o1")
	if bal.BalanceMinor != 93 {
		t.Fatalf("expected balance 93 after retry, got %d", bal.BalanceMinor)
	}

	entries, _ := f.svc.ListLedger(ctx, "o1", time.Time{}, time.Time{})
	debits := 0
	var sum int64
	for _, e := range entries {
		sum += e.AmountMinor
		if e.Type == EntryTypeDebit {
			debits++
		}
	}
	if debits != 1 {
		t.Fatalf("expected one debit entry, got %d", debits)
	}
	if sum != bal.BalanceMinor {
		t.Fatalf("ledger sum %d != balance %d", sum, bal.BalanceMinor)
	}

	m, _ := f.msgs.Get(ctx, "o1", "m1")
	if m.BillingStatus != messages.BillingDebited || m.CostMinor != 7 || m.ChargedAt == nil {
		t.Fatalf("unexpected message billing %+v", m)
	}
}

func TestDebit_ZeroTokensIsSkipped(t *testing.T) {
	f := newFixture(pricing.Rate{PricePerThousandMinor: 100, MinimumChargeMinor: 5})
	f.ledger.Seed("o1", 100)
	f.addMessage(t, "m1")

	res, err := f.svc.Debit(context.Background(), "o1", "m1", 0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s", res.Outcome)
	}
	m, _ := f.msgs.Get(context.Background(), "o1", "m1")
	if m.BillingStatus != messages.BillingSkipped || m.CostMinor != 0 || m.ChargedAt != nil {
		t.Fatalf("zero-token message must be skipped, got %+v", m)
	}
	if bal, _ := f.svc.GetBalance(context.Background(), "o1"); bal.BalanceMinor != 100 {
		t.Fatalf("expected untouched balance, got %d", bal.BalanceMinor)
	}
}

func TestDebit_InsufficientCreditsThrottlesOrg(t *testing.T) {
	// Any positive token count costs 15 under this rate.
	f := newFixture(pricing.Rate{PricePerThousandMinor: 1, MinimumChargeMinor: 15})
	f.ledger.Seed("o1", 10)
	f.addMessage(t, "m1")
	ctx := context.Background()

	res, err := f.svc.Debit(ctx, "o1", "m1", 3)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Outcome != OutcomeInsufficientCredits {
		t.Fatalf("expected insufficient credits, got %s", res.Outcome)
	}
	if bal, _ := f.svc.GetBalance(ctx, "o1"); bal.BalanceMinor != 10 {
		t.Fatalf("expected balance unchanged at 10, got %d", bal.BalanceMinor)
	}
	m, _ := f.msgs.Get(ctx, "o1", "m1")
	if m.BillingStatus != messages.BillingFailed {
		t.Fatalf("expected failed billing status, got %s", m.BillingStatus)
	}
	if blocked, _ := f.svc.Blocked(ctx, "o1"); !blocked {
		t.Fatalf("expected org to be throttled")
	}
	evs := f.audits.Events()
	if len(evs) != 1 || evs[0].Type != audit.EventTypeInsufficientCredits {
		t.Fatalf("expected insufficient credits alert, got %+v", evs)
	}

	if _, _, err := f.svc.TopUp(ctx, "o1", CreditRequest{AmountMinor: 50, IdempotencyKey: "t1"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if blocked, _ := f.svc.Blocked(ctx, "o1"); blocked {
		t.Fatalf("expected top-up to lift the throttle")
	}
}

func TestDebit_ConcurrentRetriesChargeOnce(t *testing.T) {
	f := newFixture(pricing.Rate{PricePerThousandMinor: 1000})
	f.ledger.Seed("o1", 1000)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.addMessage(t, fmt.Sprintf("m%d", i))
	}

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m%d", i)
		for r := 0; r < 4; r++ {
			g.Go(func() error {
				_, err := f.svc.Debit(ctx, "o1", id, 10)
				return err
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	bal, _ := f.svc.GetBalance(ctx, "o1")
	if bal.BalanceMinor != 950 {
		t.Fatalf("expected 5 charges of 10, balance 950, got %d", bal.BalanceMinor)
	}
}

func TestDebit_RejectsUnknownOrForeignMessage(t *testing.T) {
	f := newFixture(pricing.Rate{PricePerThousandMinor: 1000})
	f.addMessage(t, "m1")

	if _, err := f.svc.Debit(context.Background(), "o1", "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.Debit(context.Background(), "o2", "m1", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across orgs, got %v", err)
	}
	if _, err := f.svc.Debit(context.Background(), "o1", "m1", -1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestTopUp_IsIdempotent(t *testing.T) {
	f := newFixture(pricing.Rate{PricePerThousandMinor: 1000})
	ctx := context.Background()

	e1, b1, err := f.svc.TopUp(ctx, "o1", CreditRequest{AmountMinor: 100, IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	e2, b2, err := f.svc.TopUp(ctx, "o1", CreditRequest{AmountMinor: 100, IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if e1.ID != e2.ID || b1.BalanceMinor != 100 || b2.BalanceMinor != 100 {
		t.Fatalf("expected single credit, got %+v %+v", b1, b2)
	}

	if _, _, err := f.svc.TopUp(ctx, "o1", CreditRequest{AmountMinor: 0, IdempotencyKey: "z"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestAdminTopUp_RecordsAudit(t *testing.T) {
	f := newFixture(pricing.Rate{PricePerThousandMinor: 1000})
	ctx := context.Background()

	if _, _, err := f.svc.AdminTopUp(ctx, "o1", "", "owner", "", AdminCreditRequest{AmountMinor: 1, Reason: "r", IdempotencyKey: "k"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for missing admin, got %v", err)
	}
	if _, _, err := f.svc.AdminTopUp(ctx, "o1", "admin", "owner", "", AdminCreditRequest{AmountMinor: 1, IdempotencyKey: "k"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for missing reason, got %v", err)
	}

	entry, bal, err := f.svc.AdminTopUp(ctx, "o1", "admin", "super_admin", "10.0.0.1", AdminCreditRequest{AmountMinor: 250, Reason: "refund", IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if bal.BalanceMinor != 250 || entry.Reference != "admin_topup" {
		t.Fatalf("unexpected entry %+v balance %+v", entry, bal)
	}
	evs := f.audits.Events()
	if len(evs) != 1 || evs[0].Type != audit.EventTypeAdminTopUp || evs[0].ActorRole != "super_admin" {
		t.Fatalf("expected admin topup audit, got %+v", evs)
	}
}

func TestGetBalance_DefaultsToZero(t *testing.T) {
	f := newFixture(pricing.Rate{PricePerThousandMinor: 1000})
	bal, err := f.svc.GetBalance(context.Background(), "new-org")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if bal.BalanceMinor != 0 || bal.OrgID != "new-org" {
		t.Fatalf("unexpected balance %+v", bal)
	}
}

func TestDecideDebit(t *testing.T) {
	req := DebitRequest{OrgID: "o", MessageID: "m", Tokens: 3, CostMinor: 15}

	if d := decideDebit(messages.BillingDebited, 100, req); d.outcome != OutcomeAlreadyProcessed {
		t.Fatalf("expected already processed, got %s", d.outcome)
	}
	if d := decideDebit(messages.BillingPending, 10, req); d.outcome != OutcomeInsufficientCredits || d.delta != 0 {
		t.Fatalf("expected insufficient credits without delta, got %+v", d)
	}
	if d := decideDebit(messages.BillingPending, 15, req); d.outcome != OutcomeDebited || d.delta != -15 {
		t.Fatalf("expected exact-balance debit, got %+v", d)
	}
	if d := decideDebit(messages.BillingPending, 0, DebitRequest{OrgID: "o", MessageID: "m"}); d.outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %+v", d)
	}
}

func TestValidateDebit_RejectsInconsistentCost(t *testing.T) {
	if err := validateDebit(DebitRequest{OrgID: "o", MessageID: "m", Tokens: 5, CostMinor: 0}); err == nil {
		t.Fatalf("expected error for tokens without cost")
	}
	if err := validateDebit(DebitRequest{OrgID: "o", MessageID: "m", Tokens: 0, CostMinor: 3}); err == nil {
		t.Fatalf("expected error for cost without tokens")
	}
}
