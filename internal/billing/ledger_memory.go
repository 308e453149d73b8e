package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"chatflow-platform/internal/messages"

	"github.com/google/uuid"
)

// MemoryLedger is an in-memory Ledger for tests and local runs.
// It shares message rows with a messages.MemoryRepo so billing status
// changes happen in the same critical section as the balance change.
type MemoryLedger struct {
	mu       sync.Mutex
	msgs     *messages.MemoryRepo
	balances map[string]Balance
	entries  []LedgerEntry
	clock    func() time.Time
}

func NewMemoryLedger(msgs *messages.MemoryRepo) *MemoryLedger {
	return &MemoryLedger{msgs: msgs, balances: map[string]Balance{}, clock: time.Now}
}

// Seed sets an opening balance through a credit entry.
func (l *MemoryLedger) Seed(orgID string, amountMinor int64) {
	_, _, _ = l.Credit(context.Background(), orgID, CreditRequest{AmountMinor: amountMinor, IdempotencyKey: "seed:" + uuid.NewString()})
}

func (l *MemoryLedger) Debit(ctx context.Context, req DebitRequest) (DebitResult, error) {
	if err := validateDebit(req); err != nil {
		return DebitResult{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock().UTC()

	var out DebitResult
	err := l.msgs.Mutate(req.MessageID, func(m *messages.Message) error {
		if m.OrgID != req.OrgID {
			return ErrNotFound
		}
		bal := l.balances[req.OrgID]
		d := decideDebit(m.BillingStatus, bal.BalanceMinor, req)
		out = DebitResult{Outcome: d.outcome, BalanceMinor: bal.BalanceMinor, BillingStatus: d.status}
		if d.outcome == OutcomeAlreadyProcessed {
			return nil
		}

		m.BillingStatus = d.status
		m.TokensUsed = req.Tokens
		m.UpdatedAt = now
		switch d.outcome {
		case OutcomeSkipped:
			m.CostMinor = 0
			return nil
		case OutcomeInsufficientCredits:
			m.CostMinor = req.CostMinor
			out.CostMinor = req.CostMinor
			return nil
		}

		m.CostMinor = req.CostMinor
		t := now
		m.ChargedAt = &t

		bal.OrgID = req.OrgID
		bal.BalanceMinor += d.delta
		bal.UpdatedAt = now
		l.balances[req.OrgID] = bal

		entry := LedgerEntry{
			ID:                uuid.NewString(),
			OrgID:             req.OrgID,
			Type:              EntryTypeDebit,
			AmountMinor:       d.delta,
			BalanceAfterMinor: bal.BalanceMinor,
			MessageID:         req.MessageID,
			IdempotencyKey:    debitKey(req.MessageID),
			CreatedAt:         now,
		}
		l.entries = append(l.entries, entry)
		out.BalanceMinor = bal.BalanceMinor
		out.CostMinor = req.CostMinor
		out.Entry = &entry
		return nil
	})
	if err != nil {
		if errors.Is(err, messages.ErrNotFound) {
			return DebitResult{}, ErrNotFound
		}
		return DebitResult{}, err
	}
	return out, nil
}

func (l *MemoryLedger) Credit(ctx context.Context, orgID string, req CreditRequest) (LedgerEntry, Balance, error) {
	if err := validateCredit(orgID, req); err != nil {
		return LedgerEntry{}, Balance{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock().UTC()

	for _, e := range l.entries {
		if e.OrgID == orgID && e.IdempotencyKey == req.IdempotencyKey {
			return e, l.balances[orgID], nil
		}
	}

	bal := l.balances[orgID]
	bal.OrgID = orgID
	bal.BalanceMinor += req.AmountMinor
	bal.UpdatedAt = now
	l.balances[orgID] = bal

	entry := LedgerEntry{
		ID:                uuid.NewString(),
		OrgID:             orgID,
		Type:              EntryTypeCredit,
		AmountMinor:       req.AmountMinor,
		BalanceAfterMinor: bal.BalanceMinor,
		IdempotencyKey:    req.IdempotencyKey,
		Reference:         req.Reference,
		Metadata:          req.Metadata,
		CreatedAt:         now,
	}
	l.entries = append(l.entries, entry)
	return entry, bal, nil
}

func (l *MemoryLedger) GetBalance(ctx context.Context, orgID string) (Balance, error) {
	if orgID == "" {
		return Balance{}, ErrInvalidArgument
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[orgID]
	if !ok {
		return Balance{}, ErrNotFound
	}
	return b, nil
}

func (l *MemoryLedger) ListEntries(ctx context.Context, orgID string, from, to time.Time) ([]LedgerEntry, error) {
	if orgID == "" {
		return nil, ErrInvalidArgument
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LedgerEntry, 0)
	for _, e := range l.entries {
		if e.OrgID != orgID {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
