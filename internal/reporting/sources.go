package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatflow-platform/internal/billing"
	"chatflow-platform/internal/messages"
)

// LedgerLister is the read side of billing.Ledger.
type LedgerLister interface {
	ListEntries(ctx context.Context, orgID string, from, to time.Time) ([]billing.LedgerEntry, error)
}

// MessageLister is the read side of messages.Repository.
type MessageLister interface {
	List(ctx context.Context, orgID string, from, to time.Time) ([]messages.Message, error)
}

// Sources reads reports straight from the billing ledger and message store.
type Sources struct {
	Ledger   LedgerLister
	Messages MessageLister
}

func (s Sources) ListLedger(ctx context.Context, orgID string, from, to time.Time) ([]billing.LedgerEntry, error) {
	return s.Ledger.ListEntries(ctx, orgID, from, to)
}

func (s Sources) ListMessages(ctx context.Context, orgID string, from, to time.Time) ([]messages.Message, error) {
	return s.Messages.List(ctx, orgID, from, to)
}

// MemoryRepo is a simple in-memory reporting repository for tests.
// It enforces org isolation on reads.
type MemoryRepo struct {
	mu sync.Mutex

	Ledger   []billing.LedgerEntry
	Messages []messages.Message
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func inRange(at, from, to time.Time) bool {
	return at.IsZero() || (!at.Before(from) && at.Before(to))
}

func (r *MemoryRepo) ListLedger(ctx context.Context, orgID string, from, to time.Time) ([]billing.LedgerEntry, error) {
	if orgID == "" {
		return nil, errors.New("org_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]billing.LedgerEntry, 0)
	for _, e := range r.Ledger {
		if e.OrgID == orgID && inRange(e.CreatedAt, from, to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *MemoryRepo) ListMessages(ctx context.Context, orgID string, from, to time.Time) ([]messages.Message, error) {
	if orgID == "" {
		return nil, errors.New("org_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]messages.Message, 0)
	for _, m := range r.Messages {
		if m.OrgID == orgID && inRange(m.CreatedAt, from, to) {
			out = append(out, m)
		}
	}
	return out, nil
}
