package billing

import (
	"context"
	"time"
)

// Ledger is the storage side of billing. Every method that changes money runs
// as one atomic unit: either the ledger entry, the balance, and the message
// billing status all change, or none of them do.
type Ledger interface {
	Debit(ctx context.Context, req DebitRequest) (DebitResult, error)
	Credit(ctx context.Context, orgID string, req CreditRequest) (LedgerEntry, Balance, error)
	GetBalance(ctx context.Context, orgID string) (Balance, error)
	ListEntries(ctx context.Context, orgID string, from, to time.Time) ([]LedgerEntry, error)
}
