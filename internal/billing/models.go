package billing

import (
	"errors"
	"time"

	"chatflow-platform/internal/messages"
)

// Balance is the organization credit projection (org_credits).
// Invariant: BalanceMinor >= 0 at every committed state.
// No code should ever mutate a balance without writing a corresponding ledger entry.
type Balance struct {
	OrgID        string    `json:"org_id" db:"org_id"`
	BalanceMinor int64     `json:"balance_minor" db:"balance_minor"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable append-only entry.
//
// Money invariant: the sum of AmountMinor from genesis equals the current balance.
type LedgerEntry struct {
	ID    string `json:"id" db:"id"`
	OrgID string `json:"org_id" db:"org_id"`

	Type EntryType `json:"type" db:"type"`

	// AmountMinor is signed: credits are positive, debits are negative.
	AmountMinor int64 `json:"amount_minor" db:"amount_minor"`
	// BalanceAfterMinor is the resulting balance once this entry applied.
	BalanceAfterMinor int64 `json:"balance_after_minor" db:"balance_after_minor"`

	// MessageID is set for usage debits.
	MessageID string `json:"message_id,omitempty" db:"message_id"`

	// IdempotencyKey is unique per org. Debits use "debit:<message_id>".
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`
	Reference      string `json:"reference,omitempty" db:"reference"`

	// Metadata is optional JSON for audit/debug (JSONB in Postgres).
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EntryType string

const (
	EntryTypeCredit EntryType = "credit" // top-up, adjustment
	EntryTypeDebit  EntryType = "debit"  // message processing charge
)

// Outcome is the closed set of debit results.
type Outcome string

const (
	OutcomeDebited             Outcome = "debited"
	OutcomeInsufficientCredits Outcome = "insufficient_credits"
	OutcomeAlreadyProcessed    Outcome = "already_processed"
	// OutcomeSkipped is returned for zero-token messages; nothing is charged.
	OutcomeSkipped Outcome = "skipped"
)

// DebitRequest is a fully priced debit for one message.
type DebitRequest struct {
	OrgID     string
	MessageID string
	Tokens    int
	CostMinor int64
}

type DebitResult struct {
	Outcome Outcome `json:"outcome"`

	// BalanceMinor is the balance after the operation (unchanged unless debited).
	BalanceMinor int64 `json:"balance_minor"`
	CostMinor    int64 `json:"cost_minor"`

	// BillingStatus is the message status after the operation. For
	// OutcomeAlreadyProcessed it is the status found.
	BillingStatus messages.BillingStatus `json:"billing_status"`

	Entry *LedgerEntry `json:"entry,omitempty"`
}

type CreditRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	IdempotencyKey string `json:"idempotency_key"`
	Reference      string `json:"reference,omitempty"`
	Metadata       string `json:"metadata,omitempty"`
}

type AdminCreditRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

func debitKey(messageID string) string { return "debit:" + messageID }
