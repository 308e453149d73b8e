package billing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chatflow-platform/internal/messages"
	"chatflow-platform/pkg/utils"

	"github.com/google/uuid"
)

// NOTE: PostgresLedger assumes the following tables exist:
// - org_credits (projection; CHECK balance_minor >= 0)
// - credit_ledger (immutable append-only; UNIQUE (org_id, idempotency_key))
// - messages (see messages.PostgresRepo)
//
// Lock order is always messages row, then org_credits row.
type PostgresLedger struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, clock: time.Now}
}

func (l *PostgresLedger) Debit(ctx context.Context, req DebitRequest) (DebitResult, error) {
	if err := validateDebit(req); err != nil {
		return DebitResult{}, err
	}
	now := l.clock().UTC()

	var out DebitResult
	err := utils.WithTx(ctx, l.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		status, err := lockMessageBilling(ctx, tx, req.OrgID, req.MessageID)
		if err != nil {
			return err
		}

		balance, err := lockBalance(ctx, tx, req.OrgID)
		if err != nil {
			return err
		}

		d := decideDebit(status, balance, req)
		out = DebitResult{Outcome: d.outcome, BalanceMinor: balance, BillingStatus: d.status}

		switch d.outcome {
		case OutcomeAlreadyProcessed:
			return nil
		case OutcomeSkipped:
			return setMessageBilling(ctx, tx, req.MessageID, messages.BillingSkipped, req.Tokens, 0, nil, now)
		case OutcomeInsufficientCredits:
			out.CostMinor = req.CostMinor
			return setMessageBilling(ctx, tx, req.MessageID, messages.BillingFailed, req.Tokens, req.CostMinor, nil, now)
		}

		newBalance, err := applyBalanceDelta(ctx, tx, req.OrgID, d.delta, now)
		if err != nil {
			return err
		}
		entry := LedgerEntry{
			ID:                uuid.NewString(),
			OrgID:             req.OrgID,
			Type:              EntryTypeDebit,
			AmountMinor:       d.delta,
			BalanceAfterMinor: newBalance,
			MessageID:         req.MessageID,
			IdempotencyKey:    debitKey(req.MessageID),
			CreatedAt:         now,
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
		if err := setMessageBilling(ctx, tx, req.MessageID, messages.BillingDebited, req.Tokens, req.CostMinor, &now, now); err != nil {
			return err
		}

		out.BalanceMinor = newBalance
		out.CostMinor = req.CostMinor
		out.Entry = &entry
		return nil
	})
	if err != nil {
		return DebitResult{}, err
	}
	return out, nil
}

func (l *PostgresLedger) Credit(ctx context.Context, orgID string, req CreditRequest) (LedgerEntry, Balance, error) {
	if err := validateCredit(orgID, req); err != nil {
		return LedgerEntry{}, Balance{}, err
	}
	now := l.clock().UTC()

	var outEntry LedgerEntry
	var outBal Balance
	err := utils.WithTx(ctx, l.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureBalanceRow(ctx, tx, orgID, now); err != nil {
			return err
		}
		balance, err := lockBalance(ctx, tx, orgID)
		if err != nil {
			return err
		}

		// Idempotency: an existing entry for this key wins.
		if existing, ok, err := findEntryByIdempotency(ctx, tx, orgID, req.IdempotencyKey); err != nil {
			return err
		} else if ok {
			outEntry = existing
			outBal = Balance{OrgID: orgID, BalanceMinor: balance, UpdatedAt: now}
			return nil
		}

		newBalance, err := applyBalanceDelta(ctx, tx, orgID, req.AmountMinor, now)
		if err != nil {
			return err
		}
		entry := LedgerEntry{
			ID:                uuid.NewString(),
			OrgID:             orgID,
			Type:              EntryTypeCredit,
			AmountMinor:       req.AmountMinor,
			BalanceAfterMinor: newBalance,
			IdempotencyKey:    req.IdempotencyKey,
			Reference:         req.Reference,
			Metadata:          req.Metadata,
			CreatedAt:         now,
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
		outEntry = entry
		outBal = Balance{OrgID: orgID, BalanceMinor: newBalance, UpdatedAt: now}
		return nil
	})
	return outEntry, outBal, err
}

func (l *PostgresLedger) GetBalance(ctx context.Context, orgID string) (Balance, error) {
	if orgID == "" {
		return Balance{}, ErrInvalidArgument
	}
	const q = `
SELECT org_id, balance_minor, updated_at
FROM org_credits
WHERE org_id = $1
`
	var b Balance
	if err := l.db.QueryRowContext(ctx, q, orgID).Scan(&b.OrgID, &b.BalanceMinor, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func (l *PostgresLedger) ListEntries(ctx context.Context, orgID string, from, to time.Time) ([]LedgerEntry, error) {
	if orgID == "" {
		return nil, ErrInvalidArgument
	}
	const q = `
SELECT id, org_id, type, amount_minor, balance_after_minor, COALESCE(message_id, ''),
       idempotency_key, COALESCE(reference, ''), COALESCE(metadata::text, ''), created_at
FROM credit_ledger
WHERE org_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at, id
`
	rows, err := l.db.QueryContext(ctx, q, orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]LedgerEntry, 0)
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.OrgID, &e.Type, &e.AmountMinor, &e.BalanceAfterMinor, &e.MessageID,
			&e.IdempotencyKey, &e.Reference, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func lockMessageBilling(ctx context.Context, tx *sql.Tx, orgID, messageID string) (messages.BillingStatus, error) {
	// Lock the message row so concurrent debits of the same message serialize.
	const q = `
SELECT billing_status
FROM messages
WHERE id = $1 AND org_id = $2
FOR UPDATE
`
	var s messages.BillingStatus
	if err := tx.QueryRowContext(ctx, q, messageID, orgID).Scan(&s); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return s, nil
}

// lockBalance returns 0 when the org has no credit row yet.
func lockBalance(ctx context.Context, tx *sql.Tx, orgID string) (int64, error) {
	const q = `
SELECT balance_minor
FROM org_credits
WHERE org_id = $1
FOR UPDATE
`
	var b int64
	if err := tx.QueryRowContext(ctx, q, orgID).Scan(&b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return b, nil
}

func ensureBalanceRow(ctx context.Context, tx *sql.Tx, orgID string, now time.Time) error {
	const q = `
INSERT INTO org_credits (org_id, balance_minor, updated_at)
VALUES ($1, 0, $2)
ON CONFLICT (org_id) DO NOTHING
`
	_, err := tx.ExecContext(ctx, q, orgID, now)
	return err
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, orgID string, delta int64, now time.Time) (int64, error) {
	const q = `
UPDATE org_credits
SET balance_minor = balance_minor + $2, updated_at = $3
WHERE org_id = $1
RETURNING balance_minor
`
	var b int64
	if err := tx.QueryRowContext(ctx, q, orgID, delta, now).Scan(&b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return b, nil
}

func setMessageBilling(ctx context.Context, tx *sql.Tx, messageID string, status messages.BillingStatus, tokens int, cost int64, chargedAt *time.Time, now time.Time) error {
	const q = `
UPDATE messages
SET billing_status = $2, tokens_used = $3, cost_minor = $4, charged_at = $5, updated_at = $6
WHERE id = $1 AND billing_status = 'pending'
`
	res, err := tx.ExecContext(ctx, q, messageID, status, tokens, cost, chargedAt, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return errors.New("billing: message left pending state during debit")
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e LedgerEntry) error {
	const q = `
INSERT INTO credit_ledger (
  id, org_id, type, amount_minor, balance_after_minor, message_id,
  idempotency_key, reference, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,NULLIF($6, ''),$7,NULLIF($8, ''),NULLIF($9, '')::jsonb,$10
)
`
	_, err := tx.ExecContext(ctx, q,
		e.ID,
		e.OrgID,
		e.Type,
		e.AmountMinor,
		e.BalanceAfterMinor,
		e.MessageID,
		e.IdempotencyKey,
		e.Reference,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

func findEntryByIdempotency(ctx context.Context, tx *sql.Tx, orgID, key string) (LedgerEntry, bool, error) {
	const q = `
SELECT id, org_id, type, amount_minor, balance_after_minor, COALESCE(message_id, ''),
       idempotency_key, COALESCE(reference, ''), COALESCE(metadata::text, ''), created_at
FROM credit_ledger
WHERE org_id = $1 AND idempotency_key = $2
LIMIT 1
`
	var e LedgerEntry
	err := tx.QueryRowContext(ctx, q, orgID, key).Scan(
		&e.ID,
		&e.OrgID,
		&e.Type,
		&e.AmountMinor,
		&e.BalanceAfterMinor,
		&e.MessageID,
		&e.IdempotencyKey,
		&e.Reference,
		&e.Metadata,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LedgerEntry{}, false, nil
		}
		return LedgerEntry{}, false, err
	}
	return e, true, nil
}

func validateCredit(orgID string, req CreditRequest) error {
	if orgID == "" || req.IdempotencyKey == "" {
		return ErrInvalidArgument
	}
	if req.AmountMinor <= 0 {
		return ErrInvalidArgument
	}
	return nil
}
