package pricing

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresRepo reads org_token_rates.
//
// Expected index: (org_id, status, effective_from DESC).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) FindTokenRate(ctx context.Context, orgID string, at time.Time) (TokenRate, bool, error) {
	const q = `
SELECT id, org_id, price_per_thousand_minor, minimum_charge_minor,
       effective_from, effective_to, status, created_at, updated_at
FROM org_token_rates
WHERE org_id = $1
  AND status = 'active'
  AND effective_from <= $2
  AND (effective_to IS NULL OR effective_to > $2)
ORDER BY effective_from DESC
LIMIT 1
`
	var (
		tr TokenRate
		to sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, orgID, at).Scan(
		&tr.ID,
		&tr.OrgID,
		&tr.PricePerThousandMinor,
		&tr.MinimumChargeMinor,
		&tr.EffectiveFrom,
		&to,
		&tr.Status,
		&tr.CreatedAt,
		&tr.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenRate{}, false, nil
		}
		return TokenRate{}, false, err
	}
	if to.Valid {
		t := to.Time
		tr.EffectiveTo = &t
	}
	return tr, true, nil
}
