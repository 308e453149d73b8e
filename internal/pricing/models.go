package pricing

import "time"

// Pricing models are org-scoped (org_id required everywhere).
// Amounts are expressed in minor credit units using int64; never floats.

// TokenRate is a per-organization override of the default token price.
type TokenRate struct {
	ID    string `json:"id" db:"id"`
	OrgID string `json:"org_id" db:"org_id"`

	// PricePerThousandMinor is the price of 1000 tokens. Must be > 0.
	PricePerThousandMinor int64 `json:"price_per_thousand_minor" db:"price_per_thousand_minor"`

	// MinimumChargeMinor applies to any message with tokens > 0.
	MinimumChargeMinor int64 `json:"minimum_charge_minor" db:"minimum_charge_minor"`

	// Effective window for pricing.
	EffectiveFrom time.Time  `json:"effective_from" db:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty" db:"effective_to"`

	Status PricingStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type PricingStatus string

const (
	PricingStatusActive   PricingStatus = "active"
	PricingStatusInactive PricingStatus = "inactive"
)

// activeAt reports whether the rate applies at instant at.
func (r TokenRate) activeAt(at time.Time) bool {
	if r.Status != PricingStatusActive {
		return false
	}
	if at.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !at.Before(*r.EffectiveTo) {
		return false
	}
	return true
}
