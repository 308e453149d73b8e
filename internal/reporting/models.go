package reporting

import "time"

// TimeRange is a half-open window [From, To).
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// SpendSummaryRequest requests aggregated credit movement for one org.
// Spend is derived from the immutable credit ledger, never from balances.
type SpendSummaryRequest struct {
	OrgID string    `json:"org_id"`
	Range TimeRange `json:"range"`
}

type SpendSummary struct {
	OrgID string `json:"org_id"`

	TotalDebitMinor  int64 `json:"total_debit_minor"`
	TotalCreditMinor int64 `json:"total_credit_minor"`
	NetDeltaMinor    int64 `json:"net_delta_minor"`

	UsageDebitMinor  int64 `json:"usage_debit_minor"`
	AdminAdjustMinor int64 `json:"admin_adjust_minor"`

	DebitCount  int `json:"debit_count"`
	CreditCount int `json:"credit_count"`
}

// MessageSummaryRequest requests message volume and billing outcomes for one org.
type MessageSummaryRequest struct {
	OrgID string    `json:"org_id"`
	Range TimeRange `json:"range"`
}

type MessageSummary struct {
	OrgID string `json:"org_id"`

	Inbound  int `json:"inbound"`
	Outbound int `json:"outbound"`

	BillingPending int `json:"billing_pending"`
	BillingDebited int `json:"billing_debited"`
	BillingFailed  int `json:"billing_failed"`
	BillingSkipped int `json:"billing_skipped"`

	TotalTokens    int   `json:"total_tokens"`
	TotalCostMinor int64 `json:"total_cost_minor"`

	// Outbound delivery outcomes.
	Delivered      int `json:"delivered"`
	DeliveryFailed int `json:"delivery_failed"`
}
