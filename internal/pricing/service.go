package pricing

import (
	"context"
	"errors"
	"math"
	"time"
	"unicode/utf8"
)

// Service prices processed messages by token count.
//
// Contract:
// - tokens == 0 always costs 0 (the message is billed as skipped, never debited)
// - tokens > 0 always costs > 0
// - cost is monotonic in tokens for a fixed rate
// - Pure calculation + repository lookups.
type Service struct {
	repo     RateRepository
	defaults Rate
	clock    func() time.Time
}

// Rate is the effective price applied to one quote.
type Rate struct {
	PricePerThousandMinor int64 `json:"price_per_thousand_minor"`
	MinimumChargeMinor    int64 `json:"minimum_charge_minor"`
}

func NewService(repo RateRepository, defaults Rate) *Service {
	return &Service{repo: repo, defaults: defaults, clock: time.Now}
}

type Quote struct {
	OrgID  string `json:"org_id"`
	Tokens int    `json:"tokens"`

	// RateID is empty when the configured default rate was used.
	RateID string `json:"rate_id,omitempty"`
	Rate   Rate   `json:"rate"`

	CostMinor int64 `json:"cost_minor"`
}

var (
	ErrInvalidPricingReq = errors.New("invalid pricing request")
	ErrInvalidRate       = errors.New("invalid pricing rate")
)

// QuoteTokens resolves the org rate at the current time and prices tokens.
func (s *Service) QuoteTokens(ctx context.Context, orgID string, tokens int) (Quote, error) {
	if orgID == "" || tokens < 0 {
		return Quote{}, ErrInvalidPricingReq
	}

	q := Quote{OrgID: orgID, Tokens: tokens, Rate: s.defaults}
	if tokens == 0 {
		return q, nil
	}

	if s.repo != nil {
		tr, ok, err := s.repo.FindTokenRate(ctx, orgID, s.clock().UTC())
		if err != nil {
			return Quote{}, err
		}
		if ok {
			q.RateID = tr.ID
			q.Rate = Rate{PricePerThousandMinor: tr.PricePerThousandMinor, MinimumChargeMinor: tr.MinimumChargeMinor}
		}
	}

	cost, err := CostForTokens(tokens, q.Rate)
	if err != nil {
		return Quote{}, err
	}
	q.CostMinor = cost
	return q, nil
}

// RateRepository abstracts pricing persistence.
// Implementations return the most recent active rate whose window contains at.
type RateRepository interface {
	FindTokenRate(ctx context.Context, orgID string, at time.Time) (TokenRate, bool, error)
}

// CostForTokens applies max(minimum, ceil(tokens * per1k / 1000)) for tokens > 0.
func CostForTokens(tokens int, r Rate) (int64, error) {
	if tokens < 0 {
		return 0, ErrInvalidPricingReq
	}
	if r.PricePerThousandMinor <= 0 || r.MinimumChargeMinor < 0 {
		return 0, ErrInvalidRate
	}
	if tokens == 0 {
		return 0, nil
	}

	t := int64(tokens)
	if t > (math.MaxInt64-999)/r.PricePerThousandMinor {
		return 0, ErrInvalidPricingReq
	}
	cost := (t*r.PricePerThousandMinor + 999) / 1000
	if cost < r.MinimumChargeMinor {
		cost = r.MinimumChargeMinor
	}
	return cost, nil
}

// EstimateTokens approximates model tokens as ceil(runes / 4).
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
