package reporting

import (
	"context"
	"errors"
	"time"

	"chatflow-platform/internal/billing"
	"chatflow-platform/internal/gateway"
	"chatflow-platform/internal/messages"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// adminTopUpReference marks ledger credits written by billing.Service.AdminTopUp.
const adminTopUpReference = "admin_topup"

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Methods must enforce org filtering.
// - Implementations read immutable sources (credit ledger, message rows).
type Repository interface {
	ListLedger(ctx context.Context, orgID string, from, to time.Time) ([]billing.LedgerEntry, error)
	ListMessages(ctx context.Context, orgID string, from, to time.Time) ([]messages.Message, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) SpendSummary(ctx context.Context, req SpendSummaryRequest) (SpendSummary, error) {
	if req.OrgID == "" || !req.Range.valid() {
		return SpendSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return SpendSummary{}, errors.New("reporting: repository not configured")
	}

	entries, err := s.repo.ListLedger(ctx, req.OrgID, req.Range.From, req.Range.To)
	if err != nil {
		return SpendSummary{}, err
	}

	out := SpendSummary{OrgID: req.OrgID}
	for _, e := range entries {
		if e.OrgID != req.OrgID {
			continue
		}
		switch {
		case e.AmountMinor > 0:
			out.TotalCreditMinor += e.AmountMinor
			out.CreditCount++
		case e.AmountMinor < 0:
			out.TotalDebitMinor += -e.AmountMinor
			out.DebitCount++
		}

		if e.Reference == adminTopUpReference {
			out.AdminAdjustMinor += e.AmountMinor
		} else if e.Type == billing.EntryTypeDebit {
			out.UsageDebitMinor += -e.AmountMinor
		}
	}
	out.NetDeltaMinor = out.TotalCreditMinor - out.TotalDebitMinor
	return out, nil
}

func (s *Service) MessageSummary(ctx context.Context, req MessageSummaryRequest) (MessageSummary, error) {
	if req.OrgID == "" || !req.Range.valid() {
		return MessageSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return MessageSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListMessages(ctx, req.OrgID, req.Range.From, req.Range.To)
	if err != nil {
		return MessageSummary{}, err
	}

	out := MessageSummary{OrgID: req.OrgID}
	for _, m := range rows {
		if m.OrgID != req.OrgID {
			continue
		}
		switch m.Direction {
		case messages.DirectionInbound:
			out.Inbound++
		case messages.DirectionOutbound:
			out.Outbound++
			switch m.DeliveryStatus {
			case gateway.DeliveryStatusDelivered, gateway.DeliveryStatusRead:
				out.Delivered++
			case gateway.DeliveryStatusFailed:
				out.DeliveryFailed++
			}
		}

		switch m.BillingStatus {
		case messages.BillingPending:
			out.BillingPending++
		case messages.BillingDebited:
			out.BillingDebited++
			out.TotalCostMinor += m.CostMinor
		case messages.BillingFailed:
			out.BillingFailed++
		case messages.BillingSkipped:
			out.BillingSkipped++
		}
		out.TotalTokens += m.TokensUsed
	}
	return out, nil
}
