package billing

import (
	"context"
	"errors"
	"time"

	"chatflow-platform/internal/pricing"
	"chatflow-platform/pkg/logger"
)

// Service provides org credit operations.
//
// Money invariants:
// - No balance updates without a ledger entry
// - Ledger is append-only (immutable)
// - A message is charged at most once; its billing status leaves pending exactly once
// - Zero-token messages are skipped, never debited
//
// Tenancy invariant:
// - org_id is required and enforced in all queries
type Service struct {
	ledger   Ledger
	pricer   Quoter
	throttle Throttle
	alerts   Alerter
	clock    func() time.Time
}

// Quoter prices a token count for an org.
type Quoter interface {
	QuoteTokens(ctx context.Context, orgID string, tokens int) (pricing.Quote, error)
}

// Alerter receives operator alerts and admin audit records. Best-effort.
type Alerter interface {
	AlertInsufficientCredits(ctx context.Context, orgID, messageID string, balanceMinor, costMinor int64) error
	LogAdminTopUp(ctx context.Context, orgID, actorUserID, actorRole, ip, reason string, amountMinor int64, entryID string) error
}

func NewService(ledger Ledger, pricer Quoter, throttle Throttle, alerts Alerter) *Service {
	return &Service{ledger: ledger, pricer: pricer, throttle: throttle, alerts: alerts, clock: time.Now}
}

// Debit charges the processing of one message exactly once.
//
// Retrying with the same messageID is always safe: the second call returns
// OutcomeAlreadyProcessed and does not touch the ledger.
func (s *Service) Debit(ctx context.Context, orgID, messageID string, tokens int) (DebitResult, error) {
	if orgID == "" || messageID == "" || tokens < 0 {
		return DebitResult{}, ErrInvalidArgument
	}

	var cost int64
	if tokens > 0 {
		q, err := s.pricer.QuoteTokens(ctx, orgID, tokens)
		if err != nil {
			return DebitResult{}, err
		}
		cost = q.CostMinor
	}

	res, err := s.ledger.Debit(ctx, DebitRequest{OrgID: orgID, MessageID: messageID, Tokens: tokens, CostMinor: cost})
	if err != nil {
		return DebitResult{}, err
	}

	log := logger.From(ctx).With("org_id", orgID, "message_id", messageID, "tokens", tokens)
	switch res.Outcome {
	case OutcomeDebited:
		log.Info("message debited", "cost_minor", res.CostMinor, "balance_minor", res.BalanceMinor)
	case OutcomeSkipped:
		log.Debug("message billing skipped")
	case OutcomeAlreadyProcessed:
		log.Info("debit already processed", "billing_status", res.BillingStatus)
	case OutcomeInsufficientCredits:
		log.Warn("insufficient credits; throttling org", "cost_minor", res.CostMinor, "balance_minor", res.BalanceMinor)
		if s.throttle != nil {
			if err := s.throttle.Block(ctx, orgID); err != nil {
				log.Error("org throttle failed", "err", err)
			}
		}
		if s.alerts != nil {
			if err := s.alerts.AlertInsufficientCredits(ctx, orgID, messageID, res.BalanceMinor, res.CostMinor); err != nil {
				log.Error("insufficient credits alert failed", "err", err)
			}
		}
	}
	return res, nil
}

// TopUp credits an org and lifts any throttle. Idempotent on req.IdempotencyKey.
func (s *Service) TopUp(ctx context.Context, orgID string, req CreditRequest) (LedgerEntry, Balance, error) {
	entry, bal, err := s.ledger.Credit(ctx, orgID, req)
	if err != nil {
		return LedgerEntry{}, Balance{}, err
	}
	if s.throttle != nil && bal.BalanceMinor > 0 {
		if err := s.throttle.Unblock(ctx, orgID); err != nil {
			logger.From(ctx).Error("org unthrottle failed", "org_id", orgID, "err", err)
		}
	}
	return entry, bal, nil
}

func (s *Service) AdminTopUp(ctx context.Context, orgID, adminUserID, adminRole, ip string, req AdminCreditRequest) (LedgerEntry, Balance, error) {
	if adminUserID == "" || adminRole == "" {
		return LedgerEntry{}, Balance{}, ErrInvalidArgument
	}
	if req.Reason == "" {
		return LedgerEntry{}, Balance{}, ErrInvalidArgument
	}

	entry, bal, err := s.TopUp(ctx, orgID, CreditRequest{
		AmountMinor:    req.AmountMinor,
		IdempotencyKey: req.IdempotencyKey,
		Reference:      "admin_topup",
		Metadata:       req.Metadata,
	})
	if err != nil {
		return LedgerEntry{}, Balance{}, err
	}
	if s.alerts != nil {
		if err := s.alerts.LogAdminTopUp(ctx, orgID, adminUserID, adminRole, ip, req.Reason, req.AmountMinor, entry.ID); err != nil {
			logger.From(ctx).Error("admin topup audit failed", "org_id", orgID, "err", err)
		}
	}
	return entry, bal, nil
}

// GetBalance returns a zero balance for orgs that never had credits.
func (s *Service) GetBalance(ctx context.Context, orgID string) (Balance, error) {
	if orgID == "" {
		return Balance{}, ErrInvalidArgument
	}
	b, err := s.ledger.GetBalance(ctx, orgID)
	if errors.Is(err, ErrNotFound) {
		return Balance{OrgID: orgID}, nil
	}
	return b, err
}

func (s *Service) ListLedger(ctx context.Context, orgID string, from, to time.Time) ([]LedgerEntry, error) {
	if orgID == "" || (!from.IsZero() && !to.IsZero() && !to.After(from)) {
		return nil, ErrInvalidArgument
	}
	if to.IsZero() {
		to = s.clock().UTC().Add(time.Second)
	}
	return s.ledger.ListEntries(ctx, orgID, from, to)
}

// Blocked reports whether automated processing is currently throttled for orgID.
func (s *Service) Blocked(ctx context.Context, orgID string) (bool, error) {
	if s.throttle == nil {
		return false, nil
	}
	return s.throttle.IsBlocked(ctx, orgID)
}
