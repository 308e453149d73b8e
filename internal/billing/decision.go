package billing

import "chatflow-platform/internal/messages"

// decision is what a debit does once the message row and balance are locked.
// Both ledgers apply it inside their own atomic section.
type decision struct {
	outcome Outcome
	status  messages.BillingStatus
	// delta is applied to the balance; always <= 0.
	delta int64
}

func decideDebit(current messages.BillingStatus, balance int64, req DebitRequest) decision {
	if current != messages.BillingPending {
		return decision{outcome: OutcomeAlreadyProcessed, status: current}
	}
	if req.Tokens == 0 || req.CostMinor == 0 {
		return decision{outcome: OutcomeSkipped, status: messages.BillingSkipped}
	}
	if req.CostMinor > balance {
		return decision{outcome: OutcomeInsufficientCredits, status: messages.BillingFailed}
	}
	return decision{outcome: OutcomeDebited, status: messages.BillingDebited, delta: -req.CostMinor}
}

func validateDebit(req DebitRequest) error {
	if req.OrgID == "" || req.MessageID == "" {
		return ErrInvalidArgument
	}
	if req.Tokens < 0 || req.CostMinor < 0 {
		return ErrInvalidArgument
	}
	// tokens > 0 must cost something, and nothing costs without tokens.
	if (req.Tokens > 0) != (req.CostMinor > 0) {
		return ErrInvalidArgument
	}
	return nil
}
