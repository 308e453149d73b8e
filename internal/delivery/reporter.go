package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatflow-platform/internal/gateway"
	"chatflow-platform/internal/messages"
	"chatflow-platform/pkg/logger"

	"github.com/google/uuid"
)

// Policy bounds outbound retries. Backoff doubles from InitialBackoff and is
// capped at MaxBackoff.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// Backoff returns the wait before attempt+1, attempt starting at 1.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Alerter surfaces exhausted deliveries to operators.
type Alerter interface {
	AlertDeliveryFailed(ctx context.Context, orgID, messageID string, attempts int, lastError string) error
}

// Outbound is one text to send on behalf of a conversation.
type Outbound struct {
	OrgID            string
	DeviceID         string
	SessionID        string
	InstanceID       string
	Phone            string
	Text             string
	InboundMessageID string

	// Billable outbound messages start pending and are debited by the caller.
	// Flow replies are billed on the inbound message and start skipped.
	Billable bool
}

// Reporter sends outbound messages with bounded retry and reconciles the
// results onto the Message rows.
//
// Policy: delivery failure never rolls back a debit. Billing is for
// processing, not for guaranteed delivery.
type Reporter struct {
	sender   gateway.Sender
	messages messages.Repository
	alerts   Alerter
	policy   Policy

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewReporter(sender gateway.Sender, msgs messages.Repository, alerts Alerter, policy Policy) *Reporter {
	return &Reporter{
		sender:   sender,
		messages: msgs,
		alerts:   alerts,
		policy:   policy.normalized(),
		clock:    time.Now,
		sleep:    sleepCtx,
	}
}

// Deliver stores the outbound message, then sends it. The returned message
// reflects the final delivery state. Exhausted retries are not an error;
// storage failures are.
func (r *Reporter) Deliver(ctx context.Context, out Outbound) (messages.Message, error) {
	if out.OrgID == "" || out.InstanceID == "" || out.Phone == "" || out.Text == "" {
		return messages.Message{}, messages.ErrInvalidArgument
	}
	now := r.clock().UTC()
	billing := messages.BillingSkipped
	if out.Billable {
		billing = messages.BillingPending
	}
	msg := messages.Message{
		ID:               uuid.NewString(),
		OrgID:            out.OrgID,
		DeviceID:         out.DeviceID,
		SessionID:        out.SessionID,
		Direction:        messages.DirectionOutbound,
		InstanceID:       out.InstanceID,
		Phone:            out.Phone,
		Content:          out.Text,
		MessageType:      "text",
		InboundMessageID: out.InboundMessageID,
		BillingStatus:    billing,
		DeliveryStatus:   gateway.DeliveryStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.messages.InsertOutbound(ctx, msg); err != nil {
		return messages.Message{}, fmt.Errorf("store outbound message: %w", err)
	}

	log := logger.From(ctx).With("message_id", msg.ID, "org_id", msg.OrgID)
	var (
		res      gateway.DeliveryResult
		attempts int
	)
	for attempts = 1; ; attempts++ {
		res = r.sender.Send(ctx, out.InstanceID, out.Phone, out.Text)
		if !res.Retryable() || attempts >= r.policy.MaxAttempts {
			break
		}
		wait := r.policy.Backoff(attempts)
		log.Warn("outbound send failed; retrying",
			"attempt", attempts, "status", res.Status, "http_status", res.HTTPStatus, "err", res.Error, "backoff", wait)
		if err := r.sleep(ctx, wait); err != nil {
			res.Error = "retry aborted: " + err.Error()
			break
		}
	}

	if err := r.ReportDelivery(ctx, msg.ID, attempts, res); err != nil {
		return messages.Message{}, err
	}
	return r.messages.Get(ctx, msg.OrgID, msg.ID)
}

// ReportDelivery records the final outcome of attempts on an outbound
// message. A failed outcome raises an operator alert.
func (r *Reporter) ReportDelivery(ctx context.Context, messageID string, attempts int, res gateway.DeliveryResult) error {
	u := messages.DeliveryUpdate{Attempts: attempts}
	if res.Status == gateway.ResultAccepted {
		u.Status = gateway.DeliveryStatusSent
		u.ProviderMessageID = res.ProviderMessageID
	} else {
		u.Status = gateway.DeliveryStatusFailed
		u.LastError = string(res.Status) + ": " + res.Error
	}

	m, applied, err := r.advance(ctx, messageID, u)
	if err != nil {
		return err
	}
	log := logger.From(ctx).With("message_id", messageID, "org_id", m.OrgID, "attempts", attempts)
	if !applied {
		log.Debug("delivery report superseded", "current", m.DeliveryStatus, "reported", u.Status)
		return nil
	}
	if u.Status != gateway.DeliveryStatusFailed {
		log.Info("outbound accepted", "provider_message_id", u.ProviderMessageID)
		return nil
	}

	log.Error("outbound delivery failed", "last_error", u.LastError)
	if r.alerts != nil {
		if err := r.alerts.AlertDeliveryFailed(ctx, m.OrgID, messageID, attempts, u.LastError); err != nil {
			log.Error("delivery failure alert failed", "err", err)
		}
	}
	return nil
}

// Reconcile applies a gateway status event to the outbound message it refers
// to. Unknown provider ids and stale or out-of-order statuses are no-ops.
func (r *Reporter) Reconcile(ctx context.Context, su gateway.StatusUpdate) (bool, error) {
	if su.InstanceID == "" || su.ProviderMessageID == "" {
		return false, nil
	}
	m, ok, err := r.messages.FindOutboundByProviderID(ctx, su.InstanceID, su.ProviderMessageID)
	if err != nil || !ok {
		return false, err
	}
	u := messages.DeliveryUpdate{Status: su.Status}
	if su.Status == gateway.DeliveryStatusFailed {
		u.LastError = "gateway status " + su.RawStatus
	}
	_, applied, err := r.advance(ctx, m.ID, u)
	if applied {
		logger.From(ctx).Info("delivery status reconciled", "message_id", m.ID, "status", su.Status)
	}
	return applied, err
}

// advance compare-and-sets the delivery status, re-reading on a lost race.
func (r *Reporter) advance(ctx context.Context, id string, u messages.DeliveryUpdate) (messages.Message, bool, error) {
	const maxRaces = 3
	for i := 0; i < maxRaces; i++ {
		m, err := r.messages.Get(ctx, "", id)
		if err != nil {
			return messages.Message{}, false, err
		}
		if !messages.CanAdvanceDelivery(m.DeliveryStatus, u.Status) {
			return m, false, nil
		}
		ok, err := r.messages.UpdateDelivery(ctx, id, m.DeliveryStatus, u, r.clock().UTC())
		if err != nil {
			return messages.Message{}, false, err
		}
		if ok {
			return m, true, nil
		}
	}
	return messages.Message{}, false, errors.New("delivery: status kept changing concurrently")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
