package pipeline

import (
	"context"
	"errors"
	"fmt"

	"chatflow-platform/internal/billing"
	"chatflow-platform/internal/delivery"
	"chatflow-platform/internal/ingest"
	"chatflow-platform/internal/messages"
	"chatflow-platform/internal/pricing"
	"chatflow-platform/pkg/logger"
)

var ErrDeviceNotOwned = errors.New("device does not belong to organization")

// OperatorSend is the result of an operator-initiated message.
type OperatorSend struct {
	Message messages.Message    `json:"message"`
	Debit   billing.DebitResult `json:"debit"`
}

// SendOperatorMessage sends text from an org operator outside any flow.
// The outbound message itself is billed, once, after the send attempts.
func (p *Processor) SendOperatorMessage(ctx context.Context, orgID, instanceID, phone, text string) (OperatorSend, error) {
	if orgID == "" || instanceID == "" || phone == "" || text == "" {
		return OperatorSend{}, messages.ErrInvalidArgument
	}
	dev, err := p.ingest.Device(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ingest.ErrUnknownDevice) {
			return OperatorSend{}, ErrDeviceNotOwned
		}
		return OperatorSend{}, err
	}
	if dev.OrgID != orgID {
		return OperatorSend{}, ErrDeviceNotOwned
	}

	msg, err := p.delivery.Deliver(ctx, delivery.Outbound{
		OrgID:      orgID,
		DeviceID:   dev.ID,
		InstanceID: instanceID,
		Phone:      phone,
		Text:       text,
		Billable:   true,
	})
	if err != nil {
		return OperatorSend{}, err
	}

	res, err := p.billing.Debit(ctx, orgID, msg.ID, pricing.EstimateTokens(text))
	if err != nil {
		return OperatorSend{}, fmt.Errorf("debit operator message: %w", err)
	}
	logger.From(ctx).Info("operator message sent",
		"org_id", orgID, "message_id", msg.ID, "delivery_status", msg.DeliveryStatus, "billing", res.Outcome)

	if updated, err := p.messages.Get(ctx, orgID, msg.ID); err == nil {
		msg = updated
	}
	return OperatorSend{Message: msg, Debit: res}, nil
}
