package messages

import (
	"errors"
	"time"

	"chatflow-platform/internal/gateway"
)

// Message is one inbound or outbound chat message.
//
// Invariants:
// - org_id is required.
// - (instance_id, gateway_message_id) is unique among inbound messages; that constraint is the dedup mechanism.
// - billing_status only moves pending -> {debited, failed, skipped}; never reversed.
// - debited implies cost_minor > 0.
//
// Outbound messages are created with billing_status skipped: processing is billed
// on the inbound message that caused them.
type Message struct {
	ID        string    `json:"id" db:"id"`
	OrgID     string    `json:"org_id" db:"org_id"`
	DeviceID  string    `json:"device_id,omitempty" db:"device_id"`
	SessionID string    `json:"session_id,omitempty" db:"session_id"`
	Direction Direction `json:"direction" db:"direction"`

	InstanceID string `json:"instance_id" db:"instance_id"`
	Phone      string `json:"phone" db:"phone"`

	Content     string `json:"content" db:"content"`
	MessageType string `json:"message_type,omitempty" db:"message_type"`

	// GatewayMessageID is the idempotency key for inbound messages.
	GatewayMessageID string `json:"gateway_message_id,omitempty" db:"gateway_message_id"`
	// ProviderMessageID is the gateway id of an accepted outbound send.
	ProviderMessageID string `json:"provider_message_id,omitempty" db:"provider_message_id"`
	// InboundMessageID links an outbound message to the inbound message that produced it.
	InboundMessageID string `json:"inbound_message_id,omitempty" db:"inbound_message_id"`

	TokensUsed    int           `json:"tokens_used" db:"tokens_used"`
	CostMinor     int64         `json:"cost_minor" db:"cost_minor"`
	BillingStatus BillingStatus `json:"billing_status" db:"billing_status"`

	DeliveryStatus   gateway.DeliveryStatus `json:"delivery_status,omitempty" db:"delivery_status"`
	DeliveryAttempts int                    `json:"delivery_attempts" db:"delivery_attempts"`
	LastError        string                 `json:"last_error,omitempty" db:"last_error"`

	RawPayload string `json:"-" db:"raw_payload"`

	ProcessedAt *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	ChargedAt   *time.Time `json:"charged_at,omitempty" db:"charged_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type BillingStatus string

const (
	BillingPending BillingStatus = "pending"
	BillingDebited BillingStatus = "debited"
	BillingFailed  BillingStatus = "failed"
	BillingSkipped BillingStatus = "skipped"
)

// Final reports whether no further billing transition is allowed.
func (s BillingStatus) Final() bool {
	return s == BillingDebited || s == BillingFailed || s == BillingSkipped
}

// DeliveryUpdate is the result of one or more outbound send attempts.
type DeliveryUpdate struct {
	Status            gateway.DeliveryStatus
	ProviderMessageID string
	Attempts          int
	LastError         string
}

var (
	ErrNotFound        = errors.New("message not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("message changed concurrently")
)

// deliveryRank orders delivery statuses; status events may arrive out of order.
func deliveryRank(s gateway.DeliveryStatus) int {
	switch s {
	case gateway.DeliveryStatusPending:
		return 1
	case gateway.DeliveryStatusSent:
		return 2
	case gateway.DeliveryStatusDelivered:
		return 3
	case gateway.DeliveryStatusRead:
		return 4
	}
	return 0
}

// CanAdvanceDelivery reports whether an outbound message may move from cur to next.
// failed is only reachable before the gateway confirmed delivery.
func CanAdvanceDelivery(cur, next gateway.DeliveryStatus) bool {
	if cur == next {
		return false
	}
	if next == gateway.DeliveryStatusFailed {
		return cur == "" || cur == gateway.DeliveryStatusPending || cur == gateway.DeliveryStatusSent
	}
	if cur == gateway.DeliveryStatusFailed {
		// a late ack proves the send went through after all
		return deliveryRank(next) >= deliveryRank(gateway.DeliveryStatusDelivered)
	}
	return deliveryRank(next) > deliveryRank(cur)
}
