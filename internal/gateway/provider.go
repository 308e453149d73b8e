package gateway

import (
	"context"
	"time"
)

// Gateway adapter types are provider-agnostic on the inside: everything below the
// webhook handler sees Event / InboundEvent / DeliveryResult only.
//
// Rules:
// - No gateway HTTP calls outside Client.
// - Raw payloads are kept as a JSON string for audit/debug, never re-parsed downstream.

// EventKind tags the normalized variant carried by an Event.
type EventKind string

const (
	EventKindMessage    EventKind = "message"
	EventKindConnection EventKind = "connection"
	EventKindStatus     EventKind = "status"
	// EventKindIgnored is the NotAMessage variant: acknowledged, never processed.
	EventKindIgnored EventKind = "ignored"
)

// Event is the result of normalizing one webhook payload.
// Exactly one of Message / Connection / Status is set, according to Kind.
type Event struct {
	Kind EventKind

	Message    *InboundEvent
	Connection *ConnectionUpdate
	Status     *StatusUpdate

	// Batch holds the records after Message when one payload carried several.
	Batch []InboundEvent

	// IgnoredReason explains EventKindIgnored (e.g. "group_chat", "unsupported_event").
	IgnoredReason string
}

// InboundEvent is the canonical inbound chat message.
type InboundEvent struct {
	InstanceID       string `json:"instance_id"`
	GatewayMessageID string `json:"gateway_message_id"`

	// Phone is the remote party in digits-only form. Empty when unresolvable.
	Phone    string `json:"phone"`
	PushName string `json:"push_name,omitempty"`

	// Text is the textual content. IsText is false for media without caption,
	// stickers, reactions, and other non-text content.
	Text        string `json:"text"`
	IsText      bool   `json:"is_text"`
	MessageType string `json:"message_type"`

	// FromMe marks gateway echoes of our own outbound sends.
	FromMe bool `json:"from_me"`

	Timestamp time.Time `json:"timestamp"`

	RawPayload string `json:"raw_payload,omitempty"`
}

// ConnectionState is the device connection status reported by the gateway.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionError        ConnectionState = "error"
)

// ConnectionUpdate reports a device connection change.
type ConnectionUpdate struct {
	InstanceID string
	State      ConnectionState
	RawState   string
}

// DeliveryStatus is the lifecycle of an outbound message at the provider.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// StatusUpdate reports provider-side progress of one of our outbound messages.
type StatusUpdate struct {
	InstanceID        string
	ProviderMessageID string
	Status            DeliveryStatus
	RawStatus         string
}

// ResultStatus classifies a single outbound send attempt.
type ResultStatus string

const (
	ResultAccepted       ResultStatus = "accepted"
	ResultRejected       ResultStatus = "rejected"
	ResultTransientError ResultStatus = "transient_error"
)

// DeliveryResult is the structured outcome of Send. Send never retries.
type DeliveryResult struct {
	Status ResultStatus `json:"status"`

	// ProviderMessageID is set for accepted sends and used for later reconciliation.
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ProviderStatus    string `json:"provider_status,omitempty"`

	HTTPStatus int    `json:"http_status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Retryable reports whether another attempt may change the outcome.
func (r DeliveryResult) Retryable() bool {
	return r.Status != ResultAccepted
}

// Sender is the outbound half of the adapter.
type Sender interface {
	Send(ctx context.Context, instanceID, phone, text string) DeliveryResult
}

// Ack is what the processor reports back for a webhook call.
type Ack struct {
	Status    AckStatus `json:"status"`
	MessageID string    `json:"message_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`

	// Items is set for batched payloads, one ack per record in order.
	Items []Ack `json:"items,omitempty"`
}

type AckStatus string

const (
	AckAccepted  AckStatus = "accepted"
	AckDuplicate AckStatus = "duplicate"
	AckIgnored   AckStatus = "ignored"
	AckRejected  AckStatus = "rejected"
)

// EventProcessor consumes normalized events. Returned errors are internal
// failures; the handler maps them to 5xx so the gateway retries.
type EventProcessor interface {
	HandleEvent(ctx context.Context, ev Event) (Ack, error)
}
