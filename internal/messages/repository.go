package messages

import (
	"context"
	"time"

	"chatflow-platform/internal/gateway"
)

// Repository is the persistence contract for messages.
//
// Implementations must make InsertInbound atomic with respect to the dedup key:
// two concurrent inserts of the same (instance_id, gateway_message_id) create one row.
type Repository interface {
	// InsertInbound stores m unless it is a duplicate. For duplicates, created is
	// false and the existing row is returned.
	InsertInbound(ctx context.Context, m Message) (out Message, created bool, err error)
	InsertOutbound(ctx context.Context, m Message) error

	Get(ctx context.Context, orgID, id string) (Message, error)
	FindOutboundByProviderID(ctx context.Context, instanceID, providerMessageID string) (Message, bool, error)

	// MarkProcessed records the flow run result on a still-pending inbound message.
	MarkProcessed(ctx context.Context, id, sessionID string, tokens int, at time.Time) error

	// UpdateDelivery applies u only if the current delivery status equals expected.
	UpdateDelivery(ctx context.Context, id string, expected gateway.DeliveryStatus, u DeliveryUpdate, at time.Time) (bool, error)

	List(ctx context.Context, orgID string, from, to time.Time) ([]Message, error)
}
