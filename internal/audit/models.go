package audit

import "time"

// Event is an immutable, append-only audit log record.
// Operator alerts are audit events too: they are what an operator reviews
// when a flow is misconfigured, an org runs out of credits, or a send is lost.
//
// Invariants:
// - Events are never updated or deleted.
// - org_id is required for tenancy isolation.
// - Audit is best-effort; critical flows never block on audit failures.
type Event struct {
	ID    string    `json:"id" db:"id"`
	OrgID string    `json:"org_id" db:"org_id"`
	Type  EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event (admin actions only).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	// ActorRole may include hidden roles.
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers (optional, depending on the event type).
	MessageID string `json:"message_id,omitempty" db:"message_id"`
	SessionID string `json:"session_id,omitempty" db:"session_id"`
	FlowID    string `json:"flow_id,omitempty" db:"flow_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeAdminTopUp          EventType = "admin_topup"
	EventTypeFlowConfigError     EventType = "flow_config_error"
	EventTypeInsufficientCredits EventType = "insufficient_credits"
	EventTypeDeliveryFailed      EventType = "delivery_failed"
	EventTypeFlowAction          EventType = "flow_action"
)
