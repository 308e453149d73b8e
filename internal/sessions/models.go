package sessions

import (
	"errors"
	"time"
)

// Session is one in-progress conversation between an org and a phone number.
//
// Concurrency invariant: at most one live (active or waiting_input) session
// per (org_id, phone). Postgres enforces it with a partial unique index;
// the conversation lock keeps callers from ever hitting it in normal operation.
type Session struct {
	ID       string `json:"id" db:"id"`
	OrgID    string `json:"org_id" db:"org_id"`
	Phone    string `json:"phone" db:"phone"`
	DeviceID string `json:"device_id,omitempty" db:"device_id"`

	// ActiveFlowID is a weak reference; the flow may have been deleted since.
	ActiveFlowID  string `json:"active_flow_id,omitempty" db:"active_flow_id"`
	CurrentStepID string `json:"current_step_id,omitempty" db:"current_step_id"`
	Status        Status `json:"status" db:"status"`

	// SessionToken is opaque and issued once at creation.
	SessionToken string `json:"session_token" db:"session_token"`

	// Data holds variables captured by input nodes (JSONB in Postgres).
	Data map[string]string `json:"data,omitempty" db:"data"`

	// LastMessageID is the inbound message whose flow run produced this state,
	// and LastTokens the tokens that run billed. A redelivery of that message
	// records them instead of running the flow again.
	LastMessageID string `json:"last_message_id,omitempty" db:"last_message_id"`
	LastTokens    int    `json:"last_tokens,omitempty" db:"last_tokens"`

	// Version is bumped by every successful Update.
	Version int64 `json:"version" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusActive       Status = "active"
	StatusWaitingInput Status = "waiting_input"
	StatusCompleted    Status = "completed"
	StatusExpired      Status = "expired"
)

// Live reports whether a session with this status is reused for new events.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusWaitingInput
}

// Var returns a captured variable, or "".
func (s *Session) Var(name string) string {
	if s.Data == nil {
		return ""
	}
	return s.Data[name]
}

// SetVar stores a captured variable.
func (s *Session) SetVar(name, value string) {
	if s.Data == nil {
		s.Data = map[string]string{}
	}
	s.Data[name] = value
}

func (s Session) clone() Session {
	out := s
	if s.Data != nil {
		out.Data = make(map[string]string, len(s.Data))
		for k, v := range s.Data {
			out.Data[k] = v
		}
	}
	return out
}

var (
	ErrNotFound           = errors.New("session not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrActiveExists       = errors.New("a live session already exists for this conversation")
	ErrVersionConflict    = errors.New("session was modified concurrently")
	ErrLockTimeout        = errors.New("conversation lock wait timed out")
	ErrTerminalTransition = errors.New("session is terminal")
)
