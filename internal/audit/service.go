package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records audit events and operator alerts.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to tenant users by default.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.OrgID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogAdminTopUp records a manual credit performed by an admin (including hidden roles).
func (s *Service) LogAdminTopUp(ctx context.Context, orgID, actorUserID, actorRole, ip, reason string, amountMinor int64, entryID string) error {
	return s.Append(ctx, Event{
		OrgID:       orgID,
		Type:        EventTypeAdminTopUp,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Message:     reason,
		Metadata:    metadata(map[string]any{"amount_minor": amountMinor, "ledger_entry_id": entryID}),
	})
}

func (s *Service) AlertFlowConfig(ctx context.Context, orgID, flowID, sessionID, messageID, reason string) error {
	return s.Append(ctx, Event{
		OrgID:     orgID,
		Type:      EventTypeFlowConfigError,
		FlowID:    flowID,
		SessionID: sessionID,
		MessageID: messageID,
		Message:   reason,
	})
}

func (s *Service) AlertInsufficientCredits(ctx context.Context, orgID, messageID string, balanceMinor, costMinor int64) error {
	return s.Append(ctx, Event{
		OrgID:     orgID,
		Type:      EventTypeInsufficientCredits,
		MessageID: messageID,
		Message:   fmt.Sprintf("debit of %d rejected with balance %d; org throttled", costMinor, balanceMinor),
		Metadata:  metadata(map[string]any{"balance_minor": balanceMinor, "cost_minor": costMinor}),
	})
}

func (s *Service) AlertDeliveryFailed(ctx context.Context, orgID, messageID string, attempts int, lastError string) error {
	return s.Append(ctx, Event{
		OrgID:     orgID,
		Type:      EventTypeDeliveryFailed,
		MessageID: messageID,
		Message:   fmt.Sprintf("outbound send failed after %d attempts", attempts),
		Metadata:  metadata(map[string]any{"attempts": attempts, "last_error": lastError}),
	})
}

// RecordFlowAction logs an action node executed for a conversation so
// external handoff and tagging systems can pick it up.
func (s *Service) RecordFlowAction(ctx context.Context, orgID, flowID, sessionID, messageID, action string, params map[string]string) error {
	return s.Append(ctx, Event{
		OrgID:     orgID,
		Type:      EventTypeFlowAction,
		FlowID:    flowID,
		SessionID: sessionID,
		MessageID: messageID,
		Message:   action,
		Metadata:  metadata(map[string]any{"action": action, "params": params}),
	})
}

func metadata(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
