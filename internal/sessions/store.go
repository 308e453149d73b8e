package sessions

import (
	"context"
	"errors"
	"time"

	"chatflow-platform/pkg/logger"

	"github.com/google/uuid"
)

// Store owns the ChatSession lifecycle.
//
// Ordering guarantee: all reads and writes for one (org, phone) pair happen
// inside WithConversation, so an event observes every state transition of the
// events that acquired the lock before it.
type Store struct {
	repo   Repository
	locker Locker
	ttl    time.Duration
	clock  func() time.Time
}

// NewStore builds a store. ttl <= 0 disables inactivity expiry.
func NewStore(repo Repository, locker Locker, ttl time.Duration) *Store {
	return &Store{repo: repo, locker: locker, ttl: ttl, clock: time.Now}
}

// WithConversation runs fn while holding the conversation lock for (orgID, phone).
func (s *Store) WithConversation(ctx context.Context, orgID, phone string, fn func(ctx context.Context) error) error {
	if orgID == "" || phone == "" {
		return ErrInvalidArgument
	}
	unlock, err := s.locker.Lock(ctx, ConversationKey(orgID, phone))
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Current returns the live session for the conversation. A live session idle
// for longer than the ttl is expired first and reported as absent.
// Callers must hold the conversation lock.
func (s *Store) Current(ctx context.Context, orgID, phone string) (Session, bool, error) {
	sess, ok, err := s.repo.GetLive(ctx, orgID, phone)
	if err != nil || !ok {
		return Session{}, false, err
	}
	now := s.clock().UTC()
	if s.ttl > 0 && now.Sub(sess.UpdatedAt) > s.ttl {
		sess.Status = StatusExpired
		sess.UpdatedAt = now
		if _, err := s.repo.Update(ctx, sess); err != nil {
			return Session{}, false, err
		}
		logger.From(ctx).Info("session expired by inactivity", "session_id", sess.ID, "org_id", orgID)
		return Session{}, false, nil
	}
	return sess, true, nil
}

// Applied returns the session whose last flow run was for the inbound
// message messageID, whatever its status now.
// Callers must hold the conversation lock.
func (s *Store) Applied(ctx context.Context, orgID, messageID string) (Session, bool, error) {
	if orgID == "" || messageID == "" {
		return Session{}, false, ErrInvalidArgument
	}
	return s.repo.FindByLastMessage(ctx, orgID, messageID)
}

// Start creates a new live session for the conversation.
// Callers must hold the conversation lock.
func (s *Store) Start(ctx context.Context, orgID, phone, deviceID string) (Session, error) {
	if orgID == "" || phone == "" {
		return Session{}, ErrInvalidArgument
	}
	now := s.clock().UTC()
	sess := Session{
		ID:           uuid.NewString(),
		OrgID:        orgID,
		Phone:        phone,
		DeviceID:     deviceID,
		Status:       StatusActive,
		SessionToken: uuid.NewString(),
		Data:         map[string]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// GetOrCreate returns the live session or starts one.
// Callers must hold the conversation lock.
func (s *Store) GetOrCreate(ctx context.Context, orgID, phone, deviceID string) (Session, error) {
	sess, ok, err := s.Current(ctx, orgID, phone)
	if err != nil {
		return Session{}, err
	}
	if ok {
		return sess, nil
	}
	return s.Start(ctx, orgID, phone, deviceID)
}

// Advance applies mutate to a copy of sess and persists it with an optimistic
// version check. A terminal session cannot be advanced.
func (s *Store) Advance(ctx context.Context, sess Session, mutate func(*Session) error) (Session, error) {
	if !sess.Status.Live() {
		return Session{}, ErrTerminalTransition
	}
	next := sess.clone()
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return Session{}, err
		}
	}
	next.UpdatedAt = s.clock().UTC()
	out, err := s.repo.Update(ctx, next)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			logger.From(ctx).Warn("session version conflict", "session_id", sess.ID, "version", sess.Version)
		}
		return Session{}, err
	}
	return out, nil
}
