package messages

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatflow-platform/internal/gateway"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
// It enforces the same dedup key as the Postgres unique index.
type MemoryRepo struct {
	mu       sync.Mutex
	byID     map[string]*Message
	inbound  map[string]string // instance|gateway id -> message id
	provider map[string]string // instance|provider id -> message id
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:     map[string]*Message{},
		inbound:  map[string]string{},
		provider: map[string]string{},
	}
}

func dedupKey(instanceID, id string) string { return instanceID + "|" + id }

func (r *MemoryRepo) InsertInbound(ctx context.Context, m Message) (Message, bool, error) {
	if m.ID == "" || m.OrgID == "" || m.InstanceID == "" || m.GatewayMessageID == "" {
		return Message{}, false, ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := dedupKey(m.InstanceID, m.GatewayMessageID)
	if id, ok := r.inbound[k]; ok {
		return *r.byID[id], false, nil
	}
	m.Direction = DirectionInbound
	cp := m
	r.byID[m.ID] = &cp
	r.inbound[k] = m.ID
	return m, true, nil
}

func (r *MemoryRepo) InsertOutbound(ctx context.Context, m Message) error {
	if m.ID == "" || m.OrgID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m.Direction = DirectionOutbound
	cp := m
	r.byID[m.ID] = &cp
	if m.ProviderMessageID != "" {
		r.provider[dedupKey(m.InstanceID, m.ProviderMessageID)] = m.ID
	}
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, orgID, id string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok || (orgID != "" && m.OrgID != orgID) {
		return Message{}, ErrNotFound
	}
	return *m, nil
}

func (r *MemoryRepo) FindOutboundByProviderID(ctx context.Context, instanceID, providerMessageID string) (Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.provider[dedupKey(instanceID, providerMessageID)]
	if !ok {
		return Message{}, false, nil
	}
	return *r.byID[id], true, nil
}

func (r *MemoryRepo) MarkProcessed(ctx context.Context, id, sessionID string, tokens int, at time.Time) error {
	if tokens < 0 {
		return ErrInvalidArgument
	}
	return r.Mutate(id, func(m *Message) error {
		if m.BillingStatus != BillingPending {
			return ErrConflict
		}
		m.SessionID = sessionID
		m.TokensUsed = tokens
		t := at
		m.ProcessedAt = &t
		m.UpdatedAt = at
		return nil
	})
}

func (r *MemoryRepo) UpdateDelivery(ctx context.Context, id string, expected gateway.DeliveryStatus, u DeliveryUpdate, at time.Time) (bool, error) {
	updated := false
	err := r.Mutate(id, func(m *Message) error {
		if m.DeliveryStatus != expected {
			return nil
		}
		m.DeliveryStatus = u.Status
		if u.ProviderMessageID != "" {
			m.ProviderMessageID = u.ProviderMessageID
			r.provider[dedupKey(m.InstanceID, u.ProviderMessageID)] = m.ID
		}
		if u.Attempts > 0 {
			m.DeliveryAttempts = u.Attempts
		}
		if u.LastError != "" {
			m.LastError = u.LastError
		}
		m.UpdatedAt = at
		updated = true
		return nil
	})
	return updated, err
}

func (r *MemoryRepo) List(ctx context.Context, orgID string, from, to time.Time) ([]Message, error) {
	if orgID == "" {
		return nil, ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, 0)
	for _, m := range r.byID {
		if m.OrgID != orgID {
			continue
		}
		if !m.CreatedAt.IsZero() && (m.CreatedAt.Before(from) || !m.CreatedAt.Before(to)) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Mutate runs fn on the stored message under the repository lock.
// An error from fn leaves the row unchanged.
func (r *MemoryRepo) Mutate(id string, fn func(m *Message) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	cp := *m
	if err := fn(&cp); err != nil {
		return err
	}
	*m = cp
	return nil
}

// Count returns the number of stored messages.
func (r *MemoryRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
