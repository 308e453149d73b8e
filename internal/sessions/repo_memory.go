package sessions

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
// It enforces the one-live-session rule the same way the Postgres index does.
type MemoryRepo struct {
	mu   sync.Mutex
	byID map[string]Session
	live map[string]string // org|phone -> session id
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: map[string]Session{}, live: map[string]string{}}
}

func liveKey(orgID, phone string) string { return orgID + "|" + phone }

func (r *MemoryRepo) GetLive(ctx context.Context, orgID, phone string) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.live[liveKey(orgID, phone)]
	if !ok {
		return Session{}, false, nil
	}
	return r.byID[id].clone(), true, nil
}

func (r *MemoryRepo) Get(ctx context.Context, orgID, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok || s.OrgID != orgID {
		return Session{}, ErrNotFound
	}
	return s.clone(), nil
}

func (r *MemoryRepo) FindByLastMessage(ctx context.Context, orgID, messageID string) (Session, bool, error) {
	if messageID == "" {
		return Session{}, false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		found Session
		ok    bool
	)
	for _, s := range r.byID {
		if s.OrgID != orgID || s.LastMessageID != messageID {
			continue
		}
		if !ok || s.UpdatedAt.After(found.UpdatedAt) {
			found, ok = s, true
		}
	}
	if !ok {
		return Session{}, false, nil
	}
	return found.clone(), true, nil
}

func (r *MemoryRepo) Create(ctx context.Context, s Session) error {
	if s.ID == "" || s.OrgID == "" || s.Phone == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := liveKey(s.OrgID, s.Phone)
	if s.Status.Live() {
		if _, ok := r.live[k]; ok {
			return ErrActiveExists
		}
		r.live[k] = s.ID
	}
	r.byID[s.ID] = s.clone()
	return nil
}

func (r *MemoryRepo) Update(ctx context.Context, s Session) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[s.ID]
	if !ok || cur.OrgID != s.OrgID {
		return Session{}, ErrNotFound
	}
	if cur.Version != s.Version {
		return Session{}, ErrVersionConflict
	}
	k := liveKey(s.OrgID, s.Phone)
	if s.Status.Live() {
		if id, ok := r.live[k]; ok && id != s.ID {
			return Session{}, ErrActiveExists
		}
		r.live[k] = s.ID
	} else if r.live[k] == s.ID {
		delete(r.live, k)
	}
	s.Version++
	r.byID[s.ID] = s.clone()
	return s.clone(), nil
}
