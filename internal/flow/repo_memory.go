package flow

import (
	"context"
	"sync"
)

type MemoryRepo struct {
	mu    sync.Mutex
	flows map[string]Flow

	// Loads counts ListActive calls.
	Loads int
}

func NewMemoryRepo(flows ...Flow) *MemoryRepo {
	r := &MemoryRepo{flows: map[string]Flow{}}
	for _, f := range flows {
		r.flows[f.ID] = f
	}
	return r
}

func (r *MemoryRepo) ListActive(ctx context.Context, orgID string) ([]Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Loads++
	var out []Flow
	for _, f := range r.flows {
		if f.OrgID == orgID && f.Status == StatusActive {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *MemoryRepo) Get(ctx context.Context, orgID, id string) (Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flows[id]
	if !ok || f.OrgID != orgID {
		return Flow{}, ErrNotFound
	}
	return f, nil
}

func (r *MemoryRepo) Save(ctx context.Context, f Flow) error {
	if f.ID == "" || f.OrgID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.flows[f.ID]; ok && cur.OrgID != f.OrgID {
		return ErrNotFound
	}
	r.flows[f.ID] = f
	return nil
}
