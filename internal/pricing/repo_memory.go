package pricing

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is a simple in-memory repository useful for tests and local runs.
type MemoryRepo struct {
	mu    sync.Mutex
	Rates []TokenRate
}

func (r *MemoryRepo) Add(rate TokenRate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rates = append(r.Rates, rate)
}

func (r *MemoryRepo) FindTokenRate(ctx context.Context, orgID string, at time.Time) (TokenRate, bool, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	// Prefer the most recent effective pricing row.
	var best TokenRate
	found := false
	for _, p := range r.Rates {
		if p.OrgID != orgID || !p.activeAt(at) {
			continue
		}
		if !found || p.EffectiveFrom.After(best.EffectiveFrom) {
			best = p
			found = true
		}
	}
	return best, found, nil
}
