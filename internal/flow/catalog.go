package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatflow-platform/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// Repository is the flow storage capability the catalog needs.
type Repository interface {
	// ListActive returns the org's flows with status active.
	ListActive(ctx context.Context, orgID string) ([]Flow, error)
	Get(ctx context.Context, orgID, id string) (Flow, error)
	Save(ctx context.Context, f Flow) error
}

// Catalog caches compiled graphs per org. Concurrent misses for one org share
// a single repository load.
type Catalog struct {
	repo  Repository
	ttl   time.Duration
	clock func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]cachedOrg
	// gens is bumped by Invalidate; a load started under an older
	// generation is returned to its callers but never cached.
	gens map[string]uint64
}

type cachedOrg struct {
	graphs   []*Graph
	loadedAt time.Time
}

// NewCatalog returns a catalog; ttl <= 0 disables caching.
func NewCatalog(repo Repository, ttl time.Duration) *Catalog {
	return &Catalog{repo: repo, ttl: ttl, clock: time.Now, cache: map[string]cachedOrg{}, gens: map[string]uint64{}}
}

// Active returns the org's active graphs ordered by priority then creation.
func (c *Catalog) Active(ctx context.Context, orgID string) ([]*Graph, error) {
	if orgID == "" {
		return nil, ErrInvalidArgument
	}
	if c.ttl > 0 {
		c.mu.RLock()
		e, ok := c.cache[orgID]
		c.mu.RUnlock()
		if ok && c.clock().Sub(e.loadedAt) < c.ttl {
			return e.graphs, nil
		}
	}

	ch := c.group.DoChan(orgID, func() (any, error) {
		return c.load(context.WithoutCancel(ctx), orgID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]*Graph), nil
	}
}

func (c *Catalog) load(ctx context.Context, orgID string) ([]*Graph, error) {
	c.mu.RLock()
	gen := c.gens[orgID]
	c.mu.RUnlock()

	flows, err := c.repo.ListActive(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load flows for org %s: %w", orgID, err)
	}
	sort.SliceStable(flows, func(i, j int) bool {
		if flows[i].Priority != flows[j].Priority {
			return flows[i].Priority < flows[j].Priority
		}
		return flows[i].CreatedAt.Before(flows[j].CreatedAt)
	})
	graphs := make([]*Graph, 0, len(flows))
	for _, f := range flows {
		graphs = append(graphs, Compile(f))
	}
	if c.ttl > 0 {
		c.mu.Lock()
		if c.gens[orgID] == gen {
			c.cache[orgID] = cachedOrg{graphs: graphs, loadedAt: c.clock()}
		}
		c.mu.Unlock()
	}
	logger.From(ctx).Debug("flow catalog loaded", "org_id", orgID, "flows", len(graphs))
	return graphs, nil
}

// Graph returns the graph a session points at. Flows that are no longer
// active are still loaded so running sessions can finish.
func (c *Catalog) Graph(ctx context.Context, orgID, flowID string) (*Graph, error) {
	if flowID == "" {
		return nil, ErrNotFound
	}
	active, err := c.Active(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for _, g := range active {
		if g.ID() == flowID {
			return g, nil
		}
	}
	f, err := c.repo.Get(ctx, orgID, flowID)
	if err != nil {
		return nil, err
	}
	return Compile(f), nil
}

// Get reads one flow of the org regardless of status. Not cached.
func (c *Catalog) Get(ctx context.Context, orgID, flowID string) (Flow, error) {
	if orgID == "" || flowID == "" {
		return Flow{}, ErrInvalidArgument
	}
	return c.repo.Get(ctx, orgID, flowID)
}

// Save validates and stores f, then drops the org's cached graphs.
func (c *Catalog) Save(ctx context.Context, f Flow) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := c.repo.Save(ctx, f); err != nil {
		return err
	}
	c.Invalidate(f.OrgID)
	return nil
}

func (c *Catalog) Invalidate(orgID string) {
	c.mu.Lock()
	delete(c.cache, orgID)
	c.gens[orgID]++
	c.mu.Unlock()
	c.group.Forget(orgID)
}
