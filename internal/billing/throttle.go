package billing

import (
	"context"
	"sync"

	"chatflow-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Throttle records which organizations are blocked from automated processing
// after a debit failed for insufficient credits. A top-up clears the block.
type Throttle interface {
	Block(ctx context.Context, orgID string) error
	Unblock(ctx context.Context, orgID string) error
	IsBlocked(ctx context.Context, orgID string) (bool, error)
}

// RedisThrottle stores one flag key per blocked org with no expiry.
type RedisThrottle struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisThrottle(rdb *redis.Client) *RedisThrottle {
	return &RedisThrottle{rdb: rdb, prefix: "chatflow:throttle:org:"}
}

func (t *RedisThrottle) Block(ctx context.Context, orgID string) error {
	return utils.SetFlag(ctx, t.rdb, t.prefix+orgID, 0)
}

func (t *RedisThrottle) Unblock(ctx context.Context, orgID string) error {
	return utils.ClearFlag(ctx, t.rdb, t.prefix+orgID)
}

func (t *RedisThrottle) IsBlocked(ctx context.Context, orgID string) (bool, error) {
	return utils.HasFlag(ctx, t.rdb, t.prefix+orgID)
}

type MemoryThrottle struct {
	mu      sync.Mutex
	blocked map[string]bool
}

func NewMemoryThrottle() *MemoryThrottle { return &MemoryThrottle{blocked: map[string]bool{}} }

func (t *MemoryThrottle) Block(ctx context.Context, orgID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked[orgID] = true
	return nil
}

func (t *MemoryThrottle) Unblock(ctx context.Context, orgID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.blocked, orgID)
	return nil
}

func (t *MemoryThrottle) IsBlocked(ctx context.Context, orgID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked[orgID], nil
}
