package utils

import (
	"context"
	"testing"
	"time"
)

func TestLockReleaseScriptCompiles(t *testing.T) {
	// Compile-time smoke test: script should be initialized.
	if lockReleaseScript == nil || lockExtendScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestRedisHelpers_RejectNilClient(t *testing.T) {
	ctx := context.Background()
	if _, err := TryLock(ctx, nil, "k", "t", time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if err := ReleaseLock(ctx, nil, "k", "t"); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if err := ExtendLock(ctx, nil, "k", "t", time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := HasFlag(ctx, nil, "k"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestRedisConfig_Defaults(t *testing.T) {
	c := RedisConfig{Addr: "localhost:6379"}.withDefaults()
	if c.PoolSize != 20 {
		t.Fatalf("expected pool size 20, got %d", c.PoolSize)
	}
	if c.PingTimeout != 2*time.Second {
		t.Fatalf("expected 2s ping timeout, got %s", c.PingTimeout)
	}
}
