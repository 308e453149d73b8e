package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatflow-platform/pkg/logger"
	"chatflow-platform/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes work per conversation key. Unrelated keys never contend.
type Locker interface {
	// Lock blocks until key is held, ctx is done, or the wait times out.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// ConversationKey is the lock key for one (org, phone) pair.
func ConversationKey(orgID, phone string) string {
	return "chatflow:conv:" + orgID + ":" + phone
}

// MemoryLocker is an in-process keyed mutex. Waiters are woken in arrival order.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

type slot struct {
	sem  chan struct{}
	refs int
}

// NewMemoryLocker returns a locker; wait <= 0 waits until ctx is done.
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{slots: map[string]*slot{}, wait: wait}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	if l.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s, false)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(key, s, true) }) }, nil
}

func (l *MemoryLocker) release(key string, s *slot, held bool) {
	if held {
		<-s.sem
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// RedisLocker holds a Redis lease per key so conversations are serialized
// across API replicas. In-process callers queue on a local MemoryLocker first.
//
// The lease ttl bounds how long a crashed holder blocks the conversation; a
// live holder renews it every ttl/3 until unlock. Session version checks
// still reject a write from a holder whose lease was lost.
type RedisLocker struct {
	rdb   *redis.Client
	local *MemoryLocker
	ttl   time.Duration
	wait  time.Duration
	retry time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{
		rdb:   rdb,
		local: NewMemoryLocker(wait),
		ttl:   ttl,
		wait:  wait,
		retry: 25 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	waitCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	token := uuid.NewString()
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-waitCtx.Done():
			unlockLocal()
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				return nil, ErrLockTimeout
			}
			return nil, waitCtx.Err()
		case <-t.C:
		}

		ok, err := utils.TryLock(waitCtx, l.rdb, key, token, l.ttl)
		if err != nil {
			unlockLocal()
			return nil, err
		}
		if ok {
			break
		}
		t.Reset(l.retry)
	}

	log := logger.From(ctx).With("key", key)
	stopRenew := keepAlive(context.WithoutCancel(ctx), log, l.ttl/3, func(ctx context.Context) error {
		return utils.ExtendLock(ctx, l.rdb, key, token, l.ttl)
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenew()
			// Release must run even when the request context is already cancelled.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := utils.ReleaseLock(rctx, l.rdb, key, token); err != nil {
				level := slog.LevelError
				if errors.Is(err, utils.ErrLockNotHeld) {
					level = slog.LevelWarn
				}
				log.Log(rctx, level, "conversation lock release failed", "err", err)
			}
			unlockLocal()
		})
	}, nil
}

// keepAlive calls extend every interval until the returned stop is called or
// extend reports the lease lost. stop waits for the loop to exit.
func keepAlive(ctx context.Context, log *slog.Logger, every time.Duration, extend func(context.Context) error) (stop func()) {
	if every <= 0 {
		every = time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			rctx, rcancel := context.WithTimeout(ctx, every)
			err := extend(rctx)
			rcancel()
			switch {
			case err == nil:
			case errors.Is(err, utils.ErrLockNotHeld):
				log.Error("conversation lock lease lost while held")
				return
			case ctx.Err() != nil:
				return
			default:
				log.Warn("conversation lock renew failed", "err", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
