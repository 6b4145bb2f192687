// Package distributed provides a Redis-backed mutual-exclusion lock, used
// when more than one process needs to coordinate against the same
// externally-shared resource.
package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock is a single SET-NX-based lock held against one Redis key,
// self-renewing at half its TTL for as long as the holder keeps it locked.
type DistributedLock struct {
	client    *redis.Client
	key       string
	value     string
	ttl       time.Duration
	stopRenew chan struct{}
}

// NewDistributedLock creates a new distributed lock.
func NewDistributedLock(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client:    client,
		key:       key,
		value:     generateLockValue(),
		ttl:       ttl,
		stopRenew: make(chan struct{}),
	}
}

func generateLockValue() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Lock acquires the lock, blocking (with a 30s default deadline) until it's
// available.
func (l *DistributedLock) Lock(ctx context.Context) error {
	return l.LockWithTimeout(ctx, 0)
}

// LockWithTimeout acquires the lock, retrying every 100ms until timeout
// elapses (or ctx is canceled).
func (l *DistributedLock) LockWithTimeout(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		if acquired {
			go l.renewLock(ctx)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock acquisition timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// TryLock attempts to acquire the lock without blocking.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to try lock: %w", err)
	}
	if acquired {
		go l.renewLock(ctx)
	}
	return acquired, nil
}

// Unlock releases the lock, refusing if this holder no longer owns it.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	close(l.stopRenew)

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if result.(int64) == 0 {
		return fmt.Errorf("lock was not held by this instance")
	}
	return nil
}

func (l *DistributedLock) renewLock(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			currentValue, err := l.client.Get(ctx, l.key).Result()
			if err != nil {
				return
			}
			if currentValue == l.value {
				l.client.Expire(ctx, l.key, l.ttl)
			} else {
				return
			}
		case <-l.stopRenew:
			return
		case <-ctx.Done():
			return
		}
	}
}

// IsLocked checks if the lock is currently held by anyone.
func (l *DistributedLock) IsLocked(ctx context.Context) (bool, error) {
	exists, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// LockManager mints locks scoped to a shared key prefix.
type LockManager struct {
	client *redis.Client
	prefix string
}

// NewLockManager creates a new lock manager.
func NewLockManager(client *redis.Client, prefix string) *LockManager {
	return &LockManager{client: client, prefix: prefix}
}

// AcquireLock builds (but does not yet take) a lock with the given key.
func (lm *LockManager) AcquireLock(key string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(lm.client, lm.prefix+key, ttl)
}
