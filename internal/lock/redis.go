package lock

import (
	"context"
	"time"

	"github.com/prn-tf/alexander-uploads/internal/repository"
)

// RedisLocker implements Locker over a repository.DistributedLock.
type RedisLocker struct {
	distributedLock repository.DistributedLock
}

// NewRedisLocker creates a new RedisLocker wrapping a DistributedLock implementation.
func NewRedisLocker(dl repository.DistributedLock) *RedisLocker {
	return &RedisLocker{distributedLock: dl}
}

// Acquire takes key for token.
func (l *RedisLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return l.distributedLock.Acquire(ctx, key, token, ttl)
}

// Release frees key if token holds it.
func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	return l.distributedLock.Release(ctx, key, token)
}

// Extend resets the TTL of key if token holds it.
func (l *RedisLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return l.distributedLock.Extend(ctx, key, token, ttl)
}

// IsHeld checks if the lock is currently held.
func (l *RedisLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	return l.distributedLock.IsHeld(ctx, key)
}

var _ Locker = (*RedisLocker)(nil)
