package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/prn-tf/alexander-uploads/internal/repository"
)

// guardAcquireScript keeps one sorted set per owner with task ids scored by
// their expiry in unix milliseconds.
//
//	KEYS[1]  owner set
//	ARGV[1]  now
//	ARGV[2]  task id
//	ARGV[3]  expiry
//	ARGV[4]  limit, 0 for unlimited
var guardAcquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local expires = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
if redis.call('ZSCORE', KEYS[1], ARGV[2]) then
	return 1
end
if limit > 0 and redis.call('ZCARD', KEYS[1]) >= limit then
	return 0
end
redis.call('ZADD', KEYS[1], expires, ARGV[2])
local ttl = expires - now
if ttl < 1 then
	ttl = 1
end
if redis.call('PTTL', KEYS[1]) < ttl then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// ConcurrencyGuard implements repository.ConcurrencyGuard in Redis.
type ConcurrencyGuard struct {
	client *redis.Client
}

// NewConcurrencyGuard creates a guard over client.
func NewConcurrencyGuard(client *redis.Client) *ConcurrencyGuard {
	return &ConcurrencyGuard{client: client}
}

// Acquire records taskID for ownerID unless the owner is at the limit.
func (g *ConcurrencyGuard) Acquire(ctx context.Context, ownerID string, taskID uuid.UUID, limit int, expiresAt time.Time) error {
	if limit < 0 {
		limit = 0
	}

	n, err := guardAcquireScript.Run(ctx, g.client,
		[]string{repository.CacheKeys.GuardOwner(ownerID)},
		time.Now().UnixMilli(), taskID.String(), expiresAt.UnixMilli(), limit,
	).Int()
	if err != nil {
		return fmt.Errorf("acquire upload slot: %w", err)
	}
	if n == 0 {
		return repository.ErrLimitReached
	}
	return nil
}

// Release drops the entry for taskID.
func (g *ConcurrencyGuard) Release(ctx context.Context, ownerID string, taskID uuid.UUID) (bool, error) {
	n, err := g.client.ZRem(ctx, repository.CacheKeys.GuardOwner(ownerID), taskID.String()).Result()
	if err != nil {
		return false, fmt.Errorf("release upload slot: %w", err)
	}
	return n > 0, nil
}

// Count returns the live entries for ownerID.
func (g *ConcurrencyGuard) Count(ctx context.Context, ownerID string) (int, error) {
	n, err := g.client.ZCount(ctx,
		repository.CacheKeys.GuardOwner(ownerID),
		"("+strconv.FormatInt(time.Now().UnixMilli(), 10), "+inf",
	).Result()
	if err != nil {
		return 0, fmt.Errorf("count upload slots: %w", err)
	}
	return int(n), nil
}

var _ repository.ConcurrencyGuard = (*ConcurrencyGuard)(nil)
