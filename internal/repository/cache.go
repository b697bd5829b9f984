package repository

import (
	"context"
	"time"
)

// =============================================================================
// Cache Interface (Redis)
// =============================================================================

// Cache defines the interface for caching operations.
// Implemented by Redis for multi-instance deployments and in memory otherwise.
type Cache interface {
	// Get retrieves a value by key.
	// Returns ErrCacheMiss if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with an optional TTL.
	// If ttl is 0, the value doesn't expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value by key.
	Delete(ctx context.Context, key string) error
}

// =============================================================================
// Distributed Lock Interface (Redis)
// =============================================================================

// DistributedLock defines the interface for distributed locking.
// Used to serialise mutations of one task across server instances.
// Every holder presents a token; only the matching token releases or extends.
type DistributedLock interface {
	// Acquire sets key to token if it is free.
	// Returns false if the lock is held by another token.
	// The lock will automatically expire after the specified TTL.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Release deletes key if it still holds token.
	Release(ctx context.Context, key, token string) (bool, error)

	// Extend resets the TTL of key if it still holds token.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// IsHeld checks if the lock is currently held by anyone.
	IsHeld(ctx context.Context, key string) (bool, error)
}

// =============================================================================
// Common Cache Keys
// =============================================================================

// CacheKeys generates cache keys.
var CacheKeys = cacheKeys{}

type cacheKeys struct{}

// DedupReference returns the cache key for a content hash lookup.
func (cacheKeys) DedupReference(contentHash string) string {
	return "cache:dedup:" + contentHash
}

// GuardOwner returns the key of the per-owner concurrency set.
func (cacheKeys) GuardOwner(ownerID string) string {
	return "guard:uploads:" + ownerID
}
