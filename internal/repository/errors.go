package repository

import "errors"

// Repository errors
var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a primary key or unique constraint conflict.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition indicates a compare-and-swap on task status lost.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrLimitReached indicates the concurrency guard is full for an owner.
	ErrLimitReached = errors.New("limit reached")
)

// Cache and lock errors
var (
	// ErrCacheMiss indicates the key was not found in cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheUnavailable indicates the cache is unavailable.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrLockNotOwned indicates the operation failed because we don't own the lock.
	ErrLockNotOwned = errors.New("lock not owned")
)
