// Package lock provides distributed and local locking abstractions.
// For single-node deployments, memory-based locks are used.
// For distributed deployments, Redis-based locks are used.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker is the backend shared by every Lock.
// Implementations compare tokens so a holder whose lock expired cannot
// release a lock since taken by someone else.
type Locker interface {
	// Acquire takes key for token unless another token holds it.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Release frees key if token holds it.
	Release(ctx context.Context, key, token string) (bool, error)

	// Extend resets the TTL of key if token holds it.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// IsHeld reports whether anyone holds key.
	IsHeld(ctx context.Context, key string) (bool, error)
}

// Lock is a single holder's handle on a key.
type Lock struct {
	locker Locker
	key    string
	token  string

	mu   sync.Mutex
	held bool
}

// New creates a handle for key with a fresh token.
func New(locker Locker, key string) *Lock {
	return &Lock{
		locker: locker,
		key:    key,
		token:  uuid.NewString(),
	}
}

// Key returns the locked key.
func (l *Lock) Key() string {
	return l.key
}

// TryAcquire makes one attempt to take the lock.
func (l *Lock) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	acquired, err := l.locker.Acquire(ctx, l.key, l.token, ttl)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	l.held = acquired
	l.mu.Unlock()
	return acquired, nil
}

// Acquire retries up to maxRetries times, waiting retryDelay between attempts.
func (l *Lock) Acquire(ctx context.Context, ttl time.Duration, maxRetries int, retryDelay time.Duration) (bool, error) {
	for i := 0; i <= maxRetries; i++ {
		acquired, err := l.TryAcquire(ctx, ttl)
		if err != nil {
			return false, err
		}
		if acquired {
			return true, nil
		}

		if i < maxRetries {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return false, nil
}

// Release frees the lock if this handle holds it.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	_, err := l.locker.Release(ctx, l.key, l.token)
	l.held = false
	return err
}

// Extend resets the TTL. The handle is marked not held if the lock was lost.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	extended, err := l.locker.Extend(ctx, l.key, l.token, ttl)
	if err != nil {
		return err
	}
	if !extended {
		l.held = false
	}
	return nil
}

// IsHeld returns whether this handle holds the lock.
func (l *Lock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// KeepAlive extends the lock every ttl/3 until the returned stop function is
// called or the lock is lost. onErr, if set, receives failed extensions.
// stop waits for the background goroutine to exit.
func (l *Lock) KeepAlive(ctx context.Context, ttl time.Duration, onErr func(error)) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Extend(ctx, ttl); err != nil && onErr != nil {
					onErr(err)
				}
				if !l.IsHeld() {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

// =============================================================================
// Common Lock Keys
// =============================================================================

// Keys provides lock key generation for common scenarios.
var Keys = lockKeys{}

type lockKeys struct{}

// TaskMutation serialises Complete, Cancel and expiry of one upload task.
func (lockKeys) TaskMutation(taskID uuid.UUID) string {
	return "lock:upload:task:" + taskID.String()
}

// Sweeper keeps a single sweeper run active across instances.
func (lockKeys) Sweeper() string {
	return "lock:upload:sweeper"
}
