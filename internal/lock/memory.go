package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker implements Locker using in-memory locks.
// The locks are NOT shared across process restarts or multiple instances.
type MemoryLocker struct {
	mu     sync.Mutex
	locks  map[string]lockEntry
	stopCh chan struct{}
	once   sync.Once
}

type lockEntry struct {
	token     string
	expiresAt time.Time
}

func (e lockEntry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// NewMemoryLocker creates a new in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	ml := &MemoryLocker{
		locks:  make(map[string]lockEntry),
		stopCh: make(chan struct{}),
	}
	go ml.cleanupLoop()
	return ml
}

func (m *MemoryLocker) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *MemoryLocker) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, entry := range m.locks {
		if entry.expired(now) {
			delete(m.locks, key)
		}
	}
}

// Stop ends the cleanup goroutine.
func (m *MemoryLocker) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

// Acquire takes key for token.
func (m *MemoryLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if entry, exists := m.locks[key]; exists && !entry.expired(now) {
		return entry.token == token, nil
	}

	m.locks[key] = lockEntry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release frees key if token holds it.
func (m *MemoryLocker) Release(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[key]
	if !exists || entry.token != token {
		return false, nil
	}
	delete(m.locks, key)
	return !entry.expired(time.Now()), nil
}

// Extend resets the TTL of key if token holds it.
func (m *MemoryLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entry, exists := m.locks[key]
	if !exists || entry.token != token || entry.expired(now) {
		return false, nil
	}

	entry.expiresAt = now.Add(ttl)
	m.locks[key] = entry
	return true, nil
}

// IsHeld checks if a lock is currently held.
func (m *MemoryLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[key]
	return exists && !entry.expired(time.Now()), nil
}

var _ Locker = (*MemoryLocker)(nil)
