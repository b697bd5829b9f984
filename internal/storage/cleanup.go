package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// Cleaner deletes part objects on a bounded worker pool.
type Cleaner struct {
	gateway Gateway
	pool    *ants.Pool
	logger  zerolog.Logger
}

// NewCleaner creates a cleaner running at most workers deletions at once.
func NewCleaner(gateway Gateway, workers int, logger zerolog.Logger) (*Cleaner, error) {
	if workers <= 0 {
		workers = 1
	}

	pool, err := ants.NewPool(workers, ants.WithOptions(ants.Options{
		ExpiryDuration: 30 * time.Second,
		PanicHandler: func(p any) {
			logger.Error().Interface("panic", p).Msg("part cleanup worker panicked")
		},
	}))
	if err != nil {
		return nil, fmt.Errorf("create cleanup pool: %w", err)
	}

	return &Cleaner{
		gateway: gateway,
		pool:    pool,
		logger:  logger.With().Str("component", "part_cleaner").Logger(),
	}, nil
}

// DeleteAll removes every key and returns the keys that could not be removed
// together with the joined errors.
func (c *Cleaner) DeleteAll(ctx context.Context, bucket string, keys []string) ([]string, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
		errs   []error
	)

	fail := func(key string, err error) {
		mu.Lock()
		failed = append(failed, key)
		errs = append(errs, fmt.Errorf("%s: %w", key, err))
		mu.Unlock()
	}

	for _, key := range keys {
		wg.Add(1)
		err := c.pool.Submit(func() {
			defer wg.Done()
			if err := c.gateway.DeleteObject(ctx, bucket, key); err != nil {
				fail(key, err)
			}
		})
		if err != nil {
			wg.Done()
			fail(key, err)
		}
	}
	wg.Wait()

	if len(failed) > 0 {
		c.logger.Warn().Str("bucket", bucket).Int("failed", len(failed)).Int("total", len(keys)).Msg("part cleanup incomplete")
	}
	return failed, errors.Join(errs...)
}

// Close releases the worker pool, waiting up to timeout for running deletes.
func (c *Cleaner) Close(timeout time.Duration) error {
	return c.pool.ReleaseTimeout(timeout)
}
