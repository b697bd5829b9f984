package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-uploads/internal/lock"
	"github.com/prn-tf/alexander-uploads/internal/metrics"
	"github.com/prn-tf/alexander-uploads/internal/repository"
)

// ExpirySweeper retires UPLOADING tasks past their deadline and purges
// terminal tasks after a retention period.
type ExpirySweeper struct {
	uploads *UploadService
	tasks   repository.TaskRepository
	locker  lock.Locker
	metrics *metrics.Metrics
	logger  zerolog.Logger
	config  SweeperConfig

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// SweeperConfig contains sweeper configuration.
type SweeperConfig struct {
	// Interval is how often the sweeper runs.
	Interval time.Duration

	// BatchSize is the maximum number of tasks handled per phase and run.
	BatchSize int

	// Retention is how long terminal tasks are kept. Zero disables purging.
	Retention time.Duration

	// DryRun logs what would be retired without changing anything.
	DryRun bool
}

// DefaultSweeperConfig returns sensible defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  5 * time.Minute,
		BatchSize: 500,
		Retention: 7 * 24 * time.Hour,
	}
}

// SweepResult contains the result of one sweeper run.
type SweepResult struct {
	// Expired is the number of tasks moved to FAILED.
	Expired int

	// Purged is the number of terminal tasks deleted.
	Purged int

	// Skipped counts tasks that were busy or already retired by a request.
	Skipped int

	// Errors is the number of errors encountered.
	Errors int

	// Duration is how long the run took.
	Duration time.Duration
}

// NewExpirySweeper creates a sweeper that retires tasks through uploads.
func NewExpirySweeper(
	uploads *UploadService,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config SweeperConfig,
) *ExpirySweeper {
	return &ExpirySweeper{
		uploads:  uploads,
		tasks:    uploads.tasks,
		locker:   locker,
		metrics:  m,
		logger:   logger.With().Str("service", "sweeper").Logger(),
		config:   config,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the sweep scheduler.
func (s *ExpirySweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Dur("retention", s.config.Retention).
		Int("batch_size", s.config.BatchSize).
		Bool("dry_run", s.config.DryRun).
		Msg("Starting expiry sweeper")

	go s.runLoop()
}

// Stop stops the scheduler and waits for an in-flight run.
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	<-s.doneChan

	s.logger.Info().Msg("Expiry sweeper stopped")
}

func (s *ExpirySweeper) runLoop() {
	defer close(s.doneChan)

	s.RunOnce(context.Background())

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// RunOnce executes a single sweep. Only one replica sweeps at a time.
func (s *ExpirySweeper) RunOnce(ctx context.Context) SweepResult {
	start := time.Now()
	result := SweepResult{}

	lockTTL := s.config.Interval / 2
	if lockTTL < time.Minute {
		lockTTL = time.Minute
	}

	runLock := lock.New(s.locker, lock.Keys.Sweeper())
	acquired, err := runLock.TryAcquire(ctx, lockTTL)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to acquire sweeper lock")
		result.Errors++
		result.Duration = time.Since(start)
		return result
	}
	if !acquired {
		s.logger.Debug().Msg("Sweeper lock held by another process, skipping run")
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if err := runLock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error().Err(err).Msg("Failed to release sweeper lock")
		}
	}()

	s.expire(ctx, &result)
	if s.config.Retention > 0 {
		s.purge(ctx, &result)
	}

	result.Duration = time.Since(start)

	s.metrics.SweeperExpired.Add(float64(result.Expired))
	s.metrics.SweeperPurged.Add(float64(result.Purged))
	s.metrics.SweeperDuration.Observe(result.Duration.Seconds())
	s.metrics.SweeperLastRun.SetToCurrentTime()

	if result.Expired > 0 || result.Purged > 0 || result.Errors > 0 {
		s.logger.Info().
			Int("expired", result.Expired).
			Int("purged", result.Purged).
			Int("skipped", result.Skipped).
			Int("errors", result.Errors).
			Dur("duration", result.Duration).
			Msg("Sweep completed")
	}

	return result
}

// expire retires UPLOADING tasks whose deadline has passed. A task locked by
// an in-flight request is left for the next run.
func (s *ExpirySweeper) expire(ctx context.Context, result *SweepResult) {
	tasks, err := s.tasks.ListExpired(ctx, time.Now().UTC(), s.config.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list expired tasks")
		result.Errors++
		return
	}

	for _, task := range tasks {
		if s.config.DryRun {
			s.logger.Info().
				Str("task_id", task.ID.String()).
				Time("expires_at", task.ExpiresAt).
				Msg("[DRY RUN] Would expire upload task")
			result.Expired++
			continue
		}

		taskLock := lock.New(s.locker, lock.Keys.TaskMutation(task.ID))
		acquired, err := taskLock.TryAcquire(ctx, s.uploads.config.LockTTL)
		if err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("Failed to lock task")
			result.Errors++
			continue
		}
		if !acquired {
			result.Skipped++
			continue
		}

		retired, err := s.uploads.expireTask(ctx, task)
		if rerr := taskLock.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Error().Err(rerr).Str("task_id", task.ID.String()).Msg("Failed to release task lock")
		}

		switch {
		case err != nil:
			s.logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("Failed to expire task")
			result.Errors++
		case retired:
			result.Expired++
		default:
			result.Skipped++
		}
	}
}

// purge deletes terminal tasks older than the retention period. Part objects
// are deleted again first, whatever the final state, in case an earlier
// cleanup left some behind. A task whose parts cannot all be deleted is kept
// for the next run.
func (s *ExpirySweeper) purge(ctx context.Context, result *SweepResult) {
	cutoff := time.Now().UTC().Add(-s.config.Retention)
	tasks, err := s.tasks.ListTerminalBefore(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list terminal tasks")
		result.Errors++
		return
	}

	for _, task := range tasks {
		if s.config.DryRun {
			s.logger.Info().
				Str("task_id", task.ID.String()).
				Str("status", string(task.Status)).
				Msg("[DRY RUN] Would purge upload task")
			result.Purged++
			continue
		}

		// The row is the only record of leftover parts, so it outlives them.
		if !s.uploads.deleteParts(ctx, task) {
			result.Skipped++
			continue
		}

		if err := s.tasks.Delete(ctx, task.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("Failed to purge task")
			result.Errors++
			continue
		}
		result.Purged++
	}
}
