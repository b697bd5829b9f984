// Package service provides the chunked upload orchestrator and its
// background sweeper.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-uploads/internal/domain"
	"github.com/prn-tf/alexander-uploads/internal/events"
	"github.com/prn-tf/alexander-uploads/internal/lock"
	"github.com/prn-tf/alexander-uploads/internal/metrics"
	"github.com/prn-tf/alexander-uploads/internal/repository"
	"github.com/prn-tf/alexander-uploads/internal/storage"
)

// UploadService orchestrates resumable chunked uploads. It never sees file
// bytes: clients PUT chunks straight to storage through presigned URLs.
type UploadService struct {
	tasks     repository.TaskRepository
	files     repository.FileRepository
	guard     repository.ConcurrencyGuard
	dedup     *DedupIndex
	gateway   storage.Gateway
	cleaner   *storage.Cleaner
	locker    lock.Locker
	policy    PolicySource
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	config    UploadConfig
}

// UploadConfig contains orchestrator settings.
type UploadConfig struct {
	// Bucket receives every composed object.
	Bucket string

	// PartPrefix is the key prefix for chunk parts.
	PartPrefix string

	// TaskTTL bounds the lifetime of an UPLOADING task.
	TaskTTL time.Duration

	// PartURLTTL bounds each presigned part URL. Capped by the task's
	// remaining lifetime.
	PartURLTTL time.Duration

	// DownloadURLTTL bounds the access URL returned on success.
	DownloadURLTTL time.Duration

	// LockTTL is how long a per-task lock is held before it self-expires.
	LockTTL time.Duration

	// LockRetries and LockRetryDelay bound the wait for a busy task.
	LockRetries    int
	LockRetryDelay time.Duration
}

// DefaultUploadConfig returns sensible defaults.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		Bucket:         "uploads",
		PartPrefix:     "parts",
		TaskTTL:        24 * time.Hour,
		PartURLTTL:     time.Hour,
		DownloadURLTTL: 15 * time.Minute,
		LockTTL:        2 * time.Minute,
		LockRetries:    50,
		LockRetryDelay: 100 * time.Millisecond,
	}
}

// NewUploadService creates a new UploadService.
func NewUploadService(
	repos *repository.Repositories,
	dedup *DedupIndex,
	gateway storage.Gateway,
	cleaner *storage.Cleaner,
	locker lock.Locker,
	policy PolicySource,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config UploadConfig,
) *UploadService {
	return &UploadService{
		tasks:     repos.Tasks,
		files:     repos.Files,
		guard:     repos.Guard,
		dedup:     dedup,
		gateway:   gateway,
		cleaner:   cleaner,
		locker:    locker,
		policy:    policy,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With().Str("service", "upload").Logger(),
		config:    config,
	}
}

// =============================================================================
// Input/Output Structs
// =============================================================================

// InitUploadInput contains the data needed to open an upload.
type InitUploadInput struct {
	OwnerID     string
	FileName    string
	FileSize    int64
	ContentHash string
	ChunkSize   int64
	TotalChunks int
	MimeType    string
	BizType     string
	BizID       string
}

// ChunkURL is the presigned upload URL of one chunk.
type ChunkURL struct {
	ChunkNumber int
	URL         string
	ExpiresAt   time.Time
}

// InitUploadOutput is either a new task with its chunk URLs or, when
// QuickUpload is set, a file record sharing an already stored object.
type InitUploadOutput struct {
	QuickUpload bool

	TaskID        uuid.UUID
	ChunkSize     int64
	TotalChunks   int
	ChunkURLs     []ChunkURL
	TaskExpiresAt time.Time

	FileID             uuid.UUID
	AccessURL          string
	AccessURLExpiresAt time.Time
}

// CompleteUploadInput contains the chunk completion reports of a task.
type CompleteUploadInput struct {
	TaskID  uuid.UUID
	OwnerID string
	Chunks  []domain.ChunkReport
}

// CompleteUploadOutput describes the finalized file.
type CompleteUploadOutput struct {
	FileID             uuid.UUID
	AccessURL          string
	AccessURLExpiresAt time.Time
	Status             string
}

// TaskStatusOutput reports the live progress of a task.
type TaskStatusOutput struct {
	TaskID          uuid.UUID
	Status          domain.TaskStatus
	TotalChunks     int
	CompletedChunks int
	ProgressPercent int
	MissingChunks   []int
	FailedChunks    []int
	TaskExpiresAt   time.Time
	FileID          *uuid.UUID
	FailureReason   string
}

// CompletionStatusSuccess is the Status of a successful CompleteUpload.
const CompletionStatusSuccess = "success"

// =============================================================================
// Operations
// =============================================================================

// InitUpload validates the request, short-circuits on a dedup hit and
// otherwise opens a task with one presigned URL per chunk.
func (s *UploadService) InitUpload(ctx context.Context, input InitUploadInput) (out *InitUploadOutput, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("init", start, err) }()

	policy, err := s.policy.PolicyFor(ctx, input.OwnerID, input.BizType)
	if err != nil {
		return nil, fmt.Errorf("%w: policy lookup: %v", ErrInternalError, err)
	}

	contentHash, err := validateInit(input, policy)
	if err != nil {
		return nil, err
	}

	ref, err := s.dedup.Lookup(ctx, contentHash)
	if err != nil {
		s.logger.Warn().Err(err).Str("content_hash", contentHash).Msg("dedup lookup failed, continuing with a full upload")
	}
	if ref != nil {
		return s.quickUpload(ctx, input, ref)
	}

	task := domain.NewUploadTask(input.OwnerID, input.FileName, input.FileSize, contentHash, input.ChunkSize, input.TotalChunks, s.config.TaskTTL)
	task.MimeType = input.MimeType
	task.BizType = input.BizType
	task.BizID = input.BizID
	task.Bucket = s.config.Bucket
	task.ObjectKey = storage.ObjectKey(storage.FileTypeFromMime(input.MimeType), task.ID, domain.FileExtension(input.FileName))

	urls, err := s.createTask(ctx, task, policy.MaxConcurrentUploads)
	if err != nil {
		return nil, err
	}

	s.metrics.UploadsInitiated.Inc()
	s.logger.Info().
		Str("task_id", task.ID.String()).
		Str("owner_id", task.OwnerID).
		Int64("file_size", task.FileSize).
		Int("total_chunks", task.TotalChunks).
		Msg("upload task created")

	return &InitUploadOutput{
		TaskID:        task.ID,
		ChunkSize:     task.ChunkSize,
		TotalChunks:   task.TotalChunks,
		ChunkURLs:     urls,
		TaskExpiresAt: task.ExpiresAt,
	}, nil
}

// CompleteUpload records chunk reports and, once every chunk is present,
// composes the object and finalizes the file record. Completing an already
// completed task returns the same file.
func (s *UploadService) CompleteUpload(ctx context.Context, input CompleteUploadInput) (out *CompleteUploadOutput, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("complete", start, err) }()

	task, err := s.getOwnedTask(ctx, input.TaskID, input.OwnerID)
	if err != nil {
		return nil, err
	}
	if done, err := s.terminalOutcome(ctx, task); done {
		return s.completedOutput(ctx, task, err)
	}

	reports, err := filterReports(task, input.Chunks)
	if err != nil {
		return nil, err
	}

	taskLock, err := s.lockTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	defer s.unlockTask(taskLock)

	// Another caller may have retired the task while we waited.
	task, err = s.getOwnedTask(ctx, input.TaskID, input.OwnerID)
	if err != nil {
		return nil, err
	}
	if done, err := s.terminalOutcome(ctx, task); done {
		return s.completedOutput(ctx, task, err)
	}

	if task.IsExpiredAt(time.Now().UTC()) {
		if _, err := s.expireTask(ctx, task); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("failed to retire expired task")
		}
		return nil, domain.NewDomainError(domain.ErrInvalidState, "upload task has expired", task.ID.String())
	}

	if len(reports) > 0 {
		if _, err := s.tasks.MarkChunksCompleted(ctx, task.ID, reports); err != nil {
			if errors.Is(err, repository.ErrInvalidTransition) {
				return nil, domain.NewDomainError(domain.ErrInvalidState, "upload task is no longer open", task.ID.String())
			}
			return nil, fmt.Errorf("%w: record chunks: %v", ErrInternalError, err)
		}
	}

	slots, err := s.tasks.ListChunks(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: list chunks: %v", ErrInternalError, err)
	}
	progress := domain.ProgressOf(task.TotalChunks, slots)
	if !progress.IsComplete() {
		return nil, &domain.IncompleteUploadError{
			Completed: progress.Completed,
			Total:     progress.Total,
			Missing:   progress.Missing,
		}
	}

	// From here on the work runs to completion even if the caller goes away,
	// and the task lock is extended for as long as composition takes.
	ctx = context.WithoutCancel(ctx)
	stopKeepAlive := taskLock.KeepAlive(ctx, s.config.LockTTL, func(err error) {
		s.logger.Warn().Err(err).Str("task_id", task.ID.String()).Msg("failed to extend task lock")
	})
	defer stopKeepAlive()

	if err := s.compose(ctx, task, slots); err != nil {
		if out, ok := s.settledOutput(ctx, task.ID); ok {
			return out, nil
		}
		return nil, err
	}

	file := domain.NewFileRecordFromTask(task)
	if err := s.tasks.Finalize(ctx, task.ID, file); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			if out, ok := s.settledOutput(ctx, task.ID); ok {
				return out, nil
			}
			return nil, domain.NewDomainError(domain.ErrInvalidState, "upload task is no longer open", task.ID.String())
		}
		return nil, fmt.Errorf("%w: finalize task: %v", ErrInternalError, err)
	}
	task.Status = domain.TaskStatusCompleted
	task.FileID = &file.ID

	s.releaseSlot(ctx, task)
	s.deleteParts(ctx, task)
	s.publish(ctx, events.TaskEvent(events.TypeCompleted, task))
	s.metrics.UploadsCompleted.Inc()

	s.logger.Info().
		Str("task_id", task.ID.String()).
		Str("file_id", file.ID.String()).
		Str("object_key", task.ObjectKey).
		Msg("upload completed")

	return s.completedOutput(ctx, task, nil)
}

// GetTaskStatus reports progress computed from the live chunk slots.
func (s *UploadService) GetTaskStatus(ctx context.Context, taskID uuid.UUID, ownerID string) (*TaskStatusOutput, error) {
	task, err := s.getOwnedTask(ctx, taskID, ownerID)
	if err != nil {
		return nil, err
	}

	slots, err := s.tasks.ListChunks(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: list chunks: %v", ErrInternalError, err)
	}
	progress := domain.ProgressOf(task.TotalChunks, slots)

	return &TaskStatusOutput{
		TaskID:          task.ID,
		Status:          task.Status,
		TotalChunks:     task.TotalChunks,
		CompletedChunks: progress.Completed,
		ProgressPercent: progress.Percent(),
		MissingChunks:   progress.Missing,
		FailedChunks:    progress.Failed,
		TaskExpiresAt:   task.ExpiresAt,
		FileID:          task.FileID,
		FailureReason:   task.FailureReason,
	}, nil
}

// CancelUpload retires an UPLOADING task and deletes its parts.
func (s *UploadService) CancelUpload(ctx context.Context, taskID uuid.UUID, ownerID string) (err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("cancel", start, err) }()

	task, err := s.getOwnedTask(ctx, taskID, ownerID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return invalidStateError(task)
	}

	taskLock, err := s.lockTask(ctx, task.ID)
	if err != nil {
		return err
	}
	defer s.unlockTask(taskLock)

	if err := s.tasks.Transition(ctx, task.ID, domain.TaskStatusUploading, domain.TaskStatusCancelled, ""); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return domain.NewDomainError(domain.ErrInvalidState, "upload task is no longer open", task.ID.String())
		}
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ErrTaskNotFound
		}
		return fmt.Errorf("%w: cancel task: %v", ErrInternalError, err)
	}
	task.Status = domain.TaskStatusCancelled

	s.releaseSlot(ctx, task)
	s.deleteParts(ctx, task)
	s.publish(ctx, events.TaskEvent(events.TypeCancelled, task))
	s.metrics.UploadsCancelled.Inc()

	s.logger.Info().Str("task_id", task.ID.String()).Str("owner_id", task.OwnerID).Msg("upload cancelled")
	return nil
}

// ReissueChunkURL issues a fresh presigned URL for one not yet completed
// chunk of an open task.
func (s *UploadService) ReissueChunkURL(ctx context.Context, taskID uuid.UUID, ownerID string, chunkNumber int) (*ChunkURL, error) {
	task, err := s.getOwnedTask(ctx, taskID, ownerID)
	if err != nil {
		return nil, err
	}
	if !task.IsActive() {
		if task.Status != domain.TaskStatusUploading {
			return nil, invalidStateError(task)
		}
		return nil, domain.NewDomainError(domain.ErrInvalidState, "upload task has expired", task.ID.String())
	}
	if chunkNumber < 1 || chunkNumber > task.TotalChunks {
		return nil, domain.NewDomainError(domain.ErrChunkNotFound,
			fmt.Sprintf("chunk number must be between 1 and %d", task.TotalChunks), task.ID.String())
	}

	slots, err := s.tasks.ListChunks(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: list chunks: %v", ErrInternalError, err)
	}
	for _, slot := range slots {
		if slot.Number == chunkNumber && slot.Status == domain.ChunkStatusCompleted {
			return nil, domain.NewDomainError(domain.ErrInvalidState, "chunk is already completed", task.ID.String())
		}
	}

	url, err := s.gateway.IssuePartUploadURL(ctx, task.Bucket, s.partKey(task, chunkNumber), chunkNumber, s.partURLTTL(task, time.Now().UTC()))
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrStorage, err.Error(), task.ID.String())
	}

	if err := s.tasks.UpdateChunkURLExpiry(ctx, task.ID, chunkNumber, url.ExpiresAt); err != nil {
		return nil, fmt.Errorf("%w: record url expiry: %v", ErrInternalError, err)
	}

	return &ChunkURL{ChunkNumber: chunkNumber, URL: url.URL, ExpiresAt: url.ExpiresAt}, nil
}

// =============================================================================
// Helpers
// =============================================================================

func validateInit(input InitUploadInput, policy UploadPolicy) (string, error) {
	if input.OwnerID == "" {
		return "", domain.ValidationError("ownerId", "must not be empty")
	}
	if err := domain.ValidateFileName(input.FileName); err != nil {
		return "", err
	}
	if !policy.AllowsExtension(domain.FileExtension(input.FileName)) {
		return "", domain.ValidationError("fileName", "file type is not allowed")
	}
	if input.FileSize <= 0 {
		return "", domain.ValidationError("fileSize", "must be positive")
	}
	if policy.MaxFileSize > 0 && input.FileSize > policy.MaxFileSize {
		return "", domain.ValidationError("fileSize", fmt.Sprintf("must be at most %d bytes", policy.MaxFileSize))
	}
	if input.ChunkSize < policy.MinChunkSize || input.ChunkSize <= 0 {
		return "", domain.ValidationError("chunkSize", fmt.Sprintf("must be at least %d bytes", policy.MinChunkSize))
	}
	if policy.MaxChunkSize > 0 && input.ChunkSize > policy.MaxChunkSize {
		return "", domain.ValidationError("chunkSize", fmt.Sprintf("must be at most %d bytes", policy.MaxChunkSize))
	}
	if input.TotalChunks < 1 {
		return "", domain.ValidationError("totalChunks", "must be at least 1")
	}
	if policy.MaxChunks > 0 && input.TotalChunks > policy.MaxChunks {
		return "", domain.ValidationError("totalChunks", fmt.Sprintf("must be at most %d", policy.MaxChunks))
	}
	if expected := domain.ExpectedChunks(input.FileSize, input.ChunkSize); input.TotalChunks != expected {
		return "", domain.ValidationError("totalChunks", fmt.Sprintf("must be %d for this file and chunk size", expected))
	}
	return domain.NormalizeContentHash(input.ContentHash)
}

// filterReports drops chunk numbers outside the task and rejects reports
// without a completion token.
func filterReports(task *domain.UploadTask, chunks []domain.ChunkReport) ([]domain.ChunkReport, error) {
	reports := make([]domain.ChunkReport, 0, len(chunks))
	for _, c := range chunks {
		if c.ChunkNumber < 1 || c.ChunkNumber > task.TotalChunks {
			continue
		}
		if c.ETag == "" {
			return nil, domain.ValidationError("chunks", fmt.Sprintf("chunk %d has no completion token", c.ChunkNumber))
		}
		reports = append(reports, c)
	}
	return reports, nil
}

func (s *UploadService) quickUpload(ctx context.Context, input InitUploadInput, ref *domain.FileRecord) (*InitUploadOutput, error) {
	file := domain.NewQuickUploadRecord(ref, input.OwnerID, input.FileName, input.MimeType, input.BizType, input.BizID)

	url, err := s.gateway.IssueDownloadURL(ctx, file.Bucket, file.ObjectKey, s.config.DownloadURLTTL)
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrStorage, err.Error(), file.ObjectKey)
	}

	if err := s.files.Create(ctx, file); err != nil {
		return nil, fmt.Errorf("%w: create file record: %v", ErrInternalError, err)
	}

	s.publish(ctx, events.FileEvent(events.TypeQuick, file))
	s.metrics.QuickUploads.Inc()
	s.logger.Info().
		Str("file_id", file.ID.String()).
		Str("owner_id", file.OwnerID).
		Str("content_hash", file.ContentHash).
		Msg("quick upload served from dedup index")

	return &InitUploadOutput{
		QuickUpload:        true,
		FileID:             file.ID,
		AccessURL:          url.URL,
		AccessURLExpiresAt: url.ExpiresAt,
	}, nil
}

// createTask takes the owner's upload slot and persists the task. Guards kept
// in the task store do both in one transaction; other guards are acquired
// first and released again if the task cannot be stored.
func (s *UploadService) createTask(ctx context.Context, task *domain.UploadTask, limit int) ([]ChunkURL, error) {
	urls, slots, err := s.issueChunkURLs(ctx, task)
	if err != nil {
		return nil, err
	}

	if reserver, ok := s.guard.(repository.TaskReserver); ok {
		err = reserver.CreateTask(ctx, task, slots, limit)
	} else if err = s.guard.Acquire(ctx, task.OwnerID, task.ID, limit, task.ExpiresAt); err == nil {
		if err = s.tasks.Create(ctx, task, slots); err != nil {
			s.releaseSlot(ctx, task)
		}
	}

	switch {
	case err == nil:
		return urls, nil
	case errors.Is(err, repository.ErrLimitReached):
		s.metrics.ConcurrencyRejections.Inc()
		return nil, domain.NewDomainError(domain.ErrConcurrencyLimitExceeded,
			fmt.Sprintf("at most %d uploads may be open at once", limit), task.OwnerID)
	default:
		return nil, fmt.Errorf("%w: create task: %v", ErrInternalError, err)
	}
}

func (s *UploadService) issueChunkURLs(ctx context.Context, task *domain.UploadTask) ([]ChunkURL, []*domain.ChunkSlot, error) {
	ttl := s.partURLTTL(task, time.Now().UTC())
	urls := make([]ChunkURL, 0, task.TotalChunks)
	slots := domain.NewChunkSlots(task.ID, task.TotalChunks, time.Time{})

	for _, slot := range slots {
		url, err := s.gateway.IssuePartUploadURL(ctx, task.Bucket, s.partKey(task, slot.Number), slot.Number, ttl)
		if err != nil {
			return nil, nil, domain.NewDomainError(domain.ErrStorage,
				fmt.Sprintf("issue url for chunk %d: %v", slot.Number, err), task.ID.String())
		}
		slot.URLExpiresAt = url.ExpiresAt
		urls = append(urls, ChunkURL{ChunkNumber: slot.Number, URL: url.URL, ExpiresAt: url.ExpiresAt})
	}
	return urls, slots, nil
}

func (s *UploadService) partURLTTL(task *domain.UploadTask, now time.Time) time.Duration {
	ttl := s.config.PartURLTTL
	if remaining := task.ExpiresAt.Sub(now); remaining < ttl {
		ttl = remaining
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *UploadService) partKey(task *domain.UploadTask, chunkNumber int) string {
	return storage.PartKey(s.config.PartPrefix, task.ObjectKey, chunkNumber)
}

// compose assembles the parts in chunk order. A failure retires the task as
// FAILED; the parts stay in storage for the sweeper or an operator.
func (s *UploadService) compose(ctx context.Context, task *domain.UploadTask, slots []*domain.ChunkSlot) error {
	domain.SortSlots(slots)
	parts := make([]storage.PartRef, 0, len(slots))
	for _, slot := range slots {
		parts = append(parts, storage.PartRef{
			Number: slot.Number,
			Key:    s.partKey(task, slot.Number),
			ETag:   slot.ETag,
		})
	}

	start := time.Now()
	err := s.gateway.ComposeParts(ctx, task.Bucket, task.ObjectKey, parts)
	s.metrics.ComposeDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}

	s.logger.Error().Err(err).
		Str("task_id", task.ID.String()).
		Str("object_key", task.ObjectKey).
		Int("parts", len(parts)).
		Msg("failed to compose parts")

	terr := s.tasks.Transition(ctx, task.ID, domain.TaskStatusUploading, domain.TaskStatusFailed, domain.FailureReasonCompose)
	switch {
	case errors.Is(terr, repository.ErrInvalidTransition):
		s.logger.Warn().Str("task_id", task.ID.String()).Msg("task left UPLOADING during compose")
	case terr != nil:
		s.logger.Error().Err(terr).Str("task_id", task.ID.String()).Msg("failed to mark task failed")
	default:
		task.Status = domain.TaskStatusFailed
		task.FailureReason = domain.FailureReasonCompose
		s.markPartFailed(ctx, task, err)
		s.releaseSlot(ctx, task)
		s.publish(ctx, events.TaskEvent(events.TypeFailed, task))
		s.metrics.UploadsFailed.WithLabelValues(domain.FailureReasonCompose).Inc()
	}

	return domain.NewDomainError(domain.ErrStorage, "compose failed: "+err.Error(), task.ID.String())
}

// markPartFailed records which chunk broke composition so status reports it.
func (s *UploadService) markPartFailed(ctx context.Context, task *domain.UploadTask, err error) {
	var partErr *storage.PartError
	if !errors.As(err, &partErr) {
		return
	}
	if merr := s.tasks.MarkChunkFailed(ctx, task.ID, partErr.Number); merr != nil {
		s.logger.Error().Err(merr).
			Str("task_id", task.ID.String()).
			Int("chunk_number", partErr.Number).
			Msg("failed to mark chunk failed")
	}
}

// settledOutput answers idempotently when another caller completed the task
// while this one was composing.
func (s *UploadService) settledOutput(ctx context.Context, taskID uuid.UUID) (*CompleteUploadOutput, bool) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil || task.Status != domain.TaskStatusCompleted {
		return nil, false
	}
	out, err := s.completedOutput(ctx, task, nil)
	if err != nil {
		return nil, false
	}
	return out, true
}

// expireTask moves an expired UPLOADING task to FAILED. It returns false when
// another path retired the task first.
func (s *UploadService) expireTask(ctx context.Context, task *domain.UploadTask) (bool, error) {
	err := s.tasks.Transition(ctx, task.ID, domain.TaskStatusUploading, domain.TaskStatusFailed, domain.FailureReasonExpired)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	task.Status = domain.TaskStatusFailed
	task.FailureReason = domain.FailureReasonExpired

	s.releaseSlot(ctx, task)
	s.deleteParts(ctx, task)
	s.publish(ctx, events.TaskEvent(events.TypeExpired, task))
	s.metrics.UploadsFailed.WithLabelValues(domain.FailureReasonExpired).Inc()

	s.logger.Info().Str("task_id", task.ID.String()).Str("owner_id", task.OwnerID).Msg("expired upload task retired")
	return true, nil
}

// terminalOutcome reports whether task is already terminal. For a COMPLETED
// task the error is nil so the caller answers idempotently.
func (s *UploadService) terminalOutcome(_ context.Context, task *domain.UploadTask) (bool, error) {
	switch {
	case task.Status == domain.TaskStatusCompleted:
		return true, nil
	case task.Status.IsTerminal():
		return true, invalidStateError(task)
	}
	return false, nil
}

func (s *UploadService) completedOutput(ctx context.Context, task *domain.UploadTask, err error) (*CompleteUploadOutput, error) {
	if err != nil {
		return nil, err
	}
	if task.FileID == nil {
		return nil, fmt.Errorf("%w: completed task %s has no file", ErrInternalError, task.ID)
	}

	url, err := s.gateway.IssueDownloadURL(ctx, task.Bucket, task.ObjectKey, s.config.DownloadURLTTL)
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrStorage, err.Error(), task.ObjectKey)
	}

	return &CompleteUploadOutput{
		FileID:             *task.FileID,
		AccessURL:          url.URL,
		AccessURLExpiresAt: url.ExpiresAt,
		Status:             CompletionStatusSuccess,
	}, nil
}

func (s *UploadService) getOwnedTask(ctx context.Context, taskID uuid.UUID, ownerID string) (*domain.UploadTask, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewDomainError(domain.ErrTaskNotFound, "no such upload task", taskID.String())
		}
		return nil, fmt.Errorf("%w: get task: %v", ErrInternalError, err)
	}
	if task.OwnerID != ownerID {
		return nil, domain.NewDomainError(domain.ErrForbidden, "upload task belongs to another owner", taskID.String())
	}
	return task, nil
}

func invalidStateError(task *domain.UploadTask) error {
	return domain.NewDomainError(domain.ErrInvalidState,
		fmt.Sprintf("upload task is %s", task.Status), task.ID.String())
}

func (s *UploadService) lockTask(ctx context.Context, taskID uuid.UUID) (*lock.Lock, error) {
	l := lock.New(s.locker, lock.Keys.TaskMutation(taskID))
	acquired, err := l.Acquire(ctx, s.config.LockTTL, s.config.LockRetries, s.config.LockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%w: lock task: %v", ErrInternalError, err)
	}
	if !acquired {
		return nil, domain.NewDomainError(domain.ErrTaskBusy, "another operation on this task is in progress", taskID.String())
	}
	return l, nil
}

func (s *UploadService) unlockTask(l *lock.Lock) {
	if err := l.Release(context.Background()); err != nil {
		s.logger.Error().Err(err).Str("key", l.Key()).Msg("failed to release task lock")
	}
}

func (s *UploadService) releaseSlot(ctx context.Context, task *domain.UploadTask) {
	released, err := s.guard.Release(ctx, task.OwnerID, task.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("failed to release upload slot")
		return
	}
	if !released {
		s.logger.Debug().Str("task_id", task.ID.String()).Msg("upload slot already released")
	}
}

// deleteParts removes every part object of task and reports whether all of
// them are gone. Failures are logged as a partial failure and left for the
// sweeper.
func (s *UploadService) deleteParts(ctx context.Context, task *domain.UploadTask) bool {
	keys := storage.PartKeys(s.config.PartPrefix, task.ObjectKey, task.TotalChunks)
	failed, err := s.cleaner.DeleteAll(ctx, task.Bucket, keys)
	if err == nil {
		return true
	}

	s.metrics.CleanupFailures.Add(float64(len(failed)))
	s.logger.Warn().
		Err(fmt.Errorf("%w: %v", domain.ErrPartialFailure, err)).
		Str("task_id", task.ID.String()).
		Int("failed", len(failed)).
		Msg("part cleanup incomplete")
	return false
}

func (s *UploadService) publish(ctx context.Context, evt events.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).Str("type", string(evt.Type)).Msg("failed to publish upload event")
	}
}
