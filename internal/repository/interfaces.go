// Package repository defines data access interfaces for Alexander Uploads.
// Implementations live in the sqlite and postgres sub-packages and in the
// Redis-backed cache package.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/alexander-uploads/internal/domain"
)

// TaskRepository persists upload tasks and their chunk slots.
// Every state change is a compare-and-swap on the current status so
// concurrent writers can never move a task out of a terminal state.
type TaskRepository interface {
	// Create stores the task and all of its slots atomically.
	Create(ctx context.Context, task *domain.UploadTask, slots []*domain.ChunkSlot) error

	// GetByID retrieves a task.
	// Returns ErrNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.UploadTask, error)

	// ListChunks returns the task's slots ordered by chunk number.
	ListChunks(ctx context.Context, taskID uuid.UUID) ([]*domain.ChunkSlot, error)

	// MarkChunksCompleted records completion tokens for the reported chunks.
	// Reports for chunk numbers the task does not have are ignored.
	// Returns ErrInvalidTransition if the task is no longer UPLOADING.
	MarkChunksCompleted(ctx context.Context, taskID uuid.UUID, reports []domain.ChunkReport) (applied int, err error)

	// UpdateChunkURLExpiry records that a new part URL was issued.
	// Returns ErrNotFound if the slot does not exist.
	UpdateChunkURLExpiry(ctx context.Context, taskID uuid.UUID, chunkNumber int, expiresAt time.Time) error

	// MarkChunkFailed moves a slot to FAILED and clears its completion token.
	// Returns ErrNotFound if the slot does not exist.
	MarkChunkFailed(ctx context.Context, taskID uuid.UUID, chunkNumber int) error

	// Transition moves the task from one status to another.
	// Returns ErrInvalidTransition if the task is not currently in from.
	Transition(ctx context.Context, id uuid.UUID, from, to domain.TaskStatus, reason string) error

	// Finalize marks the task COMPLETED, stores the file record and
	// registers the content hash in the dedup index, in one transaction.
	// Returns ErrInvalidTransition if the task is no longer UPLOADING.
	Finalize(ctx context.Context, taskID uuid.UUID, file *domain.FileRecord) error

	// ListExpired returns UPLOADING tasks whose deadline is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.UploadTask, error)

	// ListTerminalBefore returns terminal tasks last updated before cutoff.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.UploadTask, error)

	// Delete removes a task and its slots.
	Delete(ctx context.Context, id uuid.UUID) error
}

// FileRepository persists file records and the content-hash dedup index.
type FileRepository interface {
	// Create stores a file record.
	Create(ctx context.Context, file *domain.FileRecord) error

	// GetByID retrieves a file record.
	// Returns ErrNotFound if the record does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.FileRecord, error)

	// GetDedupReference returns the reference record for a content hash.
	// Returns ErrNotFound if the hash is not indexed.
	GetDedupReference(ctx context.Context, contentHash string) (*domain.FileRecord, error)

	// DeleteDedup removes the index entry for a content hash.
	DeleteDedup(ctx context.Context, contentHash string) error
}

// ConcurrencyGuard tracks open upload tasks per owner.
// Entries are keyed by task id so Acquire and Release are idempotent, and
// carry the task deadline so entries of crashed requests heal on their own.
type ConcurrencyGuard interface {
	// Acquire records taskID against ownerID.
	// Returns ErrLimitReached if the owner already holds limit live entries.
	// A limit <= 0 disables the ceiling.
	Acquire(ctx context.Context, ownerID string, taskID uuid.UUID, limit int, expiresAt time.Time) error

	// Release drops the entry for taskID.
	// Returns true if an entry was removed.
	Release(ctx context.Context, ownerID string, taskID uuid.UUID) (bool, error)

	// Count returns the number of live entries for ownerID.
	Count(ctx context.Context, ownerID string) (int, error)
}

// TaskReserver is implemented by guards that live in the task store. They
// take the owner's slot in the same transaction that creates the task.
type TaskReserver interface {
	// CreateTask acquires the slot for task and stores it with its chunk slots.
	// Returns ErrLimitReached, leaving nothing written, if the owner is at limit.
	CreateTask(ctx context.Context, task *domain.UploadTask, slots []*domain.ChunkSlot, limit int) error
}
