// Package domain contains the core business entities for Alexander Uploads.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of an upload task.
type TaskStatus string

const (
	// TaskStatusUploading indicates chunks are still being uploaded.
	TaskStatusUploading TaskStatus = "UPLOADING"

	// TaskStatusCompleted indicates the chunks were composed into the final object.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusCancelled indicates the owner abandoned the upload.
	TaskStatusCancelled TaskStatus = "CANCELLED"

	// TaskStatusFailed indicates composition failed or the task expired.
	TaskStatusFailed TaskStatus = "FAILED"
)

// IsValid returns true if s is a known status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusUploading, TaskStatusCompleted, TaskStatusCancelled, TaskStatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true for states that can never change again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled || s == TaskStatusFailed
}

// CanTransitionTo reports whether s -> next is a legal move.
// The only legal moves are UPLOADING -> one of the terminal states.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	return s == TaskStatusUploading && next.IsTerminal()
}

// Failure reasons recorded on FAILED tasks.
const (
	FailureReasonExpired = "expired"
	FailureReasonCompose = "compose_failed"
)

// UploadTask is the server-side record of one in-flight chunked upload.
type UploadTask struct {
	// ID is the task identifier handed to the client.
	ID uuid.UUID `json:"task_id"`

	// OwnerID identifies the principal that created the task.
	OwnerID string `json:"owner_id"`

	// File descriptor
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentHash string `json:"content_hash"`
	MimeType    string `json:"mime_type,omitempty"`

	// ChunkSize is the size of every chunk except possibly the last.
	ChunkSize int64 `json:"chunk_size"`

	// TotalChunks is ceil(FileSize / ChunkSize).
	TotalChunks int `json:"total_chunks"`

	// Storage target for the composed object.
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`

	// Opaque business tags attached to the resulting FileRecord.
	BizType string `json:"biz_type,omitempty"`
	BizID   string `json:"biz_id,omitempty"`

	Status TaskStatus `json:"status"`

	// FileID is set once the task reaches COMPLETED.
	FileID *uuid.UUID `json:"file_id,omitempty"`

	// FailureReason is set when the task reaches FAILED.
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewUploadTask creates a task in the UPLOADING state expiring after ttl.
func NewUploadTask(ownerID, fileName string, fileSize int64, contentHash string, chunkSize int64, totalChunks int, ttl time.Duration) *UploadTask {
	now := time.Now().UTC()
	return &UploadTask{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		FileName:    fileName,
		FileSize:    fileSize,
		ContentHash: contentHash,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Status:      TaskStatusUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// IsExpiredAt returns true if the task deadline has passed at t.
func (t *UploadTask) IsExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsActive returns true if the task is UPLOADING and not yet expired.
func (t *UploadTask) IsActive() bool {
	return t.Status == TaskStatusUploading && !t.IsExpiredAt(time.Now().UTC())
}

// ExpectedChunks returns ceil(fileSize / chunkSize), or 0 for invalid input.
func ExpectedChunks(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}
