package domain

import (
	"time"

	"github.com/google/uuid"
)

// FileRecord is the durable record of a finished upload.
// Several records may reference the same stored object through dedup.
type FileRecord struct {
	ID          uuid.UUID `json:"file_id"`
	OwnerID     string    `json:"owner_id"`
	FileName    string    `json:"file_name"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mime_type,omitempty"`
	Bucket      string    `json:"bucket"`
	ObjectKey   string    `json:"object_key"`
	BizType     string    `json:"biz_type,omitempty"`
	BizID       string    `json:"biz_id,omitempty"`

	// TaskID is the task that produced the object, nil for quick uploads.
	TaskID *uuid.UUID `json:"task_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewFileRecordFromTask builds the record for a task that is being completed.
func NewFileRecordFromTask(task *UploadTask) *FileRecord {
	taskID := task.ID
	return &FileRecord{
		ID:          uuid.New(),
		OwnerID:     task.OwnerID,
		FileName:    task.FileName,
		ContentHash: task.ContentHash,
		Size:        task.FileSize,
		MimeType:    task.MimeType,
		Bucket:      task.Bucket,
		ObjectKey:   task.ObjectKey,
		BizType:     task.BizType,
		BizID:       task.BizID,
		TaskID:      &taskID,
		CreatedAt:   time.Now().UTC(),
	}
}

// NewQuickUploadRecord builds a record for ownerID that points at the
// object already stored for ref.
func NewQuickUploadRecord(ref *FileRecord, ownerID, fileName, mimeType, bizType, bizID string) *FileRecord {
	return &FileRecord{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		FileName:    fileName,
		ContentHash: ref.ContentHash,
		Size:        ref.Size,
		MimeType:    mimeType,
		Bucket:      ref.Bucket,
		ObjectKey:   ref.ObjectKey,
		BizType:     bizType,
		BizID:       bizID,
		CreatedAt:   time.Now().UTC(),
	}
}
