// Package events publishes upload lifecycle notifications for downstream
// consumers such as indexers and thumbnailers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-uploads/internal/domain"
)

// Type names an upload lifecycle event.
type Type string

const (
	TypeCompleted Type = "upload.completed"
	TypeQuick     Type = "upload.quick"
	TypeCancelled Type = "upload.cancelled"
	TypeFailed    Type = "upload.failed"
	TypeExpired   Type = "upload.expired"
)

// Event is the JSON message body.
type Event struct {
	Type        Type       `json:"type"`
	TaskID      *uuid.UUID `json:"task_id,omitempty"`
	FileID      *uuid.UUID `json:"file_id,omitempty"`
	OwnerID     string     `json:"owner_id"`
	FileName    string     `json:"file_name"`
	ContentHash string     `json:"content_hash"`
	Size        int64      `json:"size"`
	Bucket      string     `json:"bucket,omitempty"`
	ObjectKey   string     `json:"object_key,omitempty"`
	BizType     string     `json:"biz_type,omitempty"`
	BizID       string     `json:"biz_id,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// TaskEvent builds an event describing task.
func TaskEvent(t Type, task *domain.UploadTask) Event {
	id := task.ID
	return Event{
		Type:        t,
		TaskID:      &id,
		FileID:      task.FileID,
		OwnerID:     task.OwnerID,
		FileName:    task.FileName,
		ContentHash: task.ContentHash,
		Size:        task.FileSize,
		Bucket:      task.Bucket,
		ObjectKey:   task.ObjectKey,
		BizType:     task.BizType,
		BizID:       task.BizID,
		Reason:      task.FailureReason,
		OccurredAt:  time.Now().UTC(),
	}
}

// FileEvent builds an event describing a file record created without a task.
func FileEvent(t Type, file *domain.FileRecord) Event {
	id := file.ID
	return Event{
		Type:        t,
		TaskID:      file.TaskID,
		FileID:      &id,
		OwnerID:     file.OwnerID,
		FileName:    file.FileName,
		ContentHash: file.ContentHash,
		Size:        file.Size,
		Bucket:      file.Bucket,
		ObjectKey:   file.ObjectKey,
		BizType:     file.BizType,
		BizID:       file.BizID,
		OccurredAt:  time.Now().UTC(),
	}
}

// Publisher delivers events. Delivery is best effort: callers log failures
// and never roll back the state change that produced the event.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// LogPublisher writes events to the log. It is used when no queue is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher creates a publisher that logs at debug level.
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

// Publish logs evt.
func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	e := p.logger.Debug().Str("type", string(evt.Type)).Str("owner_id", evt.OwnerID)
	if evt.TaskID != nil {
		e = e.Str("task_id", evt.TaskID.String())
	}
	if evt.FileID != nil {
		e = e.Str("file_id", evt.FileID.String())
	}
	e.Msg("upload event")
	return nil
}
