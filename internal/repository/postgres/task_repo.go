package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/alexander-uploads/internal/domain"
	"github.com/prn-tf/alexander-uploads/internal/repository"
)

// taskRepository implements repository.TaskRepository.
type taskRepository struct {
	db *DB
}

// NewTaskRepository creates a new PostgreSQL task repository.
func NewTaskRepository(db *DB) repository.TaskRepository {
	return &taskRepository{db: db}
}

const taskColumns = `id, owner_id, file_name, file_size, content_hash, mime_type, chunk_size, total_chunks,
	bucket, object_key, biz_type, biz_id, status, file_id, failure_reason,
	created_at, updated_at, expires_at, completed_at`

// Create stores the task and its slots in one transaction.
// Slots are written with COPY.
func (r *taskRepository) Create(ctx context.Context, task *domain.UploadTask, slots []*domain.ChunkSlot) error {
	return r.db.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return insertTask(ctx, tx, task, slots)
	})
}

// insertTask writes the task row and its chunk slots inside tx.
func insertTask(ctx context.Context, tx pgx.Tx, task *domain.UploadTask, slots []*domain.ChunkSlot) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO upload_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		task.ID,
		task.OwnerID,
		task.FileName,
		task.FileSize,
		task.ContentHash,
		task.MimeType,
		task.ChunkSize,
		task.TotalChunks,
		task.Bucket,
		task.ObjectKey,
		task.BizType,
		task.BizID,
		string(task.Status),
		task.FileID,
		task.FailureReason,
		task.CreatedAt,
		task.UpdatedAt,
		task.ExpiresAt,
		task.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create upload task: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"upload_chunks"},
		[]string{"task_id", "chunk_number", "status", "etag", "url_expires_at", "updated_at"},
		pgx.CopyFromSlice(len(slots), func(i int) ([]any, error) {
			s := slots[i]
			return []any{task.ID, s.Number, string(s.Status), s.ETag, s.URLExpiresAt, s.UpdatedAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create chunk slots: %w", err)
	}

	return nil
}

// GetByID retrieves a task by ID.
func (r *taskRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.UploadTask, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM upload_tasks WHERE id = $1`, id)

	task, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get upload task: %w", err)
	}
	return task, nil
}

// ListChunks returns the slots of a task ordered by chunk number.
func (r *taskRepository) ListChunks(ctx context.Context, taskID uuid.UUID) ([]*domain.ChunkSlot, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT chunk_number, status, etag, url_expires_at, updated_at
		FROM upload_chunks
		WHERE task_id = $1
		ORDER BY chunk_number ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var slots []*domain.ChunkSlot
	for rows.Next() {
		s := &domain.ChunkSlot{TaskID: taskID}
		var status string
		if err := rows.Scan(&s.Number, &status, &s.ETag, &s.URLExpiresAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		s.Status = domain.ChunkStatus(status)
		slots = append(slots, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	return slots, nil
}

// MarkChunksCompleted records completion tokens while the task is UPLOADING.
// The task row is locked so a concurrent terminal transition waits.
func (r *taskRepository) MarkChunksCompleted(ctx context.Context, taskID uuid.UUID, reports []domain.ChunkReport) (int, error) {
	applied := 0
	err := r.db.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM upload_tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&status)
		if err != nil {
			if isNoRows(err) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("failed to read task status: %w", err)
		}
		if domain.TaskStatus(status) != domain.TaskStatusUploading {
			return repository.ErrInvalidTransition
		}

		now := time.Now().UTC()
		batch := &pgx.Batch{}
		for _, rep := range reports {
			batch.Queue(`
				UPDATE upload_chunks SET status = $1, etag = $2, updated_at = $3
				WHERE task_id = $4 AND chunk_number = $5
			`, string(domain.ChunkStatusCompleted), rep.ETag, now, taskID, rep.ChunkNumber)
		}
		batch.Queue(`UPDATE upload_tasks SET updated_at = $1 WHERE id = $2`, now, taskID)

		results := tx.SendBatch(ctx, batch)
		for _, rep := range reports {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return fmt.Errorf("failed to update chunk %d: %w", rep.ChunkNumber, err)
			}
			applied += int(tag.RowsAffected())
		}
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to touch task: %w", err)
		}
		return results.Close()
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// UpdateChunkURLExpiry records a newly issued part URL.
func (r *taskRepository) UpdateChunkURLExpiry(ctx context.Context, taskID uuid.UUID, chunkNumber int, expiresAt time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE upload_chunks SET url_expires_at = $1, updated_at = $2
		WHERE task_id = $3 AND chunk_number = $4
	`, expiresAt, time.Now().UTC(), taskID, chunkNumber)
	if err != nil {
		return fmt.Errorf("failed to update chunk url expiry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkChunkFailed rejects one slot so the client re-uploads it.
func (r *taskRepository) MarkChunkFailed(ctx context.Context, taskID uuid.UUID, chunkNumber int) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE upload_chunks SET status = $1, etag = '', updated_at = $2
		WHERE task_id = $3 AND chunk_number = $4
	`, string(domain.ChunkStatusFailed), time.Now().UTC(), taskID, chunkNumber)
	if err != nil {
		return fmt.Errorf("failed to mark chunk %d failed: %w", chunkNumber, err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Transition moves a task between statuses with a compare-and-swap.
func (r *taskRepository) Transition(ctx context.Context, id uuid.UUID, from, to domain.TaskStatus, reason string) error {
	if !from.CanTransitionTo(to) {
		return repository.ErrInvalidTransition
	}

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE upload_tasks SET status = $1, failure_reason = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`, string(to), reason, time.Now().UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM upload_tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check task: %w", err)
		}
		if !exists {
			return repository.ErrNotFound
		}
		return repository.ErrInvalidTransition
	}
	return nil
}

// Finalize completes the task, stores the file and registers the hash.
func (r *taskRepository) Finalize(ctx context.Context, taskID uuid.UUID, file *domain.FileRecord) error {
	return r.db.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		tag, err := tx.Exec(ctx, `
			UPDATE upload_tasks SET status = $1, file_id = $2, completed_at = $3, updated_at = $3
			WHERE id = $4 AND status = $5
		`, string(domain.TaskStatusCompleted), file.ID, now, taskID, string(domain.TaskStatusUploading))
		if err != nil {
			return fmt.Errorf("failed to complete task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrInvalidTransition
		}

		if err := insertFile(ctx, tx, file); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO dedup_index (content_hash, file_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (content_hash) DO NOTHING
		`, file.ContentHash, file.ID, now)
		if err != nil {
			return fmt.Errorf("failed to register content hash: %w", err)
		}

		return nil
	})
}

// ListExpired returns UPLOADING tasks past their deadline.
func (r *taskRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.UploadTask, error) {
	return r.list(ctx, `
		SELECT `+taskColumns+` FROM upload_tasks
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3
	`, string(domain.TaskStatusUploading), now, limit)
}

// ListTerminalBefore returns terminal tasks last touched before cutoff.
func (r *taskRepository) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.UploadTask, error) {
	return r.list(ctx, `
		SELECT `+taskColumns+` FROM upload_tasks
		WHERE status <> $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, string(domain.TaskStatusUploading), cutoff, limit)
}

// Delete removes a task; slots cascade.
func (r *taskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM upload_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *taskRepository) list(ctx context.Context, query string, args ...any) ([]*domain.UploadTask, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.UploadTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

func scanTask(row pgx.Row) (*domain.UploadTask, error) {
	task := &domain.UploadTask{}
	var status string

	err := row.Scan(
		&task.ID,
		&task.OwnerID,
		&task.FileName,
		&task.FileSize,
		&task.ContentHash,
		&task.MimeType,
		&task.ChunkSize,
		&task.TotalChunks,
		&task.Bucket,
		&task.ObjectKey,
		&task.BizType,
		&task.BizID,
		&status,
		&task.FileID,
		&task.FailureReason,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.ExpiresAt,
		&task.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	return task, nil
}
