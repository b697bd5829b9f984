package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/alexander-uploads/internal/domain"
	"github.com/prn-tf/alexander-uploads/internal/repository"
)

// taskRepository implements repository.TaskRepository for SQLite.
type taskRepository struct {
	db *DB
}

// NewTaskRepository creates a new SQLite task repository.
func NewTaskRepository(db *DB) repository.TaskRepository {
	return &taskRepository{db: db}
}

const taskColumns = `id, owner_id, file_name, file_size, content_hash, mime_type, chunk_size, total_chunks,
	bucket, object_key, biz_type, biz_id, status, file_id, failure_reason,
	created_at, updated_at, expires_at, completed_at`

// Create stores the task and its slots in one transaction.
func (r *taskRepository) Create(ctx context.Context, task *domain.UploadTask, slots []*domain.ChunkSlot) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		return insertTask(ctx, tx, task, slots)
	})
}

// insertTask writes the task row and its chunk slots inside tx.
func insertTask(ctx context.Context, tx *sql.Tx, task *domain.UploadTask, slots []*domain.ChunkSlot) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO upload_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID.String(),
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
		nullUUID(task.FileID),
		task.FailureReason,
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
		formatTime(task.ExpiresAt),
		nullTime(task.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create upload task: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO upload_chunks (task_id, chunk_number, status, etag, url_expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range slots {
		_, err := stmt.ExecContext(ctx,
			task.ID.String(),
			s.Number,
			string(s.Status),
			s.ETag,
			formatTime(s.URLExpiresAt),
			formatTime(s.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create chunk slot %d: %w", s.Number, err)
		}
	}

	return nil
}

// GetByID retrieves a task by ID.
func (r *taskRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.UploadTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM upload_tasks WHERE id = ?`, id.String())

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
	rows, err := r.db.QueryContext(ctx, `
		SELECT chunk_number, status, etag, url_expires_at, updated_at
		FROM upload_chunks
		WHERE task_id = ?
		ORDER BY chunk_number ASC
	`, taskID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var slots []*domain.ChunkSlot
	for rows.Next() {
		s := &domain.ChunkSlot{TaskID: taskID}
		var status, urlExpiresAt, updatedAt string
		if err := rows.Scan(&s.Number, &status, &s.ETag, &urlExpiresAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		s.Status = domain.ChunkStatus(status)
		if s.URLExpiresAt, err = parseTime(urlExpiresAt); err != nil {
			return nil, err
		}
		if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	return slots, nil
}

// MarkChunksCompleted records completion tokens while the task is UPLOADING.
func (r *taskRepository) MarkChunksCompleted(ctx context.Context, taskID uuid.UUID, reports []domain.ChunkReport) (int, error) {
	applied := 0
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM upload_tasks WHERE id = ?`, taskID.String()).Scan(&status)
		if err != nil {
			if isNoRows(err) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("failed to read task status: %w", err)
		}
		if domain.TaskStatus(status) != domain.TaskStatusUploading {
			return repository.ErrInvalidTransition
		}

		now := formatTime(time.Now())
		for _, rep := range reports {
			res, err := tx.ExecContext(ctx, `
				UPDATE upload_chunks SET status = ?, etag = ?, updated_at = ?
				WHERE task_id = ? AND chunk_number = ?
			`, string(domain.ChunkStatusCompleted), rep.ETag, now, taskID.String(), rep.ChunkNumber)
			if err != nil {
				return fmt.Errorf("failed to update chunk %d: %w", rep.ChunkNumber, err)
			}
			n, _ := res.RowsAffected()
			applied += int(n)
		}

		_, err = tx.ExecContext(ctx, `UPDATE upload_tasks SET updated_at = ? WHERE id = ?`, now, taskID.String())
		return err
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// UpdateChunkURLExpiry records a newly issued part URL.
func (r *taskRepository) UpdateChunkURLExpiry(ctx context.Context, taskID uuid.UUID, chunkNumber int, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_chunks SET url_expires_at = ?, updated_at = ?
		WHERE task_id = ? AND chunk_number = ?
	`, formatTime(expiresAt), formatTime(time.Now()), taskID.String(), chunkNumber)
	if err != nil {
		return fmt.Errorf("failed to update chunk url expiry: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkChunkFailed rejects one slot so the client re-uploads it.
func (r *taskRepository) MarkChunkFailed(ctx context.Context, taskID uuid.UUID, chunkNumber int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_chunks SET status = ?, etag = '', updated_at = ?
		WHERE task_id = ? AND chunk_number = ?
	`, string(domain.ChunkStatusFailed), formatTime(time.Now()), taskID.String(), chunkNumber)
	if err != nil {
		return fmt.Errorf("failed to mark chunk %d failed: %w", chunkNumber, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Transition moves a task between statuses with a compare-and-swap.
func (r *taskRepository) Transition(ctx context.Context, id uuid.UUID, from, to domain.TaskStatus, reason string) error {
	if !from.CanTransitionTo(to) {
		return repository.ErrInvalidTransition
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_tasks SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), reason, formatTime(time.Now()), id.String(), string(from))
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

// Finalize completes the task, stores the file and registers the hash.
func (r *taskRepository) Finalize(ctx context.Context, taskID uuid.UUID, file *domain.FileRecord) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE upload_tasks SET status = ?, file_id = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`,
			string(domain.TaskStatusCompleted),
			file.ID.String(),
			formatTime(now),
			formatTime(now),
			taskID.String(),
			string(domain.TaskStatusUploading),
		)
		if err != nil {
			return fmt.Errorf("failed to complete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return repository.ErrInvalidTransition
		}

		if err := insertFile(ctx, tx, file); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO dedup_index (content_hash, file_id, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT (content_hash) DO NOTHING
		`, file.ContentHash, file.ID.String(), formatTime(now))
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
		WHERE status = ? AND expires_at < ?
		ORDER BY expires_at ASC
		LIMIT ?
	`, string(domain.TaskStatusUploading), formatTime(now), limit)
}

// ListTerminalBefore returns terminal tasks last touched before cutoff.
func (r *taskRepository) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.UploadTask, error) {
	return r.list(ctx, `
		SELECT `+taskColumns+` FROM upload_tasks
		WHERE status IN (?, ?, ?) AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`,
		string(domain.TaskStatusCompleted),
		string(domain.TaskStatusCancelled),
		string(domain.TaskStatusFailed),
		formatTime(cutoff),
		limit,
	)
}

// Delete removes a task and its slots.
func (r *taskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM upload_chunks WHERE task_id = ?`, id.String()); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM upload_tasks WHERE id = ?`, id.String())
		if err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

func (r *taskRepository) list(ctx context.Context, query string, args ...any) ([]*domain.UploadTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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

// missOrConflict distinguishes a missing task from a lost CAS.
func (r *taskRepository) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_tasks WHERE id = ?`, id.String()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check task: %w", err)
	}
	if exists == 0 {
		return repository.ErrNotFound
	}
	return repository.ErrInvalidTransition
}

func scanTask(row scanner) (*domain.UploadTask, error) {
	task := &domain.UploadTask{}
	var id, status string
	var fileID, completedAt sql.NullString
	var createdAt, updatedAt, expiresAt string

	err := row.Scan(
		&id,
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
		&fileID,
		&task.FailureReason,
		&createdAt,
		&updatedAt,
		&expiresAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if task.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	task.Status = domain.TaskStatus(status)
	if task.FileID, err = parseNullUUID(fileID); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if task.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if task.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}

	return task, nil
}
