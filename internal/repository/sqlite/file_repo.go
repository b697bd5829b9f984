package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/prn-tf/alexander-uploads/internal/domain"
	"github.com/prn-tf/alexander-uploads/internal/repository"
)

// fileRepository implements repository.FileRepository for SQLite.
type fileRepository struct {
	db *DB
}

// NewFileRepository creates a new SQLite file repository.
func NewFileRepository(db *DB) repository.FileRepository {
	return &fileRepository{db: db}
}

const fileColumns = `f.id, f.owner_id, f.file_name, f.content_hash, f.size, f.mime_type,
	f.bucket, f.object_key, f.biz_type, f.biz_id, f.task_id, f.created_at`

// execer is satisfied by *DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertFile(ctx context.Context, ex execer, file *domain.FileRecord) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO files (id, owner_id, file_name, content_hash, size, mime_type,
			bucket, object_key, biz_type, biz_id, task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		file.ID.String(),
		file.OwnerID,
		file.FileName,
		file.ContentHash,
		file.Size,
		file.MimeType,
		file.Bucket,
		file.ObjectKey,
		file.BizType,
		file.BizID,
		nullUUID(file.TaskID),
		formatTime(file.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create file record: %w", err)
	}
	return nil
}

// Create stores a file record.
func (r *fileRepository) Create(ctx context.Context, file *domain.FileRecord) error {
	return insertFile(ctx, r.db, file)
}

// GetByID retrieves a file record by ID.
func (r *fileRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.FileRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files f WHERE f.id = ?`, id.String())
	return r.scanOne(row)
}

// GetDedupReference returns the reference record indexed for a content hash.
func (r *fileRepository) GetDedupReference(ctx context.Context, contentHash string) (*domain.FileRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+fileColumns+`
		FROM dedup_index d
		JOIN files f ON f.id = d.file_id
		WHERE d.content_hash = ?
	`, contentHash)
	return r.scanOne(row)
}

// DeleteDedup removes the index entry for a content hash.
func (r *fileRepository) DeleteDedup(ctx context.Context, contentHash string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM dedup_index WHERE content_hash = ?`, contentHash); err != nil {
		return fmt.Errorf("failed to delete dedup entry: %w", err)
	}
	return nil
}

func (r *fileRepository) scanOne(row *sql.Row) (*domain.FileRecord, error) {
	file := &domain.FileRecord{}
	var id, createdAt string
	var taskID sql.NullString

	err := row.Scan(
		&id,
		&file.OwnerID,
		&file.FileName,
		&file.ContentHash,
		&file.Size,
		&file.MimeType,
		&file.Bucket,
		&file.ObjectKey,
		&file.BizType,
		&file.BizID,
		&taskID,
		&createdAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}

	if file.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if file.TaskID, err = parseNullUUID(taskID); err != nil {
		return nil, err
	}
	if file.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	return file, nil
}
