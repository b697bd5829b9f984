package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/alexander-uploads/internal/domain"
	"github.com/prn-tf/alexander-uploads/internal/repository"
)

// fileRepository implements repository.FileRepository.
type fileRepository struct {
	db *DB
}

// NewFileRepository creates a new PostgreSQL file repository.
func NewFileRepository(db *DB) repository.FileRepository {
	return &fileRepository{db: db}
}

const fileColumns = `f.id, f.owner_id, f.file_name, f.content_hash, f.size, f.mime_type,
	f.bucket, f.object_key, f.biz_type, f.biz_id, f.task_id, f.created_at`

func insertFile(ctx context.Context, q Querier, file *domain.FileRecord) error {
	_, err := q.Exec(ctx, `
		INSERT INTO files (id, owner_id, file_name, content_hash, size, mime_type,
			bucket, object_key, biz_type, biz_id, task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		file.ID,
		file.OwnerID,
		file.FileName,
		file.ContentHash,
		file.Size,
		file.MimeType,
		file.Bucket,
		file.ObjectKey,
		file.BizType,
		file.BizID,
		file.TaskID,
		file.CreatedAt,
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
	return insertFile(ctx, r.db.Pool, file)
}

// GetByID retrieves a file record by ID.
func (r *fileRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.FileRecord, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM files f WHERE f.id = $1`, id)
	return scanFile(row)
}

// GetDedupReference returns the reference record indexed for a content hash.
func (r *fileRepository) GetDedupReference(ctx context.Context, contentHash string) (*domain.FileRecord, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+fileColumns+`
		FROM dedup_index d
		JOIN files f ON f.id = d.file_id
		WHERE d.content_hash = $1
	`, contentHash)
	return scanFile(row)
}

// DeleteDedup removes the index entry for a content hash.
func (r *fileRepository) DeleteDedup(ctx context.Context, contentHash string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM dedup_index WHERE content_hash = $1`, contentHash); err != nil {
		return fmt.Errorf("failed to delete dedup entry: %w", err)
	}
	return nil
}

func scanFile(row pgx.Row) (*domain.FileRecord, error) {
	file := &domain.FileRecord{}
	err := row.Scan(
		&file.ID,
		&file.OwnerID,
		&file.FileName,
		&file.ContentHash,
		&file.Size,
		&file.MimeType,
		&file.Bucket,
		&file.ObjectKey,
		&file.BizType,
		&file.BizID,
		&file.TaskID,
		&file.CreatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return file, nil
}
