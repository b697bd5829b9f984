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

// concurrencyGuard implements repository.ConcurrencyGuard on the
// upload_slots table. Each entry is one open task.
type concurrencyGuard struct {
	db *DB
}

// NewConcurrencyGuard creates a new SQLite-backed concurrency guard.
func NewConcurrencyGuard(db *DB) repository.ConcurrencyGuard {
	return &concurrencyGuard{db: db}
}

// Acquire records taskID for ownerID unless the owner is at the limit.
func (g *concurrencyGuard) Acquire(ctx context.Context, ownerID string, taskID uuid.UUID, limit int, expiresAt time.Time) error {
	return g.db.WithTx(ctx, func(tx *sql.Tx) error {
		return acquireSlot(ctx, tx, ownerID, taskID, limit, expiresAt)
	})
}

// CreateTask takes the owner's slot and stores the task in one transaction.
func (g *concurrencyGuard) CreateTask(ctx context.Context, task *domain.UploadTask, slots []*domain.ChunkSlot, limit int) error {
	return g.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := acquireSlot(ctx, tx, task.OwnerID, task.ID, limit, task.ExpiresAt); err != nil {
			return err
		}
		return insertTask(ctx, tx, task, slots)
	})
}

func acquireSlot(ctx context.Context, tx *sql.Tx, ownerID string, taskID uuid.UUID, limit int, expiresAt time.Time) error {
	now := formatTime(time.Now())

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM upload_slots WHERE owner_id = ? AND expires_at <= ?`, ownerID, now,
	); err != nil {
		return fmt.Errorf("failed to prune expired slots: %w", err)
	}

	var held int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM upload_slots WHERE task_id = ?`, taskID.String(),
	).Scan(&held); err != nil {
		return fmt.Errorf("failed to check slot: %w", err)
	}
	if held > 0 {
		return nil
	}

	if limit > 0 {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM upload_slots WHERE owner_id = ?`, ownerID,
		).Scan(&count); err != nil {
			return fmt.Errorf("failed to count slots: %w", err)
		}
		if count >= limit {
			return repository.ErrLimitReached
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO upload_slots (task_id, owner_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)
	`, taskID.String(), ownerID, formatTime(expiresAt), now)
	if err != nil {
		return fmt.Errorf("failed to insert slot: %w", err)
	}
	return nil
}

// Release drops the entry for taskID.
func (g *concurrencyGuard) Release(ctx context.Context, ownerID string, taskID uuid.UUID) (bool, error) {
	res, err := g.db.ExecContext(ctx,
		`DELETE FROM upload_slots WHERE task_id = ? AND owner_id = ?`, taskID.String(), ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to release slot: %w", err)
	}

	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Count returns the live entries for ownerID.
func (g *concurrencyGuard) Count(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM upload_slots WHERE owner_id = ? AND expires_at > ?`, ownerID, formatTime(time.Now()),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count slots: %w", err)
	}
	return count, nil
}
