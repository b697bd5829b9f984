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

// concurrencyGuard implements repository.ConcurrencyGuard on upload_slots.
// A transaction-scoped advisory lock per owner serialises acquisitions so
// the count check and the insert cannot interleave.
type concurrencyGuard struct {
	db *DB
}

// NewConcurrencyGuard creates a new PostgreSQL-backed concurrency guard.
func NewConcurrencyGuard(db *DB) repository.ConcurrencyGuard {
	return &concurrencyGuard{db: db}
}

// Acquire records taskID for ownerID unless the owner is at the limit.
func (g *concurrencyGuard) Acquire(ctx context.Context, ownerID string, taskID uuid.UUID, limit int, expiresAt time.Time) error {
	return g.db.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return acquireSlot(ctx, tx, ownerID, taskID, limit, expiresAt)
	})
}

// CreateTask takes the owner's slot and stores the task in one transaction.
func (g *concurrencyGuard) CreateTask(ctx context.Context, task *domain.UploadTask, slots []*domain.ChunkSlot, limit int) error {
	return g.db.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := acquireSlot(ctx, tx, task.OwnerID, task.ID, limit, task.ExpiresAt); err != nil {
			return err
		}
		return insertTask(ctx, tx, task, slots)
	})
}

func acquireSlot(ctx context.Context, tx pgx.Tx, ownerID string, taskID uuid.UUID, limit int, expiresAt time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID); err != nil {
		return fmt.Errorf("failed to lock owner: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`DELETE FROM upload_slots WHERE owner_id = $1 AND expires_at <= $2`, ownerID, now,
	); err != nil {
		return fmt.Errorf("failed to prune expired slots: %w", err)
	}

	var held bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM upload_slots WHERE task_id = $1)`, taskID,
	).Scan(&held); err != nil {
		return fmt.Errorf("failed to check slot: %w", err)
	}
	if held {
		return nil
	}

	if limit > 0 {
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM upload_slots WHERE owner_id = $1`, ownerID,
		).Scan(&count); err != nil {
			return fmt.Errorf("failed to count slots: %w", err)
		}
		if count >= limit {
			return repository.ErrLimitReached
		}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO upload_slots (task_id, owner_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`, taskID, ownerID, expiresAt, now)
	if err != nil {
		return fmt.Errorf("failed to insert slot: %w", err)
	}
	return nil
}

// Release drops the entry for taskID.
func (g *concurrencyGuard) Release(ctx context.Context, ownerID string, taskID uuid.UUID) (bool, error) {
	tag, err := g.db.Pool.Exec(ctx,
		`DELETE FROM upload_slots WHERE task_id = $1 AND owner_id = $2`, taskID, ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to release slot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Count returns the live entries for ownerID.
func (g *concurrencyGuard) Count(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := g.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM upload_slots WHERE owner_id = $1 AND expires_at > $2`, ownerID, time.Now().UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count slots: %w", err)
	}
	return count, nil
}
