package repository

import "context"

// Repositories holds all repository instances.
type Repositories struct {
	Tasks TaskRepository
	Files FileRepository
	Guard ConcurrencyGuard
}

// DatabaseHealth is an interface for database health checks.
type DatabaseHealth interface {
	Ping(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error
}

// Migrator applies embedded schema migrations.
type Migrator interface {
	Migrate(ctx context.Context) error
	MigrationVersion(ctx context.Context) (int, error)
}
