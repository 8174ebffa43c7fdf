package domain

import (
	"context"
	"time"
)

// Repository defines the interface for audit persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Evaluation results
	SaveEvaluation(ctx context.Context, tenantID string, result *EnsembleResult) error
	GetEvaluation(ctx context.Context, tenantID string, evalID string) (*EnsembleResult, error)
	ListEvaluations(ctx context.Context, tenantID string, since time.Time, limit int) ([]*EnsembleResult, error)

	// Explanations, keyed by the evaluation they explain
	SaveExplanation(ctx context.Context, tenantID string, exp *Explanation) error
	GetExplanation(ctx context.Context, tenantID string, evalID string) (*Explanation, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
