// Package repository provides audit persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvaluation stores a scoring result with tenant isolation.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, tenantID string, result *domain.EnsembleResult) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if result == nil || result.ID == "" {
		return fmt.Errorf("%w: result with ID is required", ErrInvalidInput)
	}

	baseScores, _ := json.Marshal(result.BaseScores)
	metadata, _ := json.Marshal(result.Metadata)

	fraud := 0
	if result.Fraud {
		fraud = 1
	}

	query := `
		INSERT INTO evaluations (
			id, tenant_id, bundle_version, probability_raw, probability,
			threshold, fraud, classification, confidence,
			base_scores, models_used, models_failed, metadata, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		result.ID, tenantID, result.BundleVersion,
		result.RawProbability, result.CalibratedProbability,
		result.Threshold, fraud, string(result.Classification), result.Confidence,
		string(baseScores), result.ModelsUsed, result.ModelsFailed,
		string(metadata), result.Timestamp,
	)
	return err
}

// GetEvaluation retrieves a scoring result by ID with tenant isolation.
func (r *SQLRepository) GetEvaluation(ctx context.Context, tenantID string, evalID string) (*domain.EnsembleResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, bundle_version, probability_raw, probability,
		       threshold, fraud, classification, confidence,
		       base_scores, models_used, models_failed, metadata, timestamp
		FROM evaluations
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, evalID)
	result, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return result, err
}

// ListEvaluations retrieves recent scoring results for a tenant.
func (r *SQLRepository) ListEvaluations(ctx context.Context, tenantID string, since time.Time, limit int) ([]*domain.EnsembleResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, bundle_version, probability_raw, probability,
		       threshold, fraud, classification, confidence,
		       base_scores, models_used, models_failed, metadata, timestamp
		FROM evaluations
		WHERE tenant_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.EnsembleResult
	for rows.Next() {
		result, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row rowScanner) (*domain.EnsembleResult, error) {
	var result domain.EnsembleResult
	var baseScores, metadata, classification string
	var fraud int

	err := row.Scan(
		&result.ID, &result.TenantID, &result.BundleVersion,
		&result.RawProbability, &result.CalibratedProbability,
		&result.Threshold, &fraud, &classification, &result.Confidence,
		&baseScores, &result.ModelsUsed, &result.ModelsFailed,
		&metadata, &result.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	result.Fraud = fraud == 1
	result.Classification = domain.Classification(classification)
	if err := json.Unmarshal([]byte(baseScores), &result.BaseScores); err != nil {
		return nil, fmt.Errorf("failed to parse base scores for %s: %w", result.ID, err)
	}
	json.Unmarshal([]byte(metadata), &result.Metadata)

	return &result, nil
}

// SaveExplanation stores an explanation keyed by its evaluation.
func (r *SQLRepository) SaveExplanation(ctx context.Context, tenantID string, exp *domain.Explanation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if exp == nil || exp.EvaluationID == "" {
		return fmt.Errorf("%w: explanation with evaluation ID is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(exp)
	if err != nil {
		return err
	}

	partial := 0
	if exp.Partial {
		partial = 1
	}

	query := `
		INSERT INTO explanations (
			evaluation_id, tenant_id, bundle_version, partial, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(evaluation_id) DO UPDATE SET
			partial = excluded.partial,
			payload = excluded.payload,
			created_at = excluded.created_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		exp.EvaluationID, tenantID, exp.BundleVersion,
		partial, string(payload), time.Now().UTC(),
	)
	return err
}

// GetExplanation retrieves the explanation for an evaluation.
func (r *SQLRepository) GetExplanation(ctx context.Context, tenantID string, evalID string) (*domain.Explanation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT payload
		FROM explanations
		WHERE tenant_id = ? AND evaluation_id = ?
	`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, evalID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var exp domain.Explanation
	if err := json.Unmarshal([]byte(payload), &exp); err != nil {
		return nil, fmt.Errorf("failed to parse explanation for %s: %w", evalID, err)
	}
	return &exp, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
