package repository

// Schema definitions for the Kestrel audit store.
// Compatible with both SQLite and PostgreSQL.

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    bundle_version TEXT NOT NULL,
    probability_raw REAL NOT NULL,
    probability REAL NOT NULL,
    threshold REAL NOT NULL,
    fraud INTEGER NOT NULL,
    classification TEXT NOT NULL,
    confidence REAL NOT NULL,
    base_scores TEXT NOT NULL,
    models_used INTEGER NOT NULL,
    models_failed INTEGER NOT NULL,
    metadata TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tenant ON evaluations(tenant_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_class ON evaluations(tenant_id, classification);
CREATE INDEX IF NOT EXISTS idx_evaluations_timestamp ON evaluations(tenant_id, timestamp);
`

// Explanations are stored whole as JSON: reviewers consume them as a
// document, never by field.
const schemaExplanations = `
CREATE TABLE IF NOT EXISTS explanations (
    evaluation_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    bundle_version TEXT NOT NULL,
    partial INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_explanations_tenant ON explanations(tenant_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvaluations,
		schemaExplanations,
	}
}
