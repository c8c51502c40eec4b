package repository

// Schema definitions for the clearance database.
// Compatible with both SQLite and PostgreSQL.

// schemaAssessments stores one audit record per assessment. The full record is
// kept as JSON; the other columns exist for filtering.
const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    procedure_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    score INTEGER NOT NULL,
    level TEXT NOT NULL,
    review_required INTEGER NOT NULL DEFAULT 0,
    rule_version TEXT NOT NULL,
    input_digest TEXT NOT NULL,
    assessment_digest TEXT NOT NULL,
    generated_at TIMESTAMP NOT NULL,
    record TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_tenant ON assessments(tenant_id);
CREATE INDEX IF NOT EXISTS idx_assessments_level ON assessments(tenant_id, level);
CREATE INDEX IF NOT EXISTS idx_assessments_review ON assessments(tenant_id, review_required);
CREATE INDEX IF NOT EXISTS idx_assessments_generated ON assessments(tenant_id, generated_at);
`

// schemaRulebooks keeps every rulebook version the service has loaded.
const schemaRulebooks = `
CREATE TABLE IF NOT EXISTS rulebooks (
    version TEXT PRIMARY KEY,
    digest TEXT NOT NULL,
    source TEXT NOT NULL,
    rule_count INTEGER NOT NULL,
    loaded_at TIMESTAMP NOT NULL
);
`

const schemaComplianceFlags = `
CREATE TABLE IF NOT EXISTS compliance_flags (
    tenant_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    flagged INTEGER NOT NULL DEFAULT 0,
    reason TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, entity_id)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAssessments,
		schemaRulebooks,
		schemaComplianceFlags,
	}
}
