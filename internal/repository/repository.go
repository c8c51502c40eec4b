// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/opensource-finance/clearance/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Listing bounds for ListAssessments.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := open(cfg)
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

	repo := NewWithDB(db, cfg.Driver)

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// NewWithDB wraps an open database without running migrations.
func NewWithDB(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: db, driver: driver}
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAssessment stores an audit record with tenant isolation.
// Records are write-once; saving an existing ID fails.
func (r *SQLRepository) SaveAssessment(ctx context.Context, tenantID string, rec *domain.AuditRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record ID is required", ErrInvalidInput)
	}

	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}

	reviewRequired := 0
	if rec.Assessment.ReviewRequired {
		reviewRequired = 1
	}

	query := `
		INSERT INTO assessments (
			id, tenant_id, procedure_id, entity_id, score, level, review_required,
			rule_version, input_digest, assessment_digest, generated_at, record
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.ProcedureID, rec.EntityID,
		rec.Assessment.Score, string(rec.Assessment.Level), reviewRequired,
		rec.RuleVersion, rec.InputDigest, rec.AssessmentDigest,
		rec.GeneratedAt.UTC(), string(record),
	)
	return err
}

// GetAssessment retrieves an audit record by ID with tenant isolation.
func (r *SQLRepository) GetAssessment(ctx context.Context, tenantID string, id string) (*domain.AuditRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT record
		FROM assessments
		WHERE tenant_id = ? AND id = ?
	`

	var record string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return decodeRecord(record)
}

// ListAssessments returns the newest records matching filter.
func (r *SQLRepository) ListAssessments(ctx context.Context, tenantID string, filter domain.AssessmentFilter) ([]*domain.AuditRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query, args, err := r.listQuery(tenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*domain.AuditRecord, 0)
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(record)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *SQLRepository) listQuery(tenantID string, filter domain.AssessmentFilter) (string, []any, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	q := r.builder().
		Select("record").
		From("assessments").
		Where(sq.Eq{"tenant_id": tenantID})

	if filter.Level != "" {
		q = q.Where(sq.Eq{"level": string(filter.Level)})
	}
	if filter.ReviewRequired != nil {
		v := 0
		if *filter.ReviewRequired {
			v = 1
		}
		q = q.Where(sq.Eq{"review_required": v})
	}
	if filter.ProcedureID != "" {
		q = q.Where(sq.Eq{"procedure_id": filter.ProcedureID})
	}

	return q.OrderBy("generated_at DESC", "id").Limit(uint64(limit)).ToSql()
}

// SaveRulebook stores a rulebook snapshot. Saving a version that is already
// stored with the same digest is a no-op; a different digest is rejected.
func (r *SQLRepository) SaveRulebook(ctx context.Context, snap *domain.RulebookSnapshot) error {
	if snap == nil || snap.Version == "" {
		return fmt.Errorf("%w: rulebook version is required", ErrInvalidInput)
	}

	existing, err := r.GetRulebook(ctx, snap.Version)
	switch {
	case err == nil:
		if existing.Digest != snap.Digest {
			return fmt.Errorf("%w: rulebook %s already stored with a different digest", ErrInvalidInput, snap.Version)
		}
		return nil
	case !errors.Is(err, ErrNotFound):
		return err
	}

	query := `
		INSERT INTO rulebooks (version, digest, source, rule_count, loaded_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		snap.Version, snap.Digest, string(snap.Source), snap.RuleCount, snap.LoadedAt.UTC(),
	)
	return err
}

// GetRulebook retrieves a stored rulebook snapshot by version.
func (r *SQLRepository) GetRulebook(ctx context.Context, version string) (*domain.RulebookSnapshot, error) {
	query := `
		SELECT version, digest, source, rule_count, loaded_at
		FROM rulebooks
		WHERE version = ?
	`

	var snap domain.RulebookSnapshot
	var source string

	err := r.db.QueryRowContext(ctx, r.rebind(query), version).Scan(
		&snap.Version, &snap.Digest, &source, &snap.RuleCount, &snap.LoadedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	snap.Source = []byte(source)
	return &snap, nil
}

// SaveComplianceFlag creates or replaces the flag of an entity.
func (r *SQLRepository) SaveComplianceFlag(ctx context.Context, tenantID string, flag *domain.ComplianceFlag) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if flag == nil || flag.EntityID == "" {
		return fmt.Errorf("%w: entityID is required", ErrInvalidInput)
	}

	flagged := 0
	if flag.Flagged {
		flagged = 1
	}

	updatedAt := flag.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO compliance_flags (tenant_id, entity_id, flagged, reason, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, entity_id) DO UPDATE SET
			flagged = excluded.flagged,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, flag.EntityID, flagged, flag.Reason, updatedAt.UTC(),
	)
	return err
}

// GetComplianceFlag retrieves the flag of an entity with tenant isolation.
func (r *SQLRepository) GetComplianceFlag(ctx context.Context, tenantID string, entityID string) (*domain.ComplianceFlag, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, entity_id, flagged, reason, updated_at
		FROM compliance_flags
		WHERE tenant_id = ? AND entity_id = ?
	`

	var flag domain.ComplianceFlag
	var flagged int
	var reason sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, entityID).Scan(
		&flag.TenantID, &flag.EntityID, &flagged, &reason, &flag.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	flag.Flagged = flagged == 1
	flag.Reason = reason.String
	return &flag, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func decodeRecord(record string) (*domain.AuditRecord, error) {
	var rec domain.AuditRecord
	if err := json.Unmarshal([]byte(record), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode audit record: %w", err)
	}
	return &rec, nil
}

// builder returns a squirrel statement builder with the driver's placeholders.
func (r *SQLRepository) builder() sq.StatementBuilderType {
	if r.driver == "postgres" {
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
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
