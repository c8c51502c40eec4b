// Package domain defines the core interfaces and types for the clearance engine.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// Tenant-scoped methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Audit records
	SaveAssessment(ctx context.Context, tenantID string, rec *AuditRecord) error
	GetAssessment(ctx context.Context, tenantID string, id string) (*AuditRecord, error)
	ListAssessments(ctx context.Context, tenantID string, filter AssessmentFilter) ([]*AuditRecord, error)

	// Rulebook history, shared by all tenants
	SaveRulebook(ctx context.Context, snap *RulebookSnapshot) error
	GetRulebook(ctx context.Context, version string) (*RulebookSnapshot, error)

	// Prior compliance flags
	SaveComplianceFlag(ctx context.Context, tenantID string, flag *ComplianceFlag) error
	GetComplianceFlag(ctx context.Context, tenantID string, entityID string) (*ComplianceFlag, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
