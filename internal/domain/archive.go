package domain

import "context"

// Archive stores audit records in write-once storage outside the database.
type Archive interface {
	// Put stores the record and returns its location.
	Put(ctx context.Context, rec *AuditRecord) (string, error)

	// Get loads a previously archived record.
	Get(ctx context.Context, tenantID, id string) (*AuditRecord, error)
}

// ArchiveConfig selects the archive backend.
type ArchiveConfig struct {
	// Type is "none", "fs" or "s3"
	Type string `yaml:"type"`

	// Filesystem
	Dir string `yaml:"dir"`

	// S3
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // MinIO, LocalStack
	Prefix   string `yaml:"prefix"`
}
