// Package archive exports audit records to write-once storage.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/clearance/internal/domain"
)

var (
	// ErrExists is returned when a record was already archived.
	ErrExists = errors.New("record already archived")

	// ErrNotFound is returned for an unknown record.
	ErrNotFound = errors.New("archived record not found")
)

// New creates the archive selected by cfg. Type "none" or "" returns nil.
func New(ctx context.Context, cfg domain.ArchiveConfig) (domain.Archive, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "fs":
		a, err := NewFileArchive(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "s3":
		a, err := NewS3Archive(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", cfg.Type)
	}
}

// objectKey returns the relative location of a record.
func objectKey(tenantID, id string) (string, error) {
	for _, part := range []string{tenantID, id} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("invalid archive key component %q", part)
		}
	}
	return tenantID + "/" + id + ".json", nil
}

func encode(rec *domain.AuditRecord) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("record is required")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*domain.AuditRecord, error) {
	var rec domain.AuditRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode archived record: %w", err)
	}
	return &rec, nil
}
