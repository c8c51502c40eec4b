package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opensource-finance/clearance/internal/domain"
)

// FileArchive stores one JSON file per record under a base directory.
// Files are created exclusively and never overwritten.
type FileArchive struct {
	baseDir string
}

// NewFileArchive creates an archive rooted at baseDir.
func NewFileArchive(baseDir string) (*FileArchive, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileArchive{baseDir: baseDir}, nil
}

// Put writes the record and returns its path.
func (a *FileArchive) Put(ctx context.Context, rec *domain.AuditRecord) (string, error) {
	data, err := encode(rec)
	if err != nil {
		return "", err
	}
	key, err := objectKey(rec.TenantID, rec.ID)
	if err != nil {
		return "", err
	}

	path := filepath.Join(a.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to ensure tenant dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write archive file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close archive file: %w", err)
	}
	return path, nil
}

// Get reads an archived record.
func (a *FileArchive) Get(ctx context.Context, tenantID, id string) (*domain.AuditRecord, error) {
	key, err := objectKey(tenantID, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(a.baseDir, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archive file: %w", err)
	}
	return decode(data)
}
