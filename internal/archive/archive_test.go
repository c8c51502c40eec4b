package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/opensource-finance/clearance/internal/domain"
)

func testRecord(id string) *domain.AuditRecord {
	return &domain.AuditRecord{
		ID:               id,
		TenantID:         "tenant-001",
		ProcedureID:      "import-regular",
		GeneratedAt:      time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		RuleVersion:      "1.0.0",
		AssessmentDigest: "abc",
		Assessment:       domain.RiskAssessment{Score: 60, Level: domain.LevelHigh, Factors: []domain.Finding{}},
		Disclaimer:       domain.Disclaimer,
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, domain.ArchiveConfig{Type: "none"})
	if err != nil || a != nil {
		t.Errorf("none: expected nil archive, got %v, %v", a, err)
	}

	a, err = New(ctx, domain.ArchiveConfig{Type: "fs", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	if _, ok := a.(*FileArchive); !ok {
		t.Errorf("fs: expected *FileArchive, got %T", a)
	}

	if _, err := New(ctx, domain.ArchiveConfig{Type: "tape"}); err == nil {
		t.Error("tape: expected error")
	}
	if _, err := New(ctx, domain.ArchiveConfig{Type: "s3"}); err == nil {
		t.Error("s3 without bucket: expected error")
	}
}

func TestFileArchive(t *testing.T) {
	a, err := NewFileArchive(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileArchive: %v", err)
	}
	ctx := context.Background()

	path, err := a.Put(ctx, testRecord("rec-1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected archived file at %s: %v", path, err)
	}

	got, err := a.Get(ctx, "tenant-001", "rec-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Assessment.Score != 60 || got.AssessmentDigest != "abc" {
		t.Errorf("unexpected record %+v", got)
	}

	t.Run("WriteOnce", func(t *testing.T) {
		if _, err := a.Put(ctx, testRecord("rec-1")); !errors.Is(err, ErrExists) {
			t.Errorf("expected ErrExists, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := a.Get(ctx, "tenant-001", "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("TenantScoped", func(t *testing.T) {
		if _, err := a.Get(ctx, "tenant-002", "rec-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RejectsPathTraversal", func(t *testing.T) {
		if _, err := a.Put(ctx, testRecord("../escape")); err == nil {
			t.Error("expected error for traversal in record id")
		}
		if _, err := a.Get(ctx, "..", "rec-1"); err == nil {
			t.Error("expected error for traversal in tenant id")
		}
	})
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Archive(t *testing.T) {
	client := newFakeS3()
	a := NewS3ArchiveWithClient(client, "audit", "clearance/")
	ctx := context.Background()

	loc, err := a.Put(ctx, testRecord("rec-1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if want := "s3://audit/clearance/tenant-001/rec-1.json"; loc != want {
		t.Errorf("expected %s, got %s", want, loc)
	}

	if len(client.puts) != 1 {
		t.Fatalf("expected 1 put, got %d", len(client.puts))
	}
	if got := aws.ToString(client.puts[0].IfNoneMatch); got != "*" {
		t.Errorf("expected conditional put, got IfNoneMatch=%q", got)
	}
	if got := aws.ToString(client.puts[0].ContentType); got != "application/json" {
		t.Errorf("expected application/json, got %q", got)
	}

	got, err := a.Get(ctx, "tenant-001", "rec-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Assessment.Level != domain.LevelHigh {
		t.Errorf("expected HIGH, got %s", got.Assessment.Level)
	}

	if _, err := a.Put(ctx, testRecord("rec-1")); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}
	if len(client.puts) != 1 {
		t.Errorf("second put must not reach S3, got %d puts", len(client.puts))
	}

	if _, err := a.Get(ctx, "tenant-001", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
