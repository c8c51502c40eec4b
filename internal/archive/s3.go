package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/opensource-finance/clearance/internal/domain"
)

// S3API is the part of the S3 client the archive uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Archive stores records as objects keyed <prefix><tenant>/<id>.json.
type S3Archive struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Archive creates an archive using the default AWS credential chain.
func NewS3Archive(ctx context.Context, cfg domain.ArchiveConfig) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required for s3")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // MinIO, LocalStack
		}
	})
	return NewS3ArchiveWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3ArchiveWithClient creates an archive over an existing client.
func NewS3ArchiveWithClient(client S3API, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

// Put uploads the record unless an object already exists at its key.
func (a *S3Archive) Put(ctx context.Context, rec *domain.AuditRecord) (string, error) {
	data, err := encode(rec)
	if err != nil {
		return "", err
	}
	rel, err := objectKey(rec.TenantID, rec.ID)
	if err != nil {
		return "", err
	}
	key := a.prefix + rel
	location := "s3://" + a.bucket + "/" + key

	if _, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, location)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed for %s: %w", location, err)
	}
	return location, nil
}

// Get downloads an archived record.
func (a *S3Archive) Get(ctx context.Context, tenantID, id string) (*domain.AuditRecord, error) {
	rel, err := objectKey(tenantID, id)
	if err != nil {
		return nil, err
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.prefix + rel),
	})
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read failed: %w", err)
	}
	return decode(data)
}
