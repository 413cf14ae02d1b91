package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/andresuchdata/spoolrelay/internal/apperr"
)

// MinioStorage streams objects to an S3-compatible service through minio-go.
type MinioStorage struct {
	client *minio.Client
	bucket string
}

var singleAttempt sync.Once

func NewMinioStorage(cfg Config) (*MinioStorage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint must be provided")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio credentials must be provided")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket must be provided")
	}

	u, err := url.Parse(normalizeEndpoint(cfg.Endpoint, cfg.UseSSL))
	if err != nil {
		return nil, fmt.Errorf("invalid minio endpoint %q: %w", cfg.Endpoint, err)
	}

	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	// One attempt per put; a failure goes back to the client. minio-go only
	// exposes the retry budget process-wide.
	singleAttempt.Do(func() { minio.MaxRetry = 1 })

	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       u.Scheme == "https",
		Region:       region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinioStorage{client: client, bucket: cfg.Bucket}, nil
}

func (m *MinioStorage) Bucket() string { return m.bucket }

func (m *MinioStorage) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) (*PutResult, error) {
	info, err := m.client.PutObject(ctx, m.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, apperr.New(apperr.KindRemoteStore, "storage.put", fmt.Errorf("minio put %s/%s: %w", m.bucket, key, err))
	}

	return &PutResult{
		Bucket:    m.bucket,
		Key:       key,
		Size:      info.Size,
		ETag:      info.ETag,
		VersionID: info.VersionID,
	}, nil
}

var _ ObjectStorage = (*MinioStorage)(nil)
