package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// PutResult describes an object the store acknowledged.
type PutResult struct {
	Bucket    string
	Key       string
	Size      int64
	ETag      string
	VersionID string
}

// ObjectStorage is the egress side of the relay: a single streaming put into
// a fixed bucket. Implementations are safe for concurrent use.
type ObjectStorage interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) (*PutResult, error)
	Bucket() string
}

// Config selects and configures a backend.
type Config struct {
	Backend   string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// New builds the backend named by cfg.Backend.
func New(ctx context.Context, cfg Config) (ObjectStorage, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "s3":
		client, err := NewS3Storage(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "minio":
		client, err := NewMinioStorage(cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "memory":
		return NewMemoryStorage(cfg.Bucket), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// normalizeEndpoint adds a scheme to bare host endpoints.
func normalizeEndpoint(endpoint string, useSSL bool) string {
	if endpoint == "" {
		return ""
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	scheme := "https"
	if !useSSL {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, strings.TrimPrefix(endpoint, "//"))
}
