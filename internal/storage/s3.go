package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/andresuchdata/spoolrelay/internal/apperr"
)

// S3API is the part of *s3.Client the relay calls.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// S3Storage streams objects to S3 or any S3-compatible endpoint through the
// AWS SDK.
type S3Storage struct {
	client S3API
	bucket string
}

// NewS3Storage loads the AWS config once and builds the shared client.
// Static credentials are used when both keys are set; otherwise the default
// provider chain applies.
func NewS3Storage(ctx context.Context, cfg Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket required for s3 storage")
	}

	opts := s3LoadOptions(cfg)
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return NewS3StorageWithClient(client, cfg.Bucket), nil
}

func s3LoadOptions(cfg Config) []func(*config.LoadOptions) error {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		// A failed put is reported to the client, never retried.
		config.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	// S3-compatible providers often reject the trailing CRC checksums the SDK
	// sends by default.
	if cfg.Endpoint != "" {
		opts = append(opts,
			config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
			config.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
		)
	}
	return opts
}

// NewS3StorageWithClient wraps an existing client.
func NewS3StorageWithClient(client S3API, bucket string) *S3Storage {
	return &S3Storage{client: client, bucket: bucket}
}

func (s *S3Storage) Bucket() string { return s.bucket }

func (s *S3Storage) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) (*PutResult, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return nil, apperr.New(apperr.KindRemoteStore, "storage.put", fmt.Errorf("s3 put %s/%s: %w", s.bucket, key, err))
	}

	return &PutResult{
		Bucket:    s.bucket,
		Key:       key,
		Size:      size,
		ETag:      aws.ToString(out.ETag),
		VersionID: aws.ToString(out.VersionId),
	}, nil
}

var _ ObjectStorage = (*S3Storage)(nil)
