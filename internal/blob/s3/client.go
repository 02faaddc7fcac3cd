// Package s3blob archives settled jobs, fills, and audit history to
// S3-compatible object storage (AWS, MinIO, R2) using AWS SDK v2.
package s3blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	// minPartSize is the S3 floor for multipart parts.
	minPartSize int64 = 5 << 20
	// defaultMultipartThreshold switches archive uploads to the multipart
	// uploader.
	defaultMultipartThreshold = 16 << 20
)

// ClientConfig describes the archive bucket.
type ClientConfig struct {
	// Endpoint overrides the AWS endpoint, e.g. "minio:9000". Empty means AWS.
	Endpoint string
	Region   string
	Bucket   string

	AccessKey string
	SecretKey string

	// UseSSL picks the scheme when Endpoint has none.
	UseSSL bool
	// ForcePathStyle is required by MinIO.
	ForcePathStyle bool

	// MultipartThreshold is the body size at which PutObject uses the
	// multipart uploader. Zero means 16 MiB.
	MultipartThreshold int
	// PartSize is clamped to the 5 MiB S3 minimum.
	PartSize int64
}

// Bucket is the archive bucket. It implements domain.ObjectStore.
type Bucket struct {
	api       *s3.Client
	uploader  *manager.Uploader
	name      string
	threshold int
}

// New connects to the archive bucket. Credentials are static when an access
// key is given and fall back to the default AWS chain otherwise.
func New(ctx context.Context, cfg ClientConfig) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3blob: region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	partSize := cfg.PartSize
	if partSize < minPartSize {
		partSize = minPartSize
	}
	threshold := cfg.MultipartThreshold
	if threshold <= 0 {
		threshold = defaultMultipartThreshold
	}

	return &Bucket{
		api: api,
		uploader: manager.NewUploader(api, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
		name:      cfg.Bucket,
		threshold: threshold,
	}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// Health checks the bucket is reachable with the configured credentials.
func (b *Bucket) Health(ctx context.Context) error {
	if _, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.name)}); err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", b.name, err)
	}
	return nil
}

// normaliseEndpoint prefixes a scheme when endpoint has none.
func normaliseEndpoint(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
