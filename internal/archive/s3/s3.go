// Package s3 implements the AWS S3-compatible archive backend. It supports
// AWS S3, MinIO, and other S3-compatible services via a configurable
// endpoint. Writing snapshots to a separately-owned bucket is the point: a
// copy under different credentials survives a database compromise, so the
// bucket should grant the console PutObject but not DeleteObject.
// Authentication uses either the default AWS credential chain (recommended
// for EC2/EKS with IAM roles) or static key/secret.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/admin-console/admin-console/internal/archive"
	appconfig "github.com/admin-console/admin-console/internal/config"
	"github.com/admin-console/admin-console/pkg/checksum"
)

func init() {
	// Register S3 archive backend
	archive.Register("s3", func(cfg *appconfig.ArchiveConfig) (archive.Backend, error) {
		return New(&cfg.S3)
	})
}

// S3Backend implements the Backend interface for S3-compatible storage
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// New creates a new S3-compatible archive backend
//
// Authentication methods:
//   - "default" or empty: Uses AWS default credential chain (env vars, shared config, IAM role, IMDS)
//   - "static": Uses explicit access key and secret key
func New(cfg *appconfig.S3ArchiveConfig) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		authMethod = "default"
	}

	switch authMethod {
	case "static":
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("access_key_id and secret_access_key are required for static auth")
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))

	case "default":
		// Use AWS default credential chain - no additional configuration needed

	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default' or 'static')", authMethod)
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)

	// Set custom endpoint for S3-compatible services (MinIO etc.)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// For S3-compatible services, use path-style addressing
			o.UsePathStyle = true
		})
	}

	return &S3Backend{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
	}, nil
}

// objectKey prepends the configured prefix to a snapshot key.
func (b *S3Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// Put stores an object in S3
func (b *S3Backend) Put(ctx context.Context, key string, reader io.Reader) (*archive.PutResult, error) {
	// Read all content to calculate the checksum. Snapshots are bounded by
	// the chunked export writer, so buffering is acceptable here.
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	sum, err := checksum.CalculateSHA256(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to calculate checksum: %w", err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		// Store SHA256 in metadata for later retrieval
		Metadata: map[string]string{
			"sha256": sum,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to S3: %w", err)
	}

	return &archive.PutResult{
		Key:      key,
		Size:     int64(len(data)),
		Checksum: sum,
	}, nil
}

// Get retrieves an object from S3
func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}

	return result.Body, nil
}

// Exists checks if an object exists at the specified key
func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		// AWS SDK v2 does not expose a typed not-found error here; a HEAD
		// failure is treated as absent.
		return false, nil
	}

	return true, nil
}
