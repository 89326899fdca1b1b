package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// Uploads are split into parts of this size; smaller files go out in one PUT
const (
	s3PartSize    = 16 * 1024 * 1024
	s3Concurrency = 4
)

// S3Config holds S3 backend configuration
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // MinIO or other S3-compatible endpoint, e.g. "localhost:9000"
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool // Required for MinIO
}

// S3Backend archives files into an S3 or MinIO bucket
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	logger   zerolog.Logger
}

// NewS3Backend creates an S3 backend. An unreachable bucket is logged, not fatal,
// since archiving is retried on every run.
func NewS3Backend(cfg *S3Config, logger zerolog.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive.s3_bucket is required for the s3 backend")
	}
	log := logger.With().Str("component", "s3-storage").Str("bucket", cfg.Bucket).Logger()

	awsCfg, err := config.LoadDefaultConfig(context.Background(), s3LoadOptions(cfg, log)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := s3Endpoint(cfg); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		log.Warn().Err(err).Msg("Archive bucket not reachable yet")
	} else {
		log.Info().Str("endpoint", s3Endpoint(cfg)).Msg("Archiving to S3 bucket")
	}

	return &S3Backend{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = s3PartSize
			u.Concurrency = s3Concurrency
		}),
		bucket: cfg.Bucket,
		logger: log,
	}, nil
}

// s3LoadOptions prefers explicit keys, then the AWS_* variables, then the
// SDK's default chain (shared config, IAM role)
func s3LoadOptions(cfg *S3Config, log zerolog.Logger) []func(*config.LoadOptions) error {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}

	accessKey, secretKey := cfg.AccessKey, cfg.SecretKey
	if accessKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if secretKey == "" {
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
		log.Debug().Msg("Using static S3 credentials")
	}
	return opts
}

// s3Endpoint returns the custom endpoint with a scheme, or "" for AWS
func s3Endpoint(cfg *S3Config) string {
	endpoint := cfg.Endpoint
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if cfg.UseSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// Put uploads r under key. The uploader switches to multipart above s3PartSize.
func (b *S3Backend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	start := time.Now()
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(ContentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", b.bucket, key, err)
	}

	b.logger.Debug().
		Str("key", key).
		Int64("size", size).
		Dur("duration", time.Since(start)).
		Msg("Stored object")
	return nil
}

// Exists issues a HEAD for key
func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check s3://%s/%s: %w", b.bucket, key, err)
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound
}

func (b *S3Backend) Close() error { return nil }

func (b *S3Backend) Type() string { return "s3" }
