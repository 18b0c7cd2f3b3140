package fieldsync

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveConfig configures the object-storage archive mirror.
type ArchiveConfig struct {
	// Enabled toggles archiving. Replication proceeds without the mirror
	// when disabled.
	Enabled bool

	// Bucket receives one JSON object per uploaded batch.
	Bucket string

	// Region is the bucket's region. Default: us-east-1.
	Region string

	// Endpoint overrides the storage endpoint for S3-compatible services
	// (MinIO, GCS interoperability mode). Setting it forces path-style
	// addressing.
	Endpoint string

	// AccessKeyID and SecretAccessKey are static credentials. Leave both
	// empty to use the ambient credential chain.
	AccessKeyID     string
	SecretAccessKey string

	// Prefix is prepended to every archive key.
	Prefix string

	// MaxRetries bounds upload attempts per object. Default: 3.
	MaxRetries int
}

// DefaultArchiveConfig returns an archive configuration for the given
// bucket.
func DefaultArchiveConfig(bucket string) ArchiveConfig {
	return ArchiveConfig{
		Enabled:    true,
		Bucket:     bucket,
		Region:     "us-east-1",
		MaxRetries: 3,
	}
}

// Archive mirrors every uploaded batch into object storage as a JSON
// document. The mirror is the raw-data trail used when cloud documents
// need to be audited or rebuilt; losing a write is logged, never fatal.
type Archive struct {
	client  *s3.Client
	cfg     ArchiveConfig
	retryer *Retryer
}

// NewArchive creates an archive writer for the configured bucket.
func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	retryCfg := DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.MaxRetries
	retryCfg.RetryIf = IsRetryable

	return &Archive{
		client:  client,
		cfg:     cfg,
		retryer: NewRetryer(retryCfg),
	}, nil
}

// ArchiveKey returns the object key for one uploaded batch: the trimmed
// experiment name as the folder, then the name plus a UTC timestamp with
// second precision.
func ArchiveKey(experiment string, now time.Time) string {
	name := TrimExperimentSuffix(experiment)
	return fmt.Sprintf("%s/%s_%s.json", name, name, now.UTC().Format("20060102150405"))
}

// Put writes one JSON payload under key, retrying transient failures.
func (a *Archive) Put(ctx context.Context, key string, payload []byte) error {
	if a.cfg.Prefix != "" {
		key = strings.TrimSuffix(a.cfg.Prefix, "/") + "/" + key
	}

	result := a.retryer.Do(ctx, func() error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(payload),
			ContentType: aws.String("application/json"),
		})
		return err
	})
	if result.LastErr != nil {
		return fmt.Errorf("failed to archive %s after %d attempts: %w", key, result.Attempts, result.LastErr)
	}
	return nil
}
