package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/basetenlabs/avatar-generation-app-tutorial/config"
	"github.com/basetenlabs/avatar-generation-app-tutorial/logger"
)

// DatasetStore uploads training datasets to an S3-compatible bucket and
// hands back the public object URL callers pass to SubmitRun as
// dataset_url. The orchestrator itself only ever sees that opaque URL.
type DatasetStore struct {
	client       *minio.Client
	bucket       string
	publicPrefix string
	log          *logger.Logger
}

// NewDatasetStore creates a dataset store from explicit configuration.
func NewDatasetStore(cfg config.StorageConfig, baseLog *logger.Logger) (*DatasetStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage client: %w", err)
	}

	publicPrefix := cfg.PublicURLPrefix
	if publicPrefix == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicPrefix = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}

	return &DatasetStore{
		client:       client,
		bucket:       cfg.Bucket,
		publicPrefix: strings.TrimRight(publicPrefix, "/"),
		log:          baseLog.With("component", "DatasetStore"),
	}, nil
}

// Bucket returns the configured bucket name.
func (s *DatasetStore) Bucket() string { return s.bucket }

// EnsureBucket creates the bucket if it doesn't exist.
func (s *DatasetStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		s.log.Info("Created storage bucket", "bucket", s.bucket)
	}
	return nil
}

// Upload stores a dataset object and returns its public URL.
func (s *DatasetStore) Upload(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) (string, error) {
	if err := s.EnsureBucket(ctx); err != nil {
		return "", err
	}

	info, err := s.client.PutObject(ctx, s.bucket, objectKey, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload dataset: %w", err)
	}

	s.log.Info("Dataset uploaded", "bucket", s.bucket, "object", objectKey, "size", info.Size)
	return s.PublicURL(objectKey), nil
}

// PublicURL returns the publicly addressable URL for an object key.
func (s *DatasetStore) PublicURL(objectKey string) string {
	return s.publicPrefix + "/" + strings.TrimLeft(objectKey, "/")
}
