// Package storage gives access to session recordings kept in MinIO.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"callsession-backend/pkg/config"
	"callsession-backend/pkg/constants"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/resilience"
)

// ErrEmptyObjectKey is returned when no recording object is named
var ErrEmptyObjectKey = errors.New("recording object key is required")

// objectClient is the part of *minio.Client the store uses
type objectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error)
}

// RecordingStore issues download URLs for recordings written by the media server
type RecordingStore struct {
	client   objectClient
	bucket   string
	expiry   time.Duration
	executor *resilience.Executor
}

// NewRecordingStore connects to MinIO. m may be nil.
func NewRecordingStore(cfg config.MinIOConfig, m *metrics.Metrics) (*RecordingStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return newRecordingStore(client, cfg.Bucket, cfg.RecordingURLExpiry, resilience.NewExecutor("minio", resilience.DefaultPolicy(), m)), nil
}

func newRecordingStore(client objectClient, bucket string, expiry time.Duration, executor *resilience.Executor) *RecordingStore {
	if expiry <= 0 {
		expiry = constants.RecordingURLExpiry
	}
	return &RecordingStore{
		client:   client,
		bucket:   bucket,
		expiry:   expiry,
		executor: executor,
	}
}

// EnsureBucket checks that the recordings bucket exists.
// The bucket is owned by the media server's egress, so it is never created here.
func (s *RecordingStore) EnsureBucket(ctx context.Context) error {
	var exists bool
	err := s.executor.Do(ctx, "bucket_exists", func(ctx context.Context) error {
		var err error
		exists, err = s.client.BucketExists(ctx, s.bucket)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("recording bucket %q does not exist", s.bucket)
	}
	return nil
}

// PresignedGetURL returns a time-limited download URL for objectKey
func (s *RecordingStore) PresignedGetURL(ctx context.Context, objectKey string) (string, error) {
	objectKey = strings.TrimPrefix(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return "", ErrEmptyObjectKey
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(objectKey)))

	var signed *url.URL
	err := s.executor.Do(ctx, "presign_get", func(ctx context.Context) error {
		var err error
		signed, err = s.client.PresignedGetObject(ctx, s.bucket, objectKey, s.expiry, params)
		return err
	})
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to presign recording URL",
			zap.String("bucket", s.bucket),
			zap.String("object", objectKey),
			zap.Error(err))
		return "", fmt.Errorf("failed to presign recording url: %w", err)
	}

	return signed.String(), nil
}
