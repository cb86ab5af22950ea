package jobqueue

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sony/gobreaker"

	"github.com/routespark/core/internal/config"
	"github.com/routespark/core/internal/rserrors"
)

// ArtifactStore persists and deletes export artifacts in external blob
// storage. It is the seam the export worker writes through and the
// purge worker deletes through during artifact TTL cleanup.
type ArtifactStore interface {
	Upload(ctx context.Context, key string, data []byte) (sizeBytes int64, err error)
	Delete(ctx context.Context, key string) error
}

// S3ArtifactStore uploads/deletes export archives in an S3-compatible
// bucket, wrapping every call in a circuit breaker so a degraded blob
// backend trips open instead of stalling every worker heartbeat.
type S3ArtifactStore struct {
	client  *s3.Client
	bucket  string
	breaker *gobreaker.CircuitBreaker
}

// NewS3ArtifactStore builds an S3ArtifactStore from configuration. It
// returns rserrors.StorageBucketNotConfigured if no bucket is set.
func NewS3ArtifactStore(ctx context.Context, cfg *config.Config) (*S3ArtifactStore, error) {
	if cfg.S3Bucket == "" {
		return nil, rserrors.New(rserrors.StorageBucketNotConfigured, "ROUTESPARK_S3_BUCKET is not set")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("jobqueue: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "s3-artifact-store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &S3ArtifactStore{client: client, bucket: cfg.S3Bucket, breaker: breaker}, nil
}

// Upload streams data to the bucket under key using the multipart
// uploads manager, returning the size written.
func (s *S3ArtifactStore) Upload(ctx context.Context, key string, data []byte) (int64, error) {
	_, err := s.breaker.Execute(func() (any, error) {
		uploader := manager.NewUploader(s.client)
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		return nil, err
	})
	if err != nil {
		return 0, rserrors.Wrap(rserrors.ExportProcessingError, "s3 upload failed", err)
	}
	return int64(len(data)), nil
}

// Delete removes the object at key, treating a missing object as success
// (mirrors docstore's "delete a non-existent document is a no-op").
func (s *S3ArtifactStore) Delete(ctx context.Context, key string) error {
	_, err := s.breaker.Execute(func() (any, error) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return nil, err
	})
	if err != nil {
		return rserrors.Wrap(rserrors.ExportProcessingError, "s3 delete failed", err)
	}
	return nil
}

// MemoryArtifactStore is an in-memory ArtifactStore used by tests in
// place of a live S3-compatible bucket.
type MemoryArtifactStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryArtifactStore returns an empty MemoryArtifactStore.
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{objects: make(map[string][]byte)}
}

// Upload implements ArtifactStore.
func (m *MemoryArtifactStore) Upload(_ context.Context, key string, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return int64(len(cp)), nil
}

// Delete implements ArtifactStore.
func (m *MemoryArtifactStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Get returns the stored bytes for key, for test assertions.
func (m *MemoryArtifactStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.objects[key]
	return v, ok
}
