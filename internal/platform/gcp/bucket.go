package gcp

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/fraterny/quest-backend/internal/platform/ctxutil"
	"github.com/fraterny/quest-backend/internal/platform/logger"
)

// BucketService stores generated report artifacts in a GCS bucket and
// hands out their public URLs.
type BucketService interface {
	Upload(ctx context.Context, objectKey string, contentType string, r io.Reader) (string, error)
	UploadFile(ctx context.Context, objectKey string, contentType string, localPath string) (string, error)
	Delete(ctx context.Context, objectKey string) error
	PublicURL(objectKey string) string
}

type bucketService struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

func NewBucketService(ctx context.Context, log *logger.Logger) (BucketService, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	bucket := strings.TrimSpace(os.Getenv("GCS_ARTIFACT_BUCKET"))
	if bucket == "" {
		return nil, fmt.Errorf("missing GCS_ARTIFACT_BUCKET")
	}

	client, err := storage.NewClient(ctxutil.Default(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}

	return &bucketService{
		log:    log.With("service", "BucketService"),
		client: client,
		bucket: bucket,
	}, nil
}

func (s *bucketService) Upload(ctx context.Context, objectKey string, contentType string, r io.Reader) (string, error) {
	if s == nil || s.client == nil {
		return "", fmt.Errorf("bucket service unavailable")
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return "", fmt.Errorf("gcs: object key required")
	}

	ctx = ctxutil.Default(ctx)
	w := s.client.Bucket(s.bucket).Object(objectKey).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	w.ChunkSize = 8 << 20

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs: write object %q: %w", objectKey, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs: close object %q: %w", objectKey, err)
	}

	s.log.Info("Uploaded artifact", "object", objectKey, "bucket", s.bucket)
	return s.PublicURL(objectKey), nil
}

func (s *bucketService) UploadFile(ctx context.Context, objectKey string, contentType string, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("gcs: open %q: %w", localPath, err)
	}
	defer f.Close()

	return s.Upload(ctx, objectKey, contentType, f)
}

func (s *bucketService) Delete(ctx context.Context, objectKey string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("bucket service unavailable")
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctxutil.Default(ctx), 30*time.Second)
	defer cancel()

	if err := s.client.Bucket(s.bucket).Object(objectKey).Delete(ctx); err != nil {
		if err == storage.ErrObjectNotExist {
			return nil
		}
		return fmt.Errorf("gcs: delete object %q: %w", objectKey, err)
	}
	return nil
}

func (s *bucketService) PublicURL(objectKey string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, strings.TrimLeft(objectKey, "/"))
}
