package evidence

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	PublicBaseURL string
}

// MinIOStore uploads to an S3-compatible object store.
type MinIOStore struct {
	client  *minio.Client
	baseURL string

	mu      sync.Mutex
	ensured map[string]bool
}

func NewMinIOStore(cfg MinIOConfig) (*MinIOStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when evidence.backend=minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + endpoint
	}
	return &MinIOStore{client: client, baseURL: base, ensured: map[string]bool{}}, nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[bucket] {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	s.ensured[bucket] = true
	return nil
}

func (s *MinIOStore) Upload(ctx context.Context, bucket string, obj Object) (string, error) {
	if obj.Body == nil {
		return "", ErrEmptyObject
	}
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return "", fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	name := objectName(obj)
	size := obj.Size
	if size <= 0 {
		size = -1
	}
	if _, err := s.client.PutObject(ctx, bucket, name, obj.Body, size, minio.PutObjectOptions{ContentType: contentType(obj)}); err != nil {
		return "", err
	}
	return s.PublicURL(bucket, name), nil
}

// PublicURL is the address an uploaded object is served from.
func (s *MinIOStore) PublicURL(bucket, name string) string {
	return fmt.Sprintf("%s/%s/%s", s.baseURL, bucket, name)
}
