package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"

	"checkline/internal/config"
)

// Object is a file handed over for upload.
type Object struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// FromBytes wraps an in-memory payload.
func FromBytes(name, contentType string, data []byte) Object {
	return Object{Name: name, ContentType: contentType, Size: int64(len(data)), Body: bytes.NewReader(data)}
}

// Store uploads objects into a bucket and returns a URL for the stored copy.
type Store interface {
	Upload(ctx context.Context, bucket string, obj Object) (string, error)
}

var ErrEmptyObject = errors.New("evidence object is empty")

// objectName gives every upload a random name that keeps the original extension.
func objectName(obj Object) string {
	ext := strings.ToLower(path.Ext(obj.Name))
	if ext == "" && obj.ContentType != "" {
		if exts, _ := mime.ExtensionsByType(obj.ContentType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	return uuid.NewString() + ext
}

func contentType(obj Object) string {
	if obj.ContentType != "" {
		return obj.ContentType
	}
	if ct := mime.TypeByExtension(path.Ext(obj.Name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// New builds the configured backend. workspaceDir is used by the local backend
// when evidence.dir is empty.
func New(cfg config.EvidenceConfig, workspaceDir string) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		dir := cfg.Dir
		if dir == "" {
			dir = workspaceDir
		}
		return NewDirStore(dir), nil
	case "minio":
		return NewMinIOStore(MinIOConfig{
			Endpoint:      cfg.MinIO.Endpoint,
			AccessKey:     cfg.MinIO.AccessKey,
			SecretKey:     cfg.MinIO.SecretKey,
			UseSSL:        cfg.MinIO.UseSSL,
			PublicBaseURL: cfg.MinIO.PublicBaseURL,
		})
	}
	return nil, fmt.Errorf("unknown evidence backend %q", cfg.Backend)
}
