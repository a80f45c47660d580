package evidence

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
)

// DirStore keeps objects on the local filesystem, one directory per bucket.
type DirStore struct {
	Root string
}

func NewDirStore(root string) *DirStore {
	return &DirStore{Root: root}
}

func (s *DirStore) Upload(ctx context.Context, bucket string, obj Object) (string, error) {
	if obj.Body == nil {
		return "", ErrEmptyObject
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(s.Root, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bucket dir: %w", err)
	}
	target := filepath.Join(dir, objectName(obj))
	f, err := os.Create(target)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, obj.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return "", fmt.Errorf("write %s: %w", target, err)
	}
	if n == 0 {
		os.Remove(target)
		return "", ErrEmptyObject
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		abs = target
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}
