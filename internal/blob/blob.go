// Package blob defines the blob store consumed by the attachment layer and
// provides a filesystem implementation. The core never cares about the
// storage medium; anything honoring Store can back it.
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store is the minimal blob interface the attachment manager needs. Put
// returns the key the blob was actually stored under, which may differ from
// the requested key when the implementation renames to avoid a collision.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// FSStore stores blobs as files under a root directory. Keys are slash
// separated relative paths. A key that already exists is not overwritten;
// the base name gets a short uuid fragment instead, so a replace that later
// rolls back can never have clobbered another attachment's bytes.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at dir.
func NewFSStore(dir string) *FSStore {
	return &FSStore{root: dir}
}

// Put writes the blob and returns the key it was stored under.
func (s *FSStore) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	cleaned, errClean := s.cleanKey(key)
	if errClean != nil {
		return "", errClean
	}

	full := filepath.Join(s.root, filepath.FromSlash(cleaned))
	if errMkdir := os.MkdirAll(filepath.Dir(full), 0755); errMkdir != nil {
		return "", fmt.Errorf("blob: create dir: %w", errMkdir)
	}

	if _, errStat := os.Stat(full); errStat == nil {
		cleaned = dedupeKey(cleaned)
		full = filepath.Join(s.root, filepath.FromSlash(cleaned))
	}

	f, errCreate := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errCreate != nil {
		return "", fmt.Errorf("blob: create %s: %w", cleaned, errCreate)
	}
	if _, errCopy := io.Copy(f, r); errCopy != nil {
		_ = f.Close()
		_ = os.Remove(full)
		return "", fmt.Errorf("blob: write %s: %w", cleaned, errCopy)
	}
	if errClose := f.Close(); errClose != nil {
		_ = os.Remove(full)
		return "", fmt.Errorf("blob: close %s: %w", cleaned, errClose)
	}
	return cleaned, nil
}

// Open returns a reader over the stored blob.
func (s *FSStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	cleaned, errClean := s.cleanKey(key)
	if errClean != nil {
		return nil, errClean
	}
	f, errOpen := os.Open(filepath.Join(s.root, filepath.FromSlash(cleaned)))
	if errOpen != nil {
		return nil, fmt.Errorf("blob: open %s: %w", cleaned, errOpen)
	}
	return f, nil
}

// Delete removes the stored blob. Deleting a missing key is not an error.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	cleaned, errClean := s.cleanKey(key)
	if errClean != nil {
		return errClean
	}
	errRemove := os.Remove(filepath.Join(s.root, filepath.FromSlash(cleaned)))
	if errRemove != nil && !os.IsNotExist(errRemove) {
		return fmt.Errorf("blob: delete %s: %w", cleaned, errRemove)
	}
	return nil
}

// cleanKey normalizes a key and rejects anything escaping the root.
func (s *FSStore) cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimSpace(key))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return cleaned, nil
}

// dedupeKey inserts a short uuid fragment before the extension.
func dedupeKey(key string) string {
	ext := path.Ext(key)
	base := strings.TrimSuffix(key, ext)
	fragment := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return base + "-" + fragment + ext
}
