package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore stores files on the local filesystem under a base directory,
// grounded on the corpus's local-disk artifact store idiom: write to a
// temp file, then rename, so a reader never observes a half-written file.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates (if needed) basePath and returns a store rooted there.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create filestore directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

var _ Store = (*LocalStore)(nil)

func (s *LocalStore) path(handle string) (string, error) {
	if strings.Contains(handle, "..") {
		return "", fmt.Errorf("invalid handle %q", handle)
	}
	return filepath.Join(s.basePath, handle), nil
}

// Put writes data to basePath/handle via a temp-file-then-rename, returning
// the absolute path as the locator.
func (s *LocalStore) Put(ctx context.Context, handle string, data io.Reader, opts PutOptions) (string, error) {
	dest, err := s.path(handle)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("create parent directory: %w", err)
	}

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename file: %w", err)
	}

	return dest, nil
}

// Retrieve opens basePath/handle for reading.
func (s *LocalStore) Retrieve(ctx context.Context, handle string) (io.ReadCloser, error) {
	p, err := s.path(handle)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete removes basePath/handle if present.
func (s *LocalStore) Delete(ctx context.Context, handle string) error {
	p, err := s.path(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// Exists reports whether basePath/handle is present.
func (s *LocalStore) Exists(ctx context.Context, handle string) (bool, error) {
	p, err := s.path(handle)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(p)
	if statErr == nil {
		return true, nil
	}
	if os.IsNotExist(statErr) {
		return false, nil
	}
	return false, fmt.Errorf("stat file: %w", statErr)
}
