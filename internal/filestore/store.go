package filestore

import (
	"context"
	"io"
)

// PutOptions carries optional metadata for a stored file.
type PutOptions struct {
	MimeType string
	Metadata map[string]string
}

// Store persists and retrieves file content by handle. Implementations
// return a backend-specific locator string from Put that callers stash on
// the owning types.FileRegistryEntry.StorageBackend.
type Store interface {
	// Put writes data under handle and returns a locator describing where
	// it landed (a local path or an s3:// URI).
	Put(ctx context.Context, handle string, data io.Reader, opts PutOptions) (string, error)
	// Retrieve opens handle for reading. The caller must Close it.
	Retrieve(ctx context.Context, handle string) (io.ReadCloser, error)
	// Delete removes handle. Deleting a handle that doesn't exist is not an
	// error.
	Delete(ctx context.Context, handle string) error
	// Exists reports whether handle is currently stored.
	Exists(ctx context.Context, handle string) (bool, error)
}
