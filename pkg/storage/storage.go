// Package storage defines the FileStore interface used to persist model
// weights and fingerprint databases. A database directory can live on
// local disk or under an S3 prefix; callers pick one with [Open] and never
// touch the backend directly.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// FileStore is a minimal interface for file-oriented storage.
//
// Paths are forward-slash separated and relative to the store root.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file for reading.
	// The caller must close the returned ReadCloser when done.
	// If the file does not exist, an error wrapping os.ErrNotExist is returned.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named file for writing. The new content replaces
	// any existing file once the returned WriteCloser is closed without
	// error. Parent directories are created automatically.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named file.
	// If the file does not exist, Delete returns nil (idempotent).
	Delete(ctx context.Context, path string) error

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, path string) (bool, error)
}

// Open returns the store for uri. "s3://bucket/prefix" selects an S3
// store configured from the environment (see [S3ConfigFromEnv]); anything
// else is a local directory, created if missing.
func Open(ctx context.Context, uri string) (FileStore, error) {
	if !strings.HasPrefix(uri, "s3://") {
		return NewLocal(strings.TrimPrefix(uri, "file://"))
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("storage: parse %q: %w", uri, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("storage: %q has no bucket", uri)
	}
	cfg, err := S3ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewS3(NewS3Client(cfg), u.Host, strings.Trim(u.Path, "/")), nil
}

// ReadFile reads the whole named file.
func ReadFile(ctx context.Context, fs FileStore, path string) ([]byte, error) {
	r, err := fs.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// WriteFile replaces the named file with data.
func WriteFile(ctx context.Context, fs FileStore, path string, data []byte) error {
	w, err := fs.Write(ctx, path)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
