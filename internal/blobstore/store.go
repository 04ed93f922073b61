// Package blobstore publishes build artifacts and serves them back through
// random access reads, from the local file system, memory, MinIO or S3.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"parceltiles/internal/config"
)

// ErrNotFound is returned when a blob does not exist. It matches
// os.ErrNotExist with errors.Is.
var ErrNotFound = os.ErrNotExist

// Store holds immutable named blobs.
type Store interface {
	// Put writes a blob. size may be -1 when unknown.
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// Open opens a blob for random access reads.
	Open(ctx context.Context, name string) (Blob, error)

	// List returns the blob names starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a stored blob.
type Blob interface {
	io.ReaderAt
	io.Closer

	// Size returns the size of the blob in bytes.
	Size() int64
}

// New builds the store selected by the publish configuration. It returns
// nil for the "none" backend.
func New(ctx context.Context, cfg config.Publish) (Store, error) {
	switch cfg.Backend {
	case "", config.BackendNone:
		return nil, nil
	case config.BackendLocal:
		root := cfg.Bucket
		if root == "" {
			return nil, fmt.Errorf("blobstore: local backend needs a directory in bucket")
		}
		return NewLocal(filepath.Join(root, filepath.FromSlash(cfg.Prefix))), nil
	case config.BackendMinIO:
		return NewMinIO(cfg)
	case config.BackendS3:
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}
}

// PutFile uploads a local file under name.
func PutFile(ctx context.Context, s Store, name, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return s.Put(ctx, name, f, info.Size())
}

// objectKey joins a store prefix and a blob name with forward slashes.
func objectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// trimKey strips the store prefix from an object key.
func trimKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, strings.TrimSuffix(prefix, "/")), "/")
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".pmtiles"):
		return "application/vnd.pmtiles"
	case strings.HasSuffix(name, ".json"), strings.HasSuffix(name, ".geojson"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
