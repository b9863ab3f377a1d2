// Package storage abstracts the build output location that bundles, catalogs
// and content state are written to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Read and Head for a missing key.
var ErrNotFound = errors.New("object not found")

// BundleStore abstracts reading and writing build artifacts. Keys are
// slash-separated and relative to the store root.
type BundleStore interface {
	// Write stores data under key, replacing any previous object.
	Write(ctx context.Context, key string, data []byte) error

	// Read returns the object stored under key.
	Read(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Move pairs a temp key with its final key.
type Move struct {
	Temp  string
	Final string
}

// AtomicStore extends BundleStore with atomic publish capabilities.
type AtomicStore interface {
	BundleStore

	// WriteTemp writes data to a temporary location next to key.
	// Returns the temp key that can be passed to Finalize.
	WriteTemp(ctx context.Context, key string, data []byte) (tempKey string, err error)

	// Finalize moves temp objects to their final keys. For object stores
	// this is copy+delete; for the local filesystem it's rename. If any
	// move fails, finals already written are removed and temps aborted.
	Finalize(ctx context.Context, moves []Move) error

	// Abort removes temporary objects without publishing.
	Abort(ctx context.Context, tempKeys []string) error

	// Head returns metadata about a stored object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // MD5 for S3/GCS, empty for local
	ModTime time.Time
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "gcs" | "s3" | "mem"

	// Local filesystem
	LocalDir string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Common
	Prefix string // path prefix within bucket or local dir
}

// NewAtomicStore creates a storage backend based on configuration.
// All supported backends implement AtomicStore.
func NewAtomicStore(cfg StorageConfig) (AtomicStore, error) {
	switch cfg.Backend {
	case "local", "":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		return NewGCSStore(cfg.GCSBucket, cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		return NewS3Store(cfg.S3Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	case "mem":
		return NewMemStore(cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// Publish writes every object to a temp key and finalizes them together.
func Publish(ctx context.Context, store AtomicStore, objects map[string][]byte, order []string) error {
	var moves []Move
	var temps []string
	for _, key := range order {
		tmp, err := store.WriteTemp(ctx, key, objects[key])
		if err != nil {
			store.Abort(ctx, temps)
			return fmt.Errorf("stage %s: %w", key, err)
		}
		temps = append(temps, tmp)
		moves = append(moves, Move{Temp: tmp, Final: key})
	}
	return store.Finalize(ctx, moves)
}

// Batch buffers writes and publishes them together on Commit.
type Batch struct {
	store   AtomicStore
	objects map[string][]byte
	order   []string
}

func NewBatch(store AtomicStore) *Batch {
	return &Batch{store: store, objects: make(map[string][]byte)}
}

// Write buffers data under key. A repeated key keeps its first position.
func (b *Batch) Write(_ context.Context, key string, data []byte) error {
	if _, ok := b.objects[key]; !ok {
		b.order = append(b.order, key)
	}
	b.objects[key] = data
	return nil
}

// Commit publishes every buffered object.
func (b *Batch) Commit(ctx context.Context) error {
	return Publish(ctx, b.store, b.objects, b.order)
}
