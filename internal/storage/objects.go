package storage

import "context"

// ObjectStore is a flat key/value object backend. Keys are slash-separated
// and relative to the store root.
type ObjectStore interface {
	// Put writes data to key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the object bytes or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Head returns object metadata or ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	Exists(ctx context.Context, key string) (bool, error)

	// Checksum streams the object and returns its checksum and size.
	Checksum(ctx context.Context, key string) (string, int64, error)

	// Move relocates src to dst. Without overwrite it returns
	// ErrObjectExists when dst is already present and leaves src in place.
	Move(ctx context.Context, src, dst string, overwrite bool) error

	// CreateIfAbsent writes key only if nothing exists there yet, otherwise
	// it returns ErrObjectExists.
	CreateIfAbsent(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Backend names the implementation for logs and metrics.
	Backend() string

	Close() error
}
