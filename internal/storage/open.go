package storage

import (
	"context"
	"fmt"
	"net/url"
)

// Config configures the artifact store.
type Config struct {
	// RootURI is a directory path, file:// URI, or bucket URL
	// (gs://, s3://, mem://) under which runs are stored.
	RootURI   string
	Namespace string
}

// OpenObjectStore picks a backend from the root URI scheme.
func OpenObjectStore(ctx context.Context, rootURI string) (ObjectStore, error) {
	if rootURI == "" {
		return nil, fmt.Errorf("artifact root URI required")
	}
	u, err := url.Parse(rootURI)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return NewLocalStore(rootURI)
	}
	switch u.Scheme {
	case "file":
		return NewLocalStore(u.Path)
	case "gs", "s3", "mem":
		return OpenBlobStore(ctx, rootURI)
	default:
		return nil, fmt.Errorf("unknown storage scheme: %s", u.Scheme)
	}
}

// Open creates an ArtifactStore for cfg.
func Open(ctx context.Context, cfg Config) (*RunStore, error) {
	objects, err := OpenObjectStore(ctx, cfg.RootURI)
	if err != nil {
		return nil, err
	}
	return NewRunStore(objects, cfg.Namespace), nil
}
