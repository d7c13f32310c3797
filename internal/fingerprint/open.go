package fingerprint

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/memblob" // in-memory driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
)

// Open returns a Lister for a dataset URI. Plain paths and file:// URIs are
// walked on the local filesystem; gs:// and s3:// URIs are listed through
// gocloud, with the URI path used as the object prefix.
func Open(ctx context.Context, uri string, workers int) (Lister, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// No scheme, or a Windows drive letter.
		return NewLocalLister(uri, workers)
	}

	switch u.Scheme {
	case "file":
		return NewLocalLister(u.Path, workers)
	case "gs", "s3", "mem":
		prefix := strings.TrimPrefix(u.Path, "/")
		bucketURL := u.Scheme + "://" + u.Host
		if u.RawQuery != "" {
			bucketURL += "?" + u.RawQuery
		}
		bucket, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, unreadable(uri, fmt.Errorf("open bucket: %w", err))
		}
		return &BlobLister{
			Bucket:  bucket,
			Prefix:  prefix,
			URL:     uri,
			Workers: workers,
			owned:   true,
		}, nil
	default:
		return nil, unreadable(uri, fmt.Errorf("unsupported dataset scheme %q", u.Scheme))
	}
}
