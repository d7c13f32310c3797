package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"
)

// BlobLister lists objects under a bucket prefix. When the provider reports a
// content MD5 it is used as the token; otherwise the object is streamed and
// hashed.
type BlobLister struct {
	Bucket  *blob.Bucket
	Prefix  string
	URL     string
	Workers int
	Retry   RetryPolicy

	owned bool
}

func (l *BlobLister) Root() string {
	if l.URL != "" {
		return l.URL
	}
	return l.Prefix
}

func (l *BlobLister) SourceType() string { return "blob" }

// Close closes the bucket if the lister opened it.
func (l *BlobLister) Close() error {
	if l.owned && l.Bucket != nil {
		return l.Bucket.Close()
	}
	return nil
}

// List enumerates every object under the prefix.
func (l *BlobLister) List(ctx context.Context) ([]Object, error) {
	prefix := l.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var listed []*blob.ListObject
	err := l.Retry.do(ctx, "dataset_list", func() error {
		listed = listed[:0]
		iter := l.Bucket.List(&blob.ListOptions{Prefix: prefix})
		for {
			obj, err := iter.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if obj.IsDir {
				continue
			}
			listed = append(listed, obj)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	workers := l.Workers
	if workers <= 0 {
		workers = 8
	}

	objects := make([]Object, len(listed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, obj := range listed {
		rel := strings.TrimPrefix(obj.Key, prefix)
		if len(obj.MD5) > 0 {
			objects[i] = Object{Path: rel, Token: "md5:" + hex.EncodeToString(obj.MD5), Size: obj.Size}
			continue
		}
		g.Go(func() error {
			var (
				token string
				size  int64
			)
			err := l.Retry.do(gctx, "dataset_read", func() error {
				var err error
				token, size, err = l.hashObject(gctx, obj.Key)
				return err
			})
			if err != nil {
				return fmt.Errorf("read %s: %w", obj.Key, err)
			}
			objects[i] = Object{Path: rel, Token: token, Size: size}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return objects, nil
}

func (l *BlobLister) hashObject(ctx context.Context, key string) (string, int64, error) {
	r, err := l.Bucket.NewReader(ctx, key, nil)
	if err != nil {
		return "", 0, err
	}
	defer r.Close()

	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), n, nil
}
