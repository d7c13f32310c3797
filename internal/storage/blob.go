package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	gcs "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	s3v2 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/memblob" // in-memory driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/obsrvr-run-engine/internal/tables"
)

// BlobStore keeps objects in a gocloud bucket (GCS, S3 and S3-compatible
// stores, or memory).
//
// Object stores have no atomic rename, so Move is emulated as copy then
// delete. Without overwrite the copy streams into a conditional
// create-if-absent write (see createIfAbsent). A crash between copy and
// delete leaves an orphaned staging object, never a partial final object.
type BlobStore struct {
	bucket  *blob.Bucket
	baseURL string
	scheme  string

	// conditional is set when the driver enforces write preconditions.
	conditional bool
	mu          sync.Mutex
}

// OpenBlobStore opens a bucket URL such as gs://bucket/prefix or
// s3://bucket/prefix?region=us-east-1. The URL path becomes a key prefix.
func OpenBlobStore(ctx context.Context, rawURL string) (*BlobStore, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse bucket url %s: %w", rawURL, err)
	}
	prefix := strings.Trim(u.Path, "/")

	bucketURL := u.Scheme + "://" + u.Host
	if u.RawQuery != "" {
		bucketURL += "?" + u.RawQuery
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s://%s: %w", u.Scheme, u.Host, err)
	}
	if prefix != "" {
		bucket = blob.PrefixedBucket(bucket, prefix+"/")
	}

	base := u.Scheme + "://" + u.Host
	if prefix != "" {
		base += "/" + prefix
	}
	store := NewBlobStore(bucket, base)
	if u.Scheme == "s3" && strings.EqualFold(u.Query().Get("awssdk"), "v1") {
		store.conditional = false
	}
	return store, nil
}

// NewBlobStore wraps an already opened bucket. baseURL is used to build URIs.
func NewBlobStore(bucket *blob.Bucket, baseURL string) *BlobStore {
	scheme := "blob"
	if i := strings.Index(baseURL, "://"); i > 0 {
		scheme = baseURL[:i]
	}
	if !strings.HasSuffix(baseURL, "://") {
		baseURL = strings.TrimRight(baseURL, "/")
	}
	return &BlobStore{
		bucket:      bucket,
		baseURL:     baseURL,
		scheme:      scheme,
		conditional: scheme == "gs" || scheme == "s3",
	}
}

// Put writes data to key.
func (s *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	return s.write(ctx, key, data, nil)
}

func (s *BlobStore) write(ctx context.Context, key string, data []byte, opts *blob.WriterOptions) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, opts)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Get returns the bytes stored at key.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, s.mapErr(key, err)
	}
	return data, nil
}

// Head returns metadata about a stored object.
func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, s.mapErr(key, err)
	}
	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

// Exists checks if an object exists at key.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

// Checksum streams the object at key through SHA-256.
func (s *BlobStore) Checksum(ctx context.Context, key string) (string, int64, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return "", 0, s.mapErr(key, err)
	}
	defer r.Close()
	return tables.ReaderChecksum(r)
}

// Move copies src to dst and deletes src.
func (s *BlobStore) Move(ctx context.Context, src, dst string, overwrite bool) error {
	if overwrite {
		if err := s.bucket.Copy(ctx, dst, src, nil); err != nil {
			return fmt.Errorf("copy %s -> %s: %w", src, dst, s.mapErr(src, err))
		}
	} else {
		r, err := s.bucket.NewReader(ctx, src, nil)
		if err != nil {
			return fmt.Errorf("open source %s: %w", src, s.mapErr(src, err))
		}
		err = s.createIfAbsent(ctx, dst, r)
		r.Close()
		if err != nil {
			return err
		}
	}

	if err := s.bucket.Delete(ctx, src); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete staged %s: %w", src, err)
	}
	return nil
}

// CreateIfAbsent writes key only if it does not exist yet.
func (s *BlobStore) CreateIfAbsent(ctx context.Context, key string, data []byte) error {
	return s.createIfAbsent(ctx, key, bytes.NewReader(data))
}

// createIfAbsent streams r into key with a does-not-exist precondition.
// GCS and S3 (SDK v2) enforce the precondition server side. Other drivers
// get an existence check and write under s.mu, which is atomic only for
// writers sharing this BlobStore.
func (s *BlobStore) createIfAbsent(ctx context.Context, key string, r io.Reader) error {
	if !s.conditional {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if ok, err := s.bucket.Exists(ctx, key); err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	} else if ok {
		return fmt.Errorf("%s: %w", key, ErrObjectExists)
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, ifAbsentOptions())
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return s.classifyConditional(ctx, key, err)
	}
	return nil
}

// ifAbsentOptions attaches a does-not-exist precondition to the driver's
// native write request.
func ifAbsentOptions() *blob.WriterOptions {
	return &blob.WriterOptions{
		BeforeWrite: func(as func(interface{}) bool) error {
			var oh **gcs.ObjectHandle
			if as(&oh) {
				*oh = (*oh).If(gcs.Conditions{DoesNotExist: true})
				return nil
			}
			var in *s3v2.PutObjectInput
			if as(&in) {
				in.IfNoneMatch = aws.String("*")
			}
			return nil
		},
	}
}

// classifyConditional maps a failed conditional write to ErrObjectExists
// when the destination turned out to be occupied.
func (s *BlobStore) classifyConditional(ctx context.Context, key string, err error) error {
	if preconditionFailed(err) {
		return fmt.Errorf("%s: %w", key, ErrObjectExists)
	}
	if ok, existsErr := s.bucket.Exists(ctx, key); existsErr == nil && ok {
		return fmt.Errorf("%s: %w", key, ErrObjectExists)
	}
	return fmt.Errorf("conditional write %s: %w", key, err)
}

// preconditionFailed reports whether err is a rejected does-not-exist
// precondition. gcsblob maps HTTP 412 to FailedPrecondition; s3blob leaves
// it Unknown, so the S3 error code is inspected directly.
func preconditionFailed(err error) bool {
	switch gcerrors.Code(err) {
	case gcerrors.FailedPrecondition, gcerrors.AlreadyExists:
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

// Delete removes key.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns all keys with the given prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: prefix,
	})

	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}

	return keys, nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	if key == "" || strings.HasSuffix(s.baseURL, "/") {
		return s.baseURL + key
	}
	return s.baseURL + "/" + key
}

// Backend returns the URL scheme of the bucket.
func (s *BlobStore) Backend() string { return s.scheme }

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func (s *BlobStore) mapErr(key string, err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", key, err)
}

// Verify BlobStore implements ObjectStore.
var _ ObjectStore = (*BlobStore)(nil)
