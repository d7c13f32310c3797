// Package fingerprint computes content-derived digests of datasets.
//
// A dataset is any addressable object collection: a directory tree or a
// bucket prefix. Each object contributes "path:token:size" where the token
// is a content identity (a content hash, or the provider's content MD5), never
// a timestamp. Triples are sorted by path before hashing so listing order does
// not matter.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-run-engine/internal/metrics"
)

// Separator joins object triples. Paths may not contain it.
const Separator = "|"

// ErrDatasetUnreadable is matched by every failure to fingerprint a dataset.
var ErrDatasetUnreadable = errors.New("dataset unreadable")

// DatasetUnreadableError wraps the underlying listing or read failure.
type DatasetUnreadableError struct {
	Root string
	Err  error
}

func (e *DatasetUnreadableError) Error() string {
	return fmt.Sprintf("dataset unreadable: %s: %v", e.Root, e.Err)
}

func (e *DatasetUnreadableError) Unwrap() error { return e.Err }

func (e *DatasetUnreadableError) Is(target error) bool {
	return target == ErrDatasetUnreadable
}

func unreadable(root string, err error) error {
	var due *DatasetUnreadableError
	if errors.As(err, &due) {
		return err
	}
	return &DatasetUnreadableError{Root: root, Err: err}
}

// Object is one entry of a dataset listing.
type Object struct {
	Path  string // slash-separated, relative to the dataset root
	Token string // content identity, e.g. "sha256:<hex>" or "md5:<hex>"
	Size  int64
}

func (o Object) triple() string {
	return o.Path + ":" + o.Token + ":" + strconv.FormatInt(o.Size, 10)
}

// DatasetFingerprint is the lowercase hex SHA-256 digest of a dataset listing.
type DatasetFingerprint string

func (f DatasetFingerprint) String() string { return string(f) }

// Validate checks that f is 64 lowercase hex characters.
func (f DatasetFingerprint) Validate() error {
	if !isLowerHex(string(f), sha256.Size*2) {
		return fmt.Errorf("invalid dataset fingerprint %q", string(f))
	}
	return nil
}

// Lister enumerates the objects of one dataset.
type Lister interface {
	// List returns every object under the dataset root. It either returns
	// the complete listing or an error.
	List(ctx context.Context) ([]Object, error)
	// Root describes the dataset location for logs and errors.
	Root() string
	// SourceType is a short backend name used as a metric label.
	SourceType() string
	Close() error
}

// Digest sorts objects by path and hashes the joined triples. It rejects
// empty listings, duplicate paths and paths containing the separator.
func Digest(objects []Object) (DatasetFingerprint, error) {
	if len(objects) == 0 {
		return "", errors.New("dataset contains no objects")
	}

	sorted := make([]Object, len(objects))
	copy(sorted, objects)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	triples := make([]string, len(sorted))
	for i, o := range sorted {
		if o.Path == "" {
			return "", errors.New("object with empty path")
		}
		if strings.Contains(o.Path, Separator) || strings.Contains(o.Token, Separator) {
			return "", fmt.Errorf("object %q contains reserved separator %q", o.Path, Separator)
		}
		if o.Token == "" {
			return "", fmt.Errorf("object %q has no content token", o.Path)
		}
		if i > 0 && sorted[i-1].Path == o.Path {
			return "", fmt.Errorf("duplicate object path %q", o.Path)
		}
		triples[i] = o.triple()
	}

	sum := sha256.Sum256([]byte(strings.Join(triples, Separator)))
	return DatasetFingerprint(hex.EncodeToString(sum[:])), nil
}

// Fingerprinter lists a dataset and digests the listing.
type Fingerprinter struct {
	// Timeout bounds the whole listing. Zero means no limit beyond ctx.
	Timeout time.Duration
	Log     *slog.Logger
}

// Result carries the digest and the listing it was computed from.
type Result struct {
	Fingerprint DatasetFingerprint
	Objects     []Object
	TotalBytes  int64
}

// Fingerprint lists everything under l and digests it. Any failure is
// returned as a DatasetUnreadableError; no partial digest is produced.
func (f *Fingerprinter) Fingerprint(ctx context.Context, l Lister) (*Result, error) {
	log := f.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "fingerprint", "root", l.Root(), "source_type", l.SourceType())

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	start := time.Now()
	objects, err := l.List(ctx)
	if err != nil {
		log.Warn("dataset listing failed", "error", err)
		return nil, unreadable(l.Root(), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, unreadable(l.Root(), err)
	}

	fp, err := Digest(objects)
	if err != nil {
		return nil, unreadable(l.Root(), err)
	}

	var total int64
	for _, o := range objects {
		total += o.Size
	}

	elapsed := time.Since(start)
	m := metrics.Get()
	m.ObserveFingerprintDuration(metrics.Labels{SourceType: l.SourceType()}, elapsed.Seconds())
	m.ObserveDatasetObjects(metrics.Labels{SourceType: l.SourceType()}, float64(len(objects)))

	log.Info("dataset fingerprinted",
		"fingerprint", fp,
		"objects", len(objects),
		"bytes", total,
		"duration", elapsed,
	)

	return &Result{Fingerprint: fp, Objects: objects, TotalBytes: total}, nil
}

// Fingerprint is a convenience wrapper using a zero Fingerprinter.
func Fingerprint(ctx context.Context, l Lister) (*Result, error) {
	var f Fingerprinter
	return f.Fingerprint(ctx, l)
}

func isLowerHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
