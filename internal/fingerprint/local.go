package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// LocalLister lists a directory tree and hashes every file's bytes.
type LocalLister struct {
	Dir     string
	Workers int
	Retry   RetryPolicy
}

// NewLocalLister validates that dir is a directory.
func NewLocalLister(dir string, workers int) (*LocalLister, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, unreadable(dir, fmt.Errorf("invalid local path: %w", err))
	}
	if !info.IsDir() {
		return nil, unreadable(dir, fmt.Errorf("local path %s is not a directory", dir))
	}
	return &LocalLister{Dir: dir, Workers: workers}, nil
}

func (l *LocalLister) Root() string       { return l.Dir }
func (l *LocalLister) SourceType() string { return "local" }
func (l *LocalLister) Close() error       { return nil }

// List walks the tree and hashes files concurrently.
func (l *LocalLister) List(ctx context.Context) ([]Object, error) {
	var paths []string
	err := l.Retry.do(ctx, "dataset_walk", func() error {
		paths = paths[:0]
		return filepath.WalkDir(l.Dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				return nil
			}
			paths = append(paths, path)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}

	workers := l.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	objects := make([]Object, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			rel, err := filepath.Rel(l.Dir, path)
			if err != nil {
				return err
			}
			var (
				token string
				size  int64
			)
			err = l.Retry.do(gctx, "dataset_read", func() error {
				token, size, err = hashFile(path)
				return err
			})
			if err != nil {
				return fmt.Errorf("read %s: %w", rel, err)
			}
			objects[i] = Object{Path: filepath.ToSlash(rel), Token: token, Size: size}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return objects, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), n, nil
}
