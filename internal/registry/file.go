package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FileRegistry stores one JSON file per full hash in a directory. Entries
// are written to a temp file and hard-linked into place, so an entry file is
// either absent or complete and the first writer wins.
type FileRegistry struct {
	dir string
}

// NewFileRegistry creates the registry directory if needed.
func NewFileRegistry(dir string) (*FileRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory %s: %w", dir, err)
	}
	return &FileRegistry{dir: dir}, nil
}

func (r *FileRegistry) entryPath(fullHash string) string {
	return filepath.Join(r.dir, "entry_"+fullHash+".json")
}

// FindByHash reads the entry file for fullHash.
func (r *FileRegistry) FindByHash(ctx context.Context, fullHash string) (*Entry, error) {
	if !isHex(fullHash) {
		return nil, fmt.Errorf("invalid full hash %q", fullHash)
	}
	data, err := os.ReadFile(r.entryPath(fullHash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", fullHash, ErrNotFound)
		}
		return nil, fmt.Errorf("read registry entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse registry entry: %w", err)
	}
	return &e, nil
}

// Register writes the entry file unless one exists.
func (r *FileRegistry) Register(ctx context.Context, e Entry) (*Entry, error) {
	if err := validate(e); err != nil {
		return nil, err
	}
	if !isHex(e.FullHash) {
		return nil, fmt.Errorf("invalid full hash %q", e.FullHash)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal registry entry: %w", err)
	}

	path := r.entryPath(e.FullHash)
	tempPath := path + ".tmp." + uuid.New().String()
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write registry temp file: %w", err)
	}
	defer os.Remove(tempPath)

	err = os.Link(tempPath, path)
	if errors.Is(err, fs.ErrExist) {
		existing, findErr := r.FindByHash(ctx, e.FullHash)
		if findErr != nil {
			return nil, findErr
		}
		return resolveExisting(existing, e)
	}
	if err != nil {
		return nil, fmt.Errorf("link registry entry: %w", err)
	}
	return &e, nil
}

func (r *FileRegistry) Close() error { return nil }

func isHex(s string) bool {
	if s == "" {
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
