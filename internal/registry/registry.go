// Package registry records completed runs in a model registry keyed by full
// hash. No implementation ever stores two entries for the same full hash.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by FindByHash when no entry exists.
	ErrNotFound = errors.New("registry entry not found")

	// ErrRegistrationConflict is returned when the registry already holds a
	// differing entry for the same full hash.
	ErrRegistrationConflict = errors.New("registration conflict")
)

// Entry is one registered run.
type Entry struct {
	FullHash    string            `json:"full_hash"`
	RunID       string            `json:"run_id"`
	ArtifactURI string            `json:"artifact_uri"`
	Tags        map[string]string `json:"tags,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Matches reports whether o describes the same registration as e. Tags and
// timestamps are informational and ignored.
func (e Entry) Matches(o Entry) bool {
	return e.FullHash == o.FullHash && e.RunID == o.RunID && e.ArtifactURI == o.ArtifactURI
}

// Client is the registry contract.
type Client interface {
	// FindByHash returns the entry for fullHash or ErrNotFound.
	FindByHash(ctx context.Context, fullHash string) (*Entry, error)

	// Register creates an entry unless one exists. An existing matching entry
	// is returned as is; a differing one yields ErrRegistrationConflict.
	Register(ctx context.Context, e Entry) (*Entry, error)

	Close() error
}

// Tags builds the standard tag set attached to every registration.
func Tags(runID, fullHash, fingerprint, version string) map[string]string {
	return map[string]string{
		"run_id":                   runID,
		"full_config_hash":         fullHash,
		"data_fingerprint":         fingerprint,
		"canonicalization_version": version,
	}
}

func validate(e Entry) error {
	if e.FullHash == "" || e.RunID == "" || e.ArtifactURI == "" {
		return fmt.Errorf("registry entry requires full_hash, run_id and artifact_uri")
	}
	if !strings.HasPrefix(e.FullHash, e.RunID) {
		return fmt.Errorf("run_id %s is not a prefix of full hash %s", e.RunID, e.FullHash)
	}
	return nil
}

// resolveExisting applies the registration policy to an entry found after an
// insert that did not create anything.
func resolveExisting(existing *Entry, want Entry) (*Entry, error) {
	if existing.Matches(want) {
		return existing, nil
	}
	return nil, fmt.Errorf("%w: full hash %s registered for run %s at %s",
		ErrRegistrationConflict, want.FullHash, existing.RunID, existing.ArtifactURI)
}

// Open returns a Client for dsn:
//
//	mem://                      in-process registry
//	file:///path or a plain path  one JSON file per entry
//	sqlite:///path/registry.db   SQLite database
//	postgres://...               PostgreSQL database
func Open(ctx context.Context, dsn string) (Client, error) {
	if dsn == "" {
		return nil, fmt.Errorf("registry DSN required")
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return NewFileRegistry(dsn)
	}
	switch u.Scheme {
	case "mem", "memory":
		return NewMemoryRegistry(), nil
	case "file":
		return NewFileRegistry(u.Path)
	case "sqlite", "sqlite3":
		path := u.Path
		if u.Host != "" {
			path = u.Host + u.Path
		}
		return OpenSQLite(ctx, path)
	case "postgres", "postgresql":
		return NewPostgresRegistry(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown registry scheme: %s", u.Scheme)
	}
}
