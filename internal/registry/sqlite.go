package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var sqliteSchemaSQL string

// SQLiteRegistry stores entries in a SQLite database with full_hash as the
// primary key.
type SQLiteRegistry struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect registry database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}

	return &SQLiteRegistry{db: db}, nil
}

// FindByHash looks up the entry for fullHash.
func (r *SQLiteRegistry) FindByHash(ctx context.Context, fullHash string) (*Entry, error) {
	var (
		e       Entry
		tags    string
		created string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT full_hash, run_id, artifact_uri, tags, created_at
		FROM registry_entries
		WHERE full_hash = ?
	`, fullHash).Scan(&e.FullHash, &e.RunID, &e.ArtifactURI, &tags, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", fullHash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query registry entry: %w", err)
	}

	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	return &e, nil
}

// Register inserts the entry unless full_hash already exists.
func (r *SQLiteRegistry) Register(ctx context.Context, e Entry) (*Entry, error) {
	if err := validate(e); err != nil {
		return nil, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	if e.Tags == nil {
		tags = []byte("{}")
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO registry_entries (full_hash, run_id, artifact_uri, tags, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (full_hash) DO NOTHING
	`, e.FullHash, e.RunID, e.ArtifactURI, string(tags), e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert registry entry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert registry entry: %w", err)
	}
	if n == 1 {
		return &e, nil
	}

	existing, err := r.FindByHash(ctx, e.FullHash)
	if err != nil {
		return nil, err
	}
	return resolveExisting(existing, e)
}

// Close closes the database connection.
func (r *SQLiteRegistry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}
