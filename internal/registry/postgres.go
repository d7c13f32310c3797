package registry

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var postgresSchemaSQL string

// PostgresRegistry stores entries in PostgreSQL.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry connects to dsn and initializes the schema.
func NewPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("connected to PostgreSQL registry", "component", "registry")
	return &PostgresRegistry{pool: pool}, nil
}

// FindByHash looks up the entry for fullHash.
func (r *PostgresRegistry) FindByHash(ctx context.Context, fullHash string) (*Entry, error) {
	var (
		e    Entry
		tags []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT full_hash, run_id, artifact_uri, tags, created_at
		FROM _meta_registry_entries
		WHERE full_hash = $1
	`, fullHash).Scan(&e.FullHash, &e.RunID, &e.ArtifactURI, &tags, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", fullHash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query registry entry: %w", err)
	}
	if err := json.Unmarshal(tags, &e.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &e, nil
}

// Register inserts the entry unless full_hash already exists.
func (r *PostgresRegistry) Register(ctx context.Context, e Entry) (*Entry, error) {
	if err := validate(e); err != nil {
		return nil, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	tags := e.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO _meta_registry_entries (full_hash, run_id, artifact_uri, tags, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (full_hash) DO NOTHING
	`, e.FullHash, e.RunID, e.ArtifactURI, string(tagsJSON), e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert registry entry: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return &e, nil
	}

	existing, err := r.FindByHash(ctx, e.FullHash)
	if err != nil {
		return nil, err
	}
	return resolveExisting(existing, e)
}

// Close closes the connection pool.
func (r *PostgresRegistry) Close() error {
	r.pool.Close()
	return nil
}
