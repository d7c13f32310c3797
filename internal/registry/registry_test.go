package registry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHash = "0123456789ab" + strings.Repeat("c", 52)

func clients(t *testing.T) map[string]Client {
	t.Helper()
	dir := t.TempDir()

	file, err := NewFileRegistry(filepath.Join(dir, "files"))
	require.NoError(t, err)

	sqlite, err := OpenSQLite(context.Background(), filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Client{
		"memory": NewMemoryRegistry(),
		"file":   file,
		"sqlite": sqlite,
	}
}

func entry() Entry {
	return Entry{
		FullHash:    testHash,
		RunID:       testHash[:12],
		ArtifactURI: "gs://bucket/training_runs/" + testHash[:12],
		Tags:        Tags(testHash[:12], testHash, strings.Repeat("f", 64), "1.0.0"),
	}
}

func TestRegisterAndFind(t *testing.T) {
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := c.FindByHash(ctx, testHash)
			assert.ErrorIs(t, err, ErrNotFound)

			created, err := c.Register(ctx, entry())
			require.NoError(t, err)
			assert.False(t, created.CreatedAt.IsZero())

			found, err := c.FindByHash(ctx, testHash)
			require.NoError(t, err)
			assert.True(t, found.Matches(entry()))
			assert.Equal(t, "1.0.0", found.Tags["canonicalization_version"])
		})
	}
}

func TestRegisterIdempotent(t *testing.T) {
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := c.Register(ctx, entry())
			require.NoError(t, err)

			again := entry()
			again.Tags = map[string]string{"note": "retry"}
			second, err := c.Register(ctx, again)
			require.NoError(t, err)
			assert.Equal(t, first.RunID, second.RunID)
			assert.Equal(t, first.ArtifactURI, second.ArtifactURI)
		})
	}
}

func TestRegisterConflict(t *testing.T) {
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := c.Register(ctx, entry())
			require.NoError(t, err)

			other := entry()
			other.ArtifactURI = "s3://elsewhere/" + testHash[:12]
			_, err = c.Register(ctx, other)
			assert.True(t, errors.Is(err, ErrRegistrationConflict), "got %v", err)

			found, err := c.FindByHash(ctx, testHash)
			require.NoError(t, err)
			assert.Equal(t, entry().ArtifactURI, found.ArtifactURI)
		})
	}
}

func TestRegisterConcurrent(t *testing.T) {
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := c.Register(ctx, entry())
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			found, err := c.FindByHash(ctx, testHash)
			require.NoError(t, err)
			assert.True(t, found.Matches(entry()))
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	c := NewMemoryRegistry()
	_, err := c.Register(context.Background(), Entry{FullHash: testHash})
	assert.Error(t, err)

	bad := entry()
	bad.RunID = "ffffffffffff"
	_, err = c.Register(context.Background(), bad)
	assert.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		dsn  string
		want string
	}{
		{"mem://", "*registry.MemoryRegistry"},
		{filepath.Join(dir, "plain"), "*registry.FileRegistry"},
		{"file://" + filepath.Join(dir, "uri"), "*registry.FileRegistry"},
		{"sqlite://" + filepath.Join(dir, "r.db"), "*registry.SQLiteRegistry"},
	}
	for _, tt := range tests {
		c, err := Open(ctx, tt.dsn)
		require.NoError(t, err, tt.dsn)
		assert.Equal(t, tt.want, typeName(c))
		c.Close()
	}

	_, err := Open(ctx, "redis://x")
	assert.Error(t, err)
}

func typeName(v any) string {
	switch v.(type) {
	case *MemoryRegistry:
		return "*registry.MemoryRegistry"
	case *FileRegistry:
		return "*registry.FileRegistry"
	case *SQLiteRegistry:
		return "*registry.SQLiteRegistry"
	case *PostgresRegistry:
		return "*registry.PostgresRegistry"
	}
	return "unknown"
}
