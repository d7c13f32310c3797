package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRegistry keeps entries in process memory.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryRegistry returns an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]Entry), now: time.Now}
}

func (r *MemoryRegistry) FindByHash(ctx context.Context, fullHash string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[fullHash]
	if !ok {
		return nil, fmt.Errorf("%s: %w", fullHash, ErrNotFound)
	}
	return &e, nil
}

func (r *MemoryRegistry) Register(ctx context.Context, e Entry) (*Entry, error) {
	if err := validate(e); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[e.FullHash]; ok {
		return resolveExisting(&existing, e)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	r.entries[e.FullHash] = e
	out := e
	return &out, nil
}

// Len returns the number of entries.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *MemoryRegistry) Close() error { return nil }
