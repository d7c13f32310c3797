package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Locker serializes runs that share a run_id.
type Locker interface {
	Lock(ctx context.Context, runID string) (unlock func(), err error)
}

// LockConfig configures the run lock.
type LockConfig struct {
	Enabled      bool
	Dir          string        // Directory for lock files
	PollInterval time.Duration // Retry delay while the lock is held elsewhere
}

// NewLocker creates a locker based on configuration.
func NewLocker(cfg LockConfig) (Locker, error) {
	if !cfg.Enabled {
		return NoopLocker{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock directory %s: %w", cfg.Dir, err)
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &FileLocker{Dir: cfg.Dir, PollInterval: interval}, nil
}

// NoopLocker never blocks.
type NoopLocker struct{}

func (NoopLocker) Lock(ctx context.Context, runID string) (func(), error) {
	return func() {}, nil
}

// FileLocker takes an advisory file lock per run_id. It only serializes
// processes sharing Dir.
type FileLocker struct {
	Dir          string
	PollInterval time.Duration
}

// lockPath returns the lock file for a run.
func (l *FileLocker) lockPath(runID string) string {
	return filepath.Join(l.Dir, fmt.Sprintf("run_%s.lock", runID))
}

// Lock blocks until the lock is acquired or ctx is done.
func (l *FileLocker) Lock(ctx context.Context, runID string) (func(), error) {
	fl := flock.New(l.lockPath(runID))
	ok, err := fl.TryLockContext(ctx, l.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("lock run %s: %w", runID, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock run %s: not acquired", runID)
	}
	return func() { fl.Unlock() }, nil
}
