package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileBackup saves events as JSON files.
type FileBackup struct {
	dir string
}

// NewFileBackup creates the backup directory if needed.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./journal"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &FileBackup{dir: dir}, nil
}

// Save writes evt to {namespace}_{run_id}_{event_type}_{event_id}.json.
func (f *FileBackup) Save(evt *Event) error {
	filename := fmt.Sprintf("%s_%s_%s_%s.json",
		evt.Run.ChainKey(),
		evt.Run.RunID,
		evt.EventType,
		evt.EventID,
	)
	path := filepath.Join(f.dir, filename)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	slog.Debug("journal event saved", "component", "journal", "path", path)
	return nil
}

// Load reads every saved event of a chain, ordered by chain links.
func (f *FileBackup) Load(chainKey string) ([]Event, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, chainKey+"_*.json"))
	if err != nil {
		return nil, err
	}

	byPrev := make(map[string]Event, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if evt.Run.ChainKey() != chainKey {
			continue
		}
		if _, dup := byPrev[evt.Chain.PrevEventHash]; dup {
			return nil, fmt.Errorf("chain %s forks at %q", chainKey, evt.Chain.PrevEventHash)
		}
		byPrev[evt.Chain.PrevEventHash] = evt
	}

	events := make([]Event, 0, len(byPrev))
	prev := ""
	for len(events) < len(byPrev) {
		evt, ok := byPrev[prev]
		if !ok {
			return nil, errors.New("chain " + chainKey + " is broken after " + prev)
		}
		events = append(events, evt)
		prev = evt.Chain.EventHash
	}
	return events, nil
}

// FileEmitter writes events to local files only.
type FileEmitter struct {
	mu           sync.Mutex
	chainTracker *ChainTracker
	backup       *FileBackup
	log          *slog.Logger
}

// NewFileEmitter creates an emitter that writes to dir.
func NewFileEmitter(dir string) (*FileEmitter, error) {
	chainTracker, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &FileEmitter{
		chainTracker: chainTracker,
		backup:       backup,
		log:          slog.With("component", "journal", "emitter", "file"),
	}, nil
}

// Emit links evt into its chain and saves it.
func (e *FileEmitter) Emit(evt *Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	chainKey := evt.Run.ChainKey()
	prevHash, _ := e.chainTracker.GetHead(chainKey)
	evt.SetChainHashes(prevHash)

	e.log.Info("journal event",
		"event_type", evt.EventType,
		"run_id", evt.Run.RunID,
		"event_hash", evt.Chain.EventHash,
	)

	if err := e.backup.Save(evt); err != nil {
		return err
	}

	if err := e.chainTracker.SetHead(chainKey, evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

// Close releases resources.
func (e *FileEmitter) Close() error {
	return nil
}
