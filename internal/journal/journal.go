// Package journal records run outcomes in a hash-chained audit log. Each
// event carries the hash of the previous event of its namespace, so a
// removed or edited event breaks the chain.
package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-run-engine/internal/identity"
	"github.com/withObsrvr/obsrvr-run-engine/internal/storage"
)

// Config configures event emission.
type Config struct {
	Enabled   bool
	Endpoint  string        // HTTP endpoint; empty writes files only
	BackupDir string        // Directory for event files and chain heads
	Strict    bool          // Journal failures fail the run
	Timeout   time.Duration // HTTP client timeout
	Retries   int           // HTTP attempts per event
	// RetryDelay is the first backoff interval between HTTP attempts.
	RetryDelay time.Duration
}

// Emitter writes journal events.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
	Close() error
}

// NewEmitter creates an emitter based on configuration.
func NewEmitter(cfg Config) Emitter {
	log := slog.With("component", "journal")
	if !cfg.Enabled {
		log.Debug("journal disabled, using no-op emitter")
		return NoopEmitter{}
	}

	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg)
		if err != nil {
			log.Warn("failed to create HTTP emitter, falling back to file-only", "error", err)
			return createFileEmitter(cfg, log)
		}
		log.Info("using HTTP emitter", "endpoint", cfg.Endpoint)
		return emitter
	}

	return createFileEmitter(cfg, log)
}

func createFileEmitter(cfg Config, log *slog.Logger) Emitter {
	emitter, err := NewFileEmitter(cfg.BackupDir)
	if err != nil {
		log.Warn("failed to create file emitter, using no-op", "error", err)
		return NoopEmitter{}
	}
	log.Info("using file-only emitter", "dir", cfg.BackupDir)
	return fileEmitterWrapper{emitter}
}

// fileEmitterWrapper adapts FileEmitter to the Emitter interface.
type fileEmitterWrapper struct {
	*FileEmitter
}

func (w fileEmitterWrapper) Emit(_ context.Context, evt *Event) error {
	return w.FileEmitter.Emit(evt)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, *Event) error { return nil }

func (NoopEmitter) Close() error { return nil }

// NewEvent starts an event of eventType for a run.
func NewEvent(eventType, namespace string, id identity.RunIdentity, producer storage.ProducerInfo) *Event {
	return &Event{
		Version:   SchemaVersion,
		EventType: eventType,
		EventID:   GenerateEventID(),
		Timestamp: time.Now().UTC(),
		Run: RunInfo{
			Namespace:               namespace,
			RunID:                   id.RunID,
			FullHash:                id.FullHash,
			DatasetFingerprint:      id.DatasetFingerprint.String(),
			CanonicalizationVersion: id.CanonicalizationVersion,
		},
		Producer: ProducerInfo{
			Name:    producer.Name,
			Version: producer.Version,
			GitSHA:  producer.GitSHA,
		},
	}
}

// WithManifest records the artifacts of m on the event.
func (e *Event) WithManifest(m *storage.RunManifest) *Event {
	if m == nil {
		return e
	}
	e.Run.ArtifactRoot = m.ArtifactRoot
	e.Artifacts = make(map[string]ArtifactInfo, len(m.Artifacts))
	for _, a := range m.Artifacts {
		e.Artifacts[a.Name] = ArtifactInfo{
			Stage:    a.Stage,
			Checksum: a.Checksum,
			Size:     a.Size,
			URI:      a.URI,
		}
	}
	return e
}

// WithFailure records a failure reason on the event.
func (e *Event) WithFailure(reason string, err error) *Event {
	f := &FailureInfo{Reason: reason}
	if err != nil {
		f.Error = err.Error()
	}
	e.Failure = f
	return e
}
