// Package engine ties canonicalization, fingerprinting, identity, the
// idempotency gate and the stage sequencer into one run operation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-run-engine/internal/canonical"
	"github.com/withObsrvr/obsrvr-run-engine/internal/fingerprint"
	"github.com/withObsrvr/obsrvr-run-engine/internal/gate"
	"github.com/withObsrvr/obsrvr-run-engine/internal/identity"
	"github.com/withObsrvr/obsrvr-run-engine/internal/journal"
	"github.com/withObsrvr/obsrvr-run-engine/internal/logging"
	"github.com/withObsrvr/obsrvr-run-engine/internal/metrics"
	"github.com/withObsrvr/obsrvr-run-engine/internal/registry"
	"github.com/withObsrvr/obsrvr-run-engine/internal/sequencer"
	"github.com/withObsrvr/obsrvr-run-engine/internal/storage"
	"github.com/withObsrvr/obsrvr-run-engine/internal/tables"
)

// Options configures an Engine. Store and Registry are required.
type Options struct {
	Store    storage.ArtifactStore
	Registry registry.Client

	// Locker defaults to gate.NoopLocker.
	Locker gate.Locker

	// Journal defaults to journal.NoopEmitter.
	Journal journal.Emitter
	// JournalStrict turns journal failures into run failures.
	JournalStrict bool

	Namespace          string
	Version            string // default canonicalization version
	FingerprintWorkers int
	FingerprintTimeout time.Duration
	Producer           storage.ProducerInfo
	Parquet            tables.ParquetConfig
}

// Engine executes run requests.
type Engine struct {
	store         storage.ArtifactStore
	registry      registry.Client
	locker        gate.Locker
	exclusive     bool
	journal       journal.Emitter
	journalStrict bool
	gate          *gate.Gate
	seq           *sequencer.Sequencer
	fp            *fingerprint.Fingerprinter

	namespace string
	version   string
	workers   int
	producer  storage.ProducerInfo
	log       *slog.Logger

	// closers are released by Close, in order.
	closers []func() error
}

// New creates an engine from already constructed components.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: artifact store required")
	}
	if opts.Registry == nil {
		return nil, errors.New("engine: registry required")
	}

	e := &Engine{
		store:         opts.Store,
		registry:      opts.Registry,
		locker:        opts.Locker,
		journal:       opts.Journal,
		journalStrict: opts.JournalStrict,
		namespace:     opts.Namespace,
		version:       opts.Version,
		workers:       opts.FingerprintWorkers,
		producer:      opts.Producer,
		log:           logging.Component("engine"),
	}
	if e.locker == nil {
		e.locker = gate.NoopLocker{}
	}
	_, noop := e.locker.(gate.NoopLocker)
	e.exclusive = !noop
	if e.journal == nil {
		e.journal = journal.NoopEmitter{}
	}
	if e.namespace == "" {
		e.namespace = identity.DefaultNamespace
	}
	if e.version == "" {
		e.version = canonical.CurrentVersion
	}
	if e.workers < 1 {
		e.workers = 4
	}
	if e.producer.Name == "" {
		e.producer = storage.ProducerInfo{Name: "run-engine", Version: "dev"}
	}
	parquetCfg := opts.Parquet
	if parquetCfg.Compression == "" {
		parquetCfg = tables.DefaultParquetConfig()
	}

	e.gate = gate.New(e.store)
	e.seq = sequencer.New(e.store, e.registry,
		sequencer.WithProducer(e.producer),
		sequencer.WithParquetConfig(parquetCfg),
	)
	e.fp = &fingerprint.Fingerprinter{Timeout: opts.FingerprintTimeout, Log: logging.Component("fingerprint")}
	return e, nil
}

// Request is one run submission.
type Request struct {
	Raw canonical.RawConfig
	// Allowlist defaults to the version's identity keys.
	Allowlist canonical.Allowlist
	// Version defaults to the engine's canonicalization version.
	Version string

	// Dataset is a path or URI. Lister, when set, is used instead.
	Dataset string
	Lister  fingerprint.Lister

	Stages []sequencer.StageSpec

	Force bool
	Purge bool

	CorrelationID string
}

// Resolution is the identity of a request together with what it was
// derived from.
type Resolution struct {
	Config       *canonical.CanonicalConfig
	Dataset      *fingerprint.Result
	Identity     identity.RunIdentity
	ArtifactRoot string
}

// Resolve canonicalizes the config, fingerprints the dataset and derives
// the run identity. It never touches the artifact store.
func (e *Engine) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	version := req.Version
	if version == "" {
		version = e.version
	}

	allowlist := req.Allowlist
	if allowlist == nil {
		var ok bool
		if allowlist, ok = canonical.DefaultAllowlist(version); !ok {
			return nil, fmt.Errorf("%w: %s", canonical.ErrUnknownVersion, version)
		}
	}

	cfg, err := canonical.Canonicalize(req.Raw, allowlist, version)
	if err != nil {
		return nil, err
	}

	lister := req.Lister
	if lister == nil {
		if lister, err = fingerprint.Open(ctx, req.Dataset, e.workers); err != nil {
			return nil, err
		}
		defer lister.Close()
	}

	res, err := e.fp.Fingerprint(ctx, lister)
	if err != nil {
		return nil, err
	}

	id, err := identity.Resolve(cfg, res.Fingerprint)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		Config:       cfg,
		Dataset:      res,
		Identity:     id,
		ArtifactRoot: e.store.RootURI(id.RunID),
	}, nil
}

// Run executes req, or returns the stored manifest when the same identity
// already completed.
func (e *Engine) Run(ctx context.Context, req Request) (*storage.RunManifest, error) {
	m := metrics.Get()
	m.AddInFlightRuns(1)
	defer m.AddInFlightRuns(-1)
	start := time.Now()

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = logging.CorrelationID(ctx)
	}
	if correlationID == "" {
		correlationID = logging.GenerateCorrelationID()
	}
	ctx = logging.WithCorrelationID(ctx, correlationID)

	labels := metrics.Labels{Namespace: e.namespace, Version: req.Version}
	if labels.Version == "" {
		labels.Version = e.version
	}

	res, err := e.Resolve(ctx, req)
	if err != nil {
		labels.Reason = FailureReason(err)
		m.IncRunsFailed(labels)
		e.log.Error("run rejected", "correlation_id", correlationID, "reason", labels.Reason, "error", err)
		return nil, err
	}
	id := res.Identity
	log := logging.RunLogger(correlationID, id.RunID, id.FullHash)
	m.IncRunsStarted(labels)
	log.Info("run identity resolved",
		"dataset_fingerprint", id.DatasetFingerprint,
		"dataset_objects", len(res.Dataset.Objects),
		"artifact_root", res.ArtifactRoot,
	)

	unlock, err := e.locker.Lock(ctx, id.RunID)
	if err != nil {
		return nil, e.fail(ctx, res, labels, err)
	}
	defer unlock()

	d, err := e.gate.Check(ctx, id, gate.Options{Force: req.Force, Purge: req.Purge})
	if err != nil {
		return nil, e.fail(ctx, res, labels, err)
	}

	switch d.Kind {
	case gate.ShortCircuit:
		if err := e.seq.EnsureRegistered(ctx, id, d.Manifest); err != nil {
			return nil, e.fail(ctx, res, labels, err)
		}
		m.IncRunsShortCircuited(labels)
		log.Info("returning stored run")
		if err := e.emit(ctx, journal.NewEvent(journal.EventRunShortCircuited, e.namespace, id, e.producer).WithManifest(d.Manifest)); err != nil {
			return nil, err
		}
		return d.Manifest, nil

	case gate.Collision:
		m.IncCollisions(labels)
		return nil, e.fail(ctx, res, labels, d.Err())
	}

	manifest, err := e.seq.Run(ctx, sequencer.RunContext{
		Identity:       id,
		Config:         res.Config,
		Dataset:        res.Dataset,
		ReplaceOutputs: req.Force || e.exclusive,
		Override:       req.Force,
		Logger:         log,
	}, req.Stages)
	if err != nil {
		return nil, e.fail(ctx, res, labels, err)
	}

	if manifest.ShortCircuited {
		m.IncRunsShortCircuited(labels)
	} else {
		m.IncRunsCompleted(labels)
	}
	m.ObserveRunDuration(labels, time.Since(start).Seconds())
	log.Info("run completed", "duration", time.Since(start), "artifacts", len(manifest.Artifacts))

	if err := e.emit(ctx, journal.NewEvent(journal.EventRunCompleted, e.namespace, id, e.producer).WithManifest(manifest)); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Status reports what Run would do for req without modifying anything.
type Status struct {
	Resolution *Resolution
	Decision   gate.Kind
	// Manifest is set when the run already completed.
	Manifest *storage.RunManifest
	// FinalizedAt is when the success marker was written, for completed runs.
	FinalizedAt time.Time
	// Err is the collision error for Collision decisions.
	Err error
}

// Status resolves req and inspects its run root.
func (e *Engine) Status(ctx context.Context, req Request) (*Status, error) {
	res, err := e.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	d, err := e.gate.Inspect(ctx, res.Identity)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Resolution: res,
		Decision:   d.Kind,
		Manifest:   d.Manifest,
		Err:        d.Err(),
	}
	if d.Kind == gate.ShortCircuit {
		if st.FinalizedAt, err = e.store.FinalizedAt(ctx, res.Identity.RunID); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Close releases the store, registry and journal.
func (e *Engine) Close() error {
	var errs []error
	for _, c := range e.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fail records a failed run and returns err unchanged.
func (e *Engine) fail(ctx context.Context, res *Resolution, labels metrics.Labels, err error) error {
	labels.Reason = FailureReason(err)
	metrics.Get().IncRunsFailed(labels)

	id := res.Identity
	logging.RunLogger(logging.CorrelationID(ctx), id.RunID, id.FullHash).
		Error("run failed", "reason", labels.Reason, "error", err)

	evt := journal.NewEvent(journal.EventRunFailed, e.namespace, id, e.producer).WithFailure(labels.Reason, err)
	evt.Run.ArtifactRoot = res.ArtifactRoot
	if jerr := e.emit(context.WithoutCancel(ctx), evt); jerr != nil {
		return errors.Join(err, jerr)
	}
	return err
}

// emit writes a journal event. Failures only fail the run in strict mode.
func (e *Engine) emit(ctx context.Context, evt *journal.Event) error {
	if err := e.journal.Emit(ctx, evt); err != nil {
		metrics.Get().IncJournalErrors(metrics.Labels{EventType: evt.EventType})
		if e.journalStrict {
			return fmt.Errorf("emit journal event (strict mode): %w", err)
		}
		e.log.Warn("failed to emit journal event", "event_type", evt.EventType, "run_id", evt.Run.RunID, "error", err)
	}
	return nil
}

// FailureReason maps an error to a short metric and journal label.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, canonical.ErrInvalidConfigValue):
		return "invalid_config"
	case errors.Is(err, canonical.ErrUnknownVersion):
		return "unknown_version"
	case errors.Is(err, fingerprint.ErrDatasetUnreadable):
		return "dataset_unreadable"
	case errors.Is(err, gate.ErrCollision):
		return "collision"
	case errors.Is(err, sequencer.ErrIntegrityCheckFailed):
		return "integrity_check_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, sequencer.ErrStageFailed):
		return "stage_failed"
	case errors.Is(err, registry.ErrRegistrationConflict):
		return "registration_conflict"
	case errors.Is(err, storage.ErrAlreadyFinalized):
		return "already_finalized"
	default:
		return "error"
	}
}
