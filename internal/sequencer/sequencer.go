// Package sequencer executes the stages of a run in order and finalizes the
// run root.
//
// The order of operations after the stages is fixed:
//  1. Re-verify every committed artifact
//  2. Commit the dataset manifest
//  3. Commit the config snapshot
//  4. Commit the run manifest
//  5. Registry pre-flight (find by hash)
//  6. Create the success marker
//  7. Register the run (the marker is removed again if this fails)
//
// A run that fails anywhere before step 6 leaves no success marker.
//
// Committed objects are first-writer-wins unless the run may replace
// outputs (forced, or holding the run lock). A retry of an unfinalized run
// keeps metadata written by the earlier attempt when it describes the same
// identity and artifacts.
package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/withObsrvr/obsrvr-run-engine/internal/canonical"
	"github.com/withObsrvr/obsrvr-run-engine/internal/fingerprint"
	"github.com/withObsrvr/obsrvr-run-engine/internal/identity"
	"github.com/withObsrvr/obsrvr-run-engine/internal/logging"
	"github.com/withObsrvr/obsrvr-run-engine/internal/metrics"
	"github.com/withObsrvr/obsrvr-run-engine/internal/registry"
	"github.com/withObsrvr/obsrvr-run-engine/internal/storage"
	"github.com/withObsrvr/obsrvr-run-engine/internal/tables"
)

// DatasetStage is the stage name recorded for the dataset manifest.
const DatasetStage = "dataset"

// RunContext carries the frozen inputs of one run.
type RunContext struct {
	Identity identity.RunIdentity
	Config   *canonical.CanonicalConfig

	// Dataset is the fingerprint result. When it carries objects, a parquet
	// dataset manifest is committed with the run.
	Dataset *fingerprint.Result

	// ReplaceOutputs lets stage outputs and run metadata replace differing
	// objects left by an earlier unfinalized attempt. Set it only when
	// no other writer of the same run_id can be active (forced runs, or
	// runs holding the run lock).
	ReplaceOutputs bool

	// Override lets MarkSuccess accept an existing marker. Set for forced
	// re-runs only.
	Override bool

	// Logger defaults to a run logger.
	Logger *slog.Logger
}

// Sequencer runs stages against an artifact store and a registry.
type Sequencer struct {
	store    storage.ArtifactStore
	registry registry.Client
	producer storage.ProducerInfo
	parquet  tables.ParquetConfig
	now      func() time.Time
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithProducer sets the producer recorded in snapshots and manifests.
func WithProducer(p storage.ProducerInfo) Option {
	return func(s *Sequencer) { s.producer = p }
}

// WithParquetConfig sets the dataset manifest encoding.
func WithParquetConfig(cfg tables.ParquetConfig) Option {
	return func(s *Sequencer) { s.parquet = cfg }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) { s.now = now }
}

// New creates a sequencer.
func New(store storage.ArtifactStore, reg registry.Client, opts ...Option) *Sequencer {
	s := &Sequencer{
		store:    store,
		registry: reg,
		producer: storage.ProducerInfo{Name: "run-engine", Version: "dev"},
		parquet:  tables.DefaultParquetConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the stages in order and finalizes the run. It returns the
// run manifest on success.
func (s *Sequencer) Run(ctx context.Context, rc RunContext, specs []StageSpec) (*storage.RunManifest, error) {
	id := rc.Identity
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if rc.Config == nil {
		return nil, fmt.Errorf("run %s: canonical config required", id.RunID)
	}
	if err := validateSpecs(specs); err != nil {
		return nil, err
	}

	log := rc.Logger
	if log == nil {
		log = logging.RunLogger("", id.RunID, id.FullHash)
		rc.Logger = log
	}

	var (
		artifacts []storage.Artifact
		committed = make(map[string]storage.Artifact)
		stages    = make([]string, 0, len(specs))
	)

	for i, spec := range specs {
		if err := ctx.Err(); err != nil {
			log.Warn("run cancelled", "before_stage", spec.Name)
			return nil, err
		}

		out, err := s.runStage(ctx, rc, i, spec, committed)
		if err != nil {
			return nil, err
		}
		for _, a := range out {
			committed[a.Name] = a
			artifacts = append(artifacts, a)
		}
		stages = append(stages, spec.Name)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 1: every artifact must still match what was committed.
	for _, a := range artifacts {
		if _, err := s.store.Verify(ctx, id.RunID, a.Name, a.Checksum); err != nil {
			return nil, integrityFailure(a.Name, err)
		}
	}

	// A marker that appeared during the stages belongs to a concurrent run
	// of the same identity.
	if !rc.Override {
		done, err := s.store.Exists(ctx, id.RunID)
		if err != nil {
			return nil, err
		}
		if done {
			return s.adoptCompletion(ctx, id, log)
		}
	}

	// Step 2: dataset manifest
	if rc.Dataset != nil && len(rc.Dataset.Objects) > 0 {
		a, err := s.commitDatasetManifest(ctx, rc)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}

	createdAt := s.now().UTC()

	// Step 3: config snapshot
	snap := &storage.ConfigSnapshot{
		CanonicalConfig:         json.RawMessage(rc.Config.Bytes()),
		DatasetFingerprint:      id.DatasetFingerprint.String(),
		FullHash:                id.FullHash,
		RunID:                   id.RunID,
		CanonicalizationVersion: id.CanonicalizationVersion,
		Producer:                s.producer,
		CreatedAt:               createdAt,
	}
	if err := s.writeSnapshot(ctx, rc, snap); err != nil {
		return nil, err
	}

	// Step 4: run manifest
	root := s.store.RootURI(id.RunID)
	manifest := &storage.RunManifest{
		RunID:                   id.RunID,
		FullHash:                id.FullHash,
		DatasetFingerprint:      id.DatasetFingerprint.String(),
		CanonicalizationVersion: id.CanonicalizationVersion,
		ArtifactRoot:            root,
		Stages:                  stages,
		Artifacts:               artifacts,
		Registry: &storage.RegistryRef{
			FullHash:    id.FullHash,
			RunID:       id.RunID,
			ArtifactURI: root,
		},
		Producer:  s.producer,
		CreatedAt: createdAt,
	}
	manifest, err := s.writeManifest(ctx, rc, manifest)
	if err != nil {
		return nil, err
	}

	entry := registry.Entry{
		FullHash:    id.FullHash,
		RunID:       id.RunID,
		ArtifactURI: root,
		Tags:        registry.Tags(id.RunID, id.FullHash, id.DatasetFingerprint.String(), id.CanonicalizationVersion),
	}

	// Step 5: registry pre-flight
	if err := s.preflight(ctx, entry); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 6: success marker
	if err := s.store.MarkSuccess(ctx, id.RunID, rc.Override); err != nil {
		if !errors.Is(err, storage.ErrAlreadyFinalized) {
			return nil, err
		}
		return s.adoptCompletion(ctx, id, log)
	}

	// Step 7: registration
	if _, err := s.register(ctx, entry); err != nil {
		if derr := s.store.DeleteSuccessMarker(context.WithoutCancel(ctx), id.RunID); derr != nil {
			log.Error("failed to remove success marker after registration failure", "error", derr)
			return nil, errors.Join(err, derr)
		}
		return nil, err
	}

	log.Info("run finalized",
		"stages", len(stages),
		"artifacts", len(artifacts),
		"artifact_root", root,
	)
	return manifest, nil
}

// runStage executes one stage and commits its outputs.
func (s *Sequencer) runStage(ctx context.Context, rc RunContext, index int, spec StageSpec, committed map[string]storage.Artifact) ([]storage.Artifact, error) {
	id := rc.Identity
	log := logging.StageLogger(rc.Logger, spec.Name, index)
	log.Info("stage started")
	start := time.Now()

	w := newStageWriter(ctx, s.store, id.RunID, spec)

	previous := make(map[string]storage.Artifact, len(committed))
	for k, v := range committed {
		previous[k] = v
	}
	in := Input{
		Identity:     id,
		Config:       rc.Config,
		ArtifactRoot: s.store.RootURI(id.RunID),
		Declared:     append([]string(nil), spec.Outputs...),
		Outputs:      previous,
		Writer:       w,
		read: func(ctx context.Context, name string) ([]byte, error) {
			return s.store.Read(ctx, id.RunID, name)
		},
	}

	res, err := spec.Stage.Execute(ctx, in)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		w.abort()
		s.observeStage(spec.Name, "failed", start)
		log.Error("stage failed", "error", err)
		return nil, &StageFailedError{Stage: spec.Name, Cause: err}
	}

	staged := w.staged()
	byName := make(map[string]storage.StagedHandle, len(staged))
	for _, h := range staged {
		byName[h.Name] = h
	}
	for _, name := range spec.Outputs {
		if _, ok := byName[name]; !ok {
			w.abort()
			s.observeStage(spec.Name, "failed", start)
			return nil, &StageFailedError{Stage: spec.Name, Cause: fmt.Errorf("declared output %q was not written", name)}
		}
	}
	for name, want := range res.Checksums {
		h, ok := byName[name]
		if !ok {
			w.abort()
			s.observeStage(spec.Name, "failed", start)
			return nil, &StageFailedError{Stage: spec.Name, Cause: fmt.Errorf("checksum declared for unknown output %q", name)}
		}
		if h.Checksum != want {
			w.abort()
			s.observeStage(spec.Name, "failed", start)
			return nil, &IntegrityCheckFailedError{
				Artifact: name,
				Cause:    &storage.IntegrityError{Key: h.TempKey, Want: want, Got: h.Checksum},
			}
		}
	}

	out := make([]storage.Artifact, 0, len(staged))
	for i, h := range staged {
		h.Overwrite = rc.ReplaceOutputs
		cp, err := s.store.Commit(ctx, h)
		if err != nil {
			s.store.Abort(context.WithoutCancel(ctx), staged[i+1:]...)
			s.observeStage(spec.Name, "failed", start)
			return nil, commitFailure(spec.Name, h.Name, err)
		}
		if _, err := s.store.Verify(ctx, id.RunID, h.Name, cp.Checksum); err != nil {
			s.store.Abort(context.WithoutCancel(ctx), staged[i+1:]...)
			s.observeStage(spec.Name, "failed", start)
			return nil, integrityFailure(h.Name, err)
		}
		metrics.Get().ObserveArtifactCommitted(metrics.Labels{Stage: spec.Name}, float64(cp.Size))
		out = append(out, storage.Artifact{
			Stage:    spec.Name,
			Name:     h.Name,
			Key:      cp.Key,
			URI:      cp.URI,
			Checksum: cp.Checksum,
			Size:     cp.Size,
		})
	}

	s.observeStage(spec.Name, "success", start)
	log.Info("stage completed", "outputs", len(out), "duration", time.Since(start))
	return out, nil
}

func (s *Sequencer) commitDatasetManifest(ctx context.Context, rc RunContext) (storage.Artifact, error) {
	id := rc.Identity
	data, err := tables.BuildDatasetManifest(s.parquet, id.RunID, id.DatasetFingerprint, rc.Dataset.Objects)
	if err != nil {
		return storage.Artifact{}, err
	}

	h, err := s.store.WriteStaged(ctx, id.RunID, tables.DatasetManifestName, data)
	if err != nil {
		return storage.Artifact{}, err
	}
	h.Overwrite = rc.replaceMetadata()
	cp, err := s.store.Commit(ctx, h)
	if err != nil {
		return storage.Artifact{}, metadataFailure(tables.DatasetManifestName, err)
	}
	if _, err := s.store.Verify(ctx, id.RunID, tables.DatasetManifestName, cp.Checksum); err != nil {
		return storage.Artifact{}, integrityFailure(tables.DatasetManifestName, err)
	}
	metrics.Get().ObserveArtifactCommitted(metrics.Labels{Stage: DatasetStage}, float64(cp.Size))

	return storage.Artifact{
		Stage:    DatasetStage,
		Name:     tables.DatasetManifestName,
		Key:      cp.Key,
		URI:      cp.URI,
		Checksum: cp.Checksum,
		Size:     cp.Size,
	}, nil
}

func (rc RunContext) replaceMetadata() bool {
	return rc.ReplaceOutputs || rc.Override
}

// writeSnapshot commits the config snapshot. Only runs that may replace
// outputs replace an existing one; otherwise a snapshot of the same
// identity is kept as is.
func (s *Sequencer) writeSnapshot(ctx context.Context, rc RunContext, snap *storage.ConfigSnapshot) error {
	_, err := s.store.WriteSnapshot(ctx, snap, rc.replaceMetadata())
	if !errors.Is(err, storage.ErrCommitConflict) {
		if err != nil {
			return metadataFailure(storage.SnapshotName, err)
		}
		return nil
	}

	existing, rerr := s.store.ReadSnapshot(ctx, snap.RunID)
	if rerr != nil || !sameSnapshotIdentity(existing, snap) {
		return metadataFailure(storage.SnapshotName, err)
	}
	rc.Logger.Info("keeping config snapshot of an earlier attempt", "created_at", existing.CreatedAt)
	return nil
}

// writeManifest commits the run manifest and returns the one now stored.
// Only runs that may replace outputs replace an existing manifest;
// otherwise one listing the same artifacts is kept as is.
func (s *Sequencer) writeManifest(ctx context.Context, rc RunContext, m *storage.RunManifest) (*storage.RunManifest, error) {
	_, err := s.store.WriteManifest(ctx, m, rc.replaceMetadata())
	if !errors.Is(err, storage.ErrCommitConflict) {
		if err != nil {
			return nil, metadataFailure(storage.RunManifestName, err)
		}
		return m, nil
	}

	existing, rerr := s.store.ReadManifest(ctx, m.RunID)
	if rerr != nil || !sameManifestContent(existing, m) {
		return nil, metadataFailure(storage.RunManifestName, err)
	}
	rc.Logger.Info("keeping run manifest of an earlier attempt", "created_at", existing.CreatedAt)
	return existing, nil
}

func sameSnapshotIdentity(a, b *storage.ConfigSnapshot) bool {
	return a.FullHash == b.FullHash &&
		a.RunID == b.RunID &&
		a.DatasetFingerprint == b.DatasetFingerprint &&
		a.CanonicalizationVersion == b.CanonicalizationVersion
}

func sameManifestContent(a, b *storage.RunManifest) bool {
	if a.FullHash != b.FullHash || a.RunID != b.RunID || !slices.Equal(a.Stages, b.Stages) {
		return false
	}
	if len(a.Artifacts) != len(b.Artifacts) {
		return false
	}
	for _, want := range b.Artifacts {
		got, ok := a.Artifact(want.Name)
		if !ok || got.Checksum != want.Checksum || got.Size != want.Size {
			return false
		}
	}
	return true
}

// preflight fails when the registry holds a different entry for the hash.
func (s *Sequencer) preflight(ctx context.Context, want registry.Entry) error {
	existing, err := s.registry.FindByHash(ctx, want.FullHash)
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	if err != nil {
		metrics.Get().IncRegistryErrors(metrics.Labels{Operation: "find_by_hash"})
		return fmt.Errorf("registry lookup: %w", err)
	}
	if !existing.Matches(want) {
		return fmt.Errorf("%w: full hash %s registered for run %s at %s",
			ErrRegistrationConflict, want.FullHash, existing.RunID, existing.ArtifactURI)
	}
	return nil
}

func (s *Sequencer) register(ctx context.Context, e registry.Entry) (*registry.Entry, error) {
	got, err := s.registry.Register(ctx, e)
	if err != nil {
		metrics.Get().IncRegistryErrors(metrics.Labels{Operation: "register"})
		if errors.Is(err, registry.ErrRegistrationConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("registry register: %w", err)
	}
	return got, nil
}

// adoptCompletion returns the stored manifest when another worker finalized
// the same identity, making sure its registration exists.
func (s *Sequencer) adoptCompletion(ctx context.Context, id identity.RunIdentity, log *slog.Logger) (*storage.RunManifest, error) {
	snap, err := s.store.ReadSnapshot(ctx, id.RunID)
	if err != nil {
		return nil, fmt.Errorf("run %s already finalized: %w", id.RunID, err)
	}
	if snap.FullHash != id.FullHash {
		return nil, fmt.Errorf("run %s finalized with full hash %s: %w", id.RunID, snap.FullHash, storage.ErrAlreadyFinalized)
	}
	m, err := s.store.ReadManifest(ctx, id.RunID)
	if err != nil {
		return nil, err
	}
	if a, ok := m.Artifact(tables.DatasetManifestName); ok {
		if err := s.store.VerifyDatasetManifest(ctx, id.RunID, a.Checksum, id.DatasetFingerprint); err != nil {
			return nil, integrityFailure(tables.DatasetManifestName, err)
		}
	}
	m.ShortCircuited = true
	log.Info("run finalized concurrently by another worker")

	if err := s.EnsureRegistered(ctx, id, m); err != nil {
		return nil, err
	}
	return m, nil
}

// EnsureRegistered registers a completed run unless the registry already
// holds a matching entry. It is idempotent.
func (s *Sequencer) EnsureRegistered(ctx context.Context, id identity.RunIdentity, m *storage.RunManifest) error {
	root := m.ArtifactRoot
	if root == "" {
		root = s.store.RootURI(id.RunID)
	}
	_, err := s.register(ctx, registry.Entry{
		FullHash:    id.FullHash,
		RunID:       id.RunID,
		ArtifactURI: root,
		Tags:        registry.Tags(id.RunID, id.FullHash, id.DatasetFingerprint.String(), id.CanonicalizationVersion),
	})
	return err
}

func (s *Sequencer) observeStage(stage, status string, start time.Time) {
	metrics.Get().ObserveStageDuration(metrics.Labels{Stage: stage, Status: status}, time.Since(start).Seconds())
}

func commitFailure(stage, name string, err error) error {
	if errors.Is(err, storage.ErrCommitConflict) {
		return &IntegrityCheckFailedError{Artifact: name, Cause: err, Hint: forceHint}
	}
	var ie *storage.IntegrityError
	if errors.As(err, &ie) {
		return &IntegrityCheckFailedError{Artifact: name, Cause: err}
	}
	return &StageFailedError{Stage: stage, Cause: err}
}

func integrityFailure(name string, err error) error {
	return &IntegrityCheckFailedError{Artifact: name, Cause: err}
}

func metadataFailure(name string, err error) error {
	if errors.Is(err, storage.ErrCommitConflict) {
		return &IntegrityCheckFailedError{Artifact: name, Cause: err, Hint: forceHint}
	}
	var ie *storage.IntegrityError
	if errors.As(err, &ie) {
		return &IntegrityCheckFailedError{Artifact: name, Cause: err}
	}
	return fmt.Errorf("write %s: %w", name, err)
}
