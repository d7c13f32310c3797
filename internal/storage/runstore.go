package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-run-engine/internal/fingerprint"
	"github.com/withObsrvr/obsrvr-run-engine/internal/identity"
	"github.com/withObsrvr/obsrvr-run-engine/internal/metrics"
	"github.com/withObsrvr/obsrvr-run-engine/internal/tables"
)

// RunStore implements ArtifactStore on top of an ObjectStore using the layout
// {namespace}/{run_id}/... .
type RunStore struct {
	objects   ObjectStore
	namespace string
	log       *slog.Logger
}

// NewRunStore lays runs out under namespace in objects.
func NewRunStore(objects ObjectStore, namespace string) *RunStore {
	if namespace == "" {
		namespace = identity.DefaultNamespace
	}
	return &RunStore{
		objects:   objects,
		namespace: strings.Trim(namespace, "/"),
		log:       slog.With("component", "storage", "backend", objects.Backend()),
	}
}

// Objects exposes the underlying object backend.
func (s *RunStore) Objects() ObjectStore { return s.objects }

// Namespace returns the namespace runs are stored under.
func (s *RunStore) Namespace() string { return s.namespace }

func (s *RunStore) runPrefix(runID string) string {
	return s.namespace + "/" + runID + "/"
}

func (s *RunStore) key(runID, name string) string {
	return s.runPrefix(runID) + name
}

// RootURI returns the artifact root URI of a run.
func (s *RunStore) RootURI(runID string) string {
	return identity.ArtifactRoot(s.objects.URI(""), s.namespace, runID)
}

// URI returns the URI of a named object of a run.
func (s *RunStore) URI(runID, name string) string {
	return s.objects.URI(s.key(runID, name))
}

// Exists reports whether the run's success marker exists.
func (s *RunStore) Exists(ctx context.Context, runID string) (bool, error) {
	if err := identity.ValidateRunID(runID); err != nil {
		return false, err
	}
	ok, err := s.objects.Exists(ctx, s.key(runID, SuccessMarkerName))
	if err != nil {
		s.storageError("exists")
		return false, fmt.Errorf("check success marker for %s: %w", runID, err)
	}
	return ok, nil
}

// ReadSnapshot returns the run's config snapshot.
func (s *RunStore) ReadSnapshot(ctx context.Context, runID string) (*ConfigSnapshot, error) {
	data, err := s.objects.Get(ctx, s.key(runID, SnapshotName))
	if err != nil {
		return nil, fmt.Errorf("read snapshot for %s: %w", runID, err)
	}
	var snap ConfigSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", runID, err)
	}
	return &snap, nil
}

// WriteSnapshot stages and commits the config snapshot.
func (s *RunStore) WriteSnapshot(ctx context.Context, snap *ConfigSnapshot, overwrite bool) (CommittedPath, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return CommittedPath{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.commitBytes(ctx, snap.RunID, SnapshotName, data, overwrite)
}

// ReadManifest returns the run manifest.
func (s *RunStore) ReadManifest(ctx context.Context, runID string) (*RunManifest, error) {
	data, err := s.objects.Get(ctx, s.key(runID, RunManifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest for %s: %w", runID, err)
	}
	var m RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", runID, err)
	}
	return &m, nil
}

// WriteManifest stages and commits the run manifest.
func (s *RunStore) WriteManifest(ctx context.Context, m *RunManifest, overwrite bool) (CommittedPath, error) {
	data, err := m.MarshalJSON()
	if err != nil {
		return CommittedPath{}, fmt.Errorf("marshal manifest: %w", err)
	}
	return s.commitBytes(ctx, m.RunID, RunManifestName, data, overwrite)
}

func (s *RunStore) commitBytes(ctx context.Context, runID, name string, data []byte, overwrite bool) (CommittedPath, error) {
	h, err := s.stage(ctx, runID, name, data)
	if err != nil {
		return CommittedPath{}, err
	}
	h.Overwrite = overwrite
	return s.Commit(ctx, h)
}

// WriteStaged writes data to a uniquely named staging object.
func (s *RunStore) WriteStaged(ctx context.Context, runID, name string, data []byte) (StagedHandle, error) {
	if err := ValidateName(name); err != nil {
		return StagedHandle{}, err
	}
	return s.stage(ctx, runID, name, data)
}

func (s *RunStore) stage(ctx context.Context, runID, name string, data []byte) (StagedHandle, error) {
	if err := identity.ValidateRunID(runID); err != nil {
		return StagedHandle{}, err
	}
	tempKey := s.key(runID, StagingDir+"/"+name+"."+uuid.New().String())

	if err := s.objects.Put(ctx, tempKey, data); err != nil {
		s.storageError("stage")
		return StagedHandle{}, fmt.Errorf("stage %s: %w", name, err)
	}

	return StagedHandle{
		RunID:    runID,
		Name:     name,
		TempKey:  tempKey,
		Checksum: tables.ComputeChecksum(data),
		Size:     int64(len(data)),
	}, nil
}

// Commit verifies a staged object and moves it to its final path.
//
// If the final path is already occupied and Overwrite is not set, the commit
// succeeds when the existing object has the same checksum and fails with
// ErrCommitConflict otherwise. After the move the final object is read back
// and verified; commit is defined by a verified final object.
func (s *RunStore) Commit(ctx context.Context, h StagedHandle) (CommittedPath, error) {
	if h.TempKey == "" || !strings.HasPrefix(h.TempKey, s.key(h.RunID, StagingDir+"/")) {
		return CommittedPath{}, fmt.Errorf("commit %s: handle does not reference a staging object", h.Name)
	}
	log := s.log.With("run_id", h.RunID, "artifact", h.Name)

	sum, size, err := s.objects.Checksum(ctx, h.TempKey)
	if err != nil {
		s.storageError("commit")
		return CommittedPath{}, fmt.Errorf("commit %s: read staged object: %w", h.Name, err)
	}
	if sum != h.Checksum || size != h.Size {
		s.objects.Delete(ctx, h.TempKey)
		return CommittedPath{}, &IntegrityError{
			Key:  h.TempKey,
			Want: fmt.Sprintf("%s/%d", h.Checksum, h.Size),
			Got:  fmt.Sprintf("%s/%d", sum, size),
		}
	}

	finalKey := s.key(h.RunID, h.Name)
	err = s.objects.Move(ctx, h.TempKey, finalKey, h.Overwrite)
	switch {
	case errors.Is(err, ErrObjectExists):
		existing, _, sumErr := s.objects.Checksum(ctx, finalKey)
		s.objects.Delete(ctx, h.TempKey)
		if sumErr != nil {
			return CommittedPath{}, fmt.Errorf("commit %s: read existing object: %w", h.Name, sumErr)
		}
		if existing != h.Checksum {
			log.Warn("final path holds different content", "existing", existing, "staged", h.Checksum)
			return CommittedPath{}, fmt.Errorf("commit %s: %w", h.Name, ErrCommitConflict)
		}
		log.Debug("identical object already committed")
	case err != nil:
		s.storageError("commit")
		return CommittedPath{}, fmt.Errorf("commit %s: %w", h.Name, err)
	}

	got, gotSize, err := s.objects.Checksum(ctx, finalKey)
	if err != nil {
		s.storageError("verify")
		return CommittedPath{}, fmt.Errorf("commit %s: verify final object: %w", h.Name, err)
	}
	if got != h.Checksum || gotSize != h.Size {
		if h.Overwrite {
			return CommittedPath{}, &IntegrityError{Key: finalKey, Want: h.Checksum, Got: got}
		}
		// Another mover replaced the object between our move and the read.
		return CommittedPath{}, fmt.Errorf("commit %s: %w", h.Name, ErrCommitConflict)
	}

	log.Debug("artifact committed", "checksum", h.Checksum, "size", h.Size)
	return CommittedPath{
		Key:      finalKey,
		URI:      s.objects.URI(finalKey),
		Checksum: h.Checksum,
		Size:     h.Size,
	}, nil
}

// Abort removes staged objects without committing them.
func (s *RunStore) Abort(ctx context.Context, handles ...StagedHandle) error {
	var errs []error
	for _, h := range handles {
		if h.TempKey == "" {
			continue
		}
		if err := s.objects.Delete(ctx, h.TempKey); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Verify checks that a committed object exists with the given checksum.
func (s *RunStore) Verify(ctx context.Context, runID, name, checksum string) (*ObjectInfo, error) {
	if !tables.ValidChecksum(checksum) {
		return nil, fmt.Errorf("verify %s: malformed checksum %q", name, checksum)
	}
	key := s.key(runID, name)
	sum, size, err := s.objects.Checksum(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", name, err)
	}
	if sum != checksum {
		return nil, &IntegrityError{Key: key, Want: checksum, Got: sum}
	}
	return &ObjectInfo{Key: key, Size: size}, nil
}

// Read returns the bytes of a committed object.
func (s *RunStore) Read(ctx context.Context, runID, name string) ([]byte, error) {
	return s.objects.Get(ctx, s.key(runID, name))
}

// List returns the committed object names of a run, excluding staging.
func (s *RunStore) List(ctx context.Context, runID string) ([]string, error) {
	prefix := s.runPrefix(runID)
	keys, err := s.objects.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		name := strings.TrimPrefix(k, prefix)
		if strings.HasPrefix(name, StagingDir+"/") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// MarkSuccess atomically creates the zero-byte success marker.
func (s *RunStore) MarkSuccess(ctx context.Context, runID string, override bool) error {
	if err := identity.ValidateRunID(runID); err != nil {
		return err
	}
	err := s.objects.CreateIfAbsent(ctx, s.key(runID, SuccessMarkerName), nil)
	switch {
	case err == nil:
		s.log.Info("success marker created", "run_id", runID)
		return nil
	case errors.Is(err, ErrObjectExists):
		if override {
			return nil
		}
		return fmt.Errorf("mark success for %s: %w", runID, ErrAlreadyFinalized)
	default:
		s.storageError("mark_success")
		return fmt.Errorf("mark success for %s: %w", runID, err)
	}
}

// FinalizedAt returns the modification time of the run's success marker.
func (s *RunStore) FinalizedAt(ctx context.Context, runID string) (time.Time, error) {
	if err := identity.ValidateRunID(runID); err != nil {
		return time.Time{}, err
	}
	info, err := s.objects.Head(ctx, s.key(runID, SuccessMarkerName))
	if err != nil {
		return time.Time{}, fmt.Errorf("success marker for %s: %w", runID, err)
	}
	return info.ModTime.UTC(), nil
}

// VerifyDatasetManifest reads the run's committed dataset manifest, checks
// its bytes against checksum and its rows against fp.
func (s *RunStore) VerifyDatasetManifest(ctx context.Context, runID, checksum string, fp fingerprint.DatasetFingerprint) error {
	key := s.key(runID, tables.DatasetManifestName)
	data, err := s.objects.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read %s: %w", tables.DatasetManifestName, err)
	}
	if got := tables.ComputeChecksum(data); got != checksum {
		return &IntegrityError{Key: key, Want: checksum, Got: got}
	}
	rows, err := tables.ReadDatasetManifest(data)
	if err != nil {
		return err
	}
	return tables.VerifyDatasetManifest(rows, runID, fp)
}

// DeleteSuccessMarker removes the marker.
func (s *RunStore) DeleteSuccessMarker(ctx context.Context, runID string) error {
	if err := identity.ValidateRunID(runID); err != nil {
		return err
	}
	if err := s.objects.Delete(ctx, s.key(runID, SuccessMarkerName)); err != nil {
		s.storageError("delete_marker")
		return fmt.Errorf("delete success marker for %s: %w", runID, err)
	}
	s.log.Warn("success marker deleted", "run_id", runID)
	return nil
}

// Purge removes every object under the run root. The marker goes first so a
// partially purged run never looks complete.
func (s *RunStore) Purge(ctx context.Context, runID string) error {
	if err := s.DeleteSuccessMarker(ctx, runID); err != nil {
		return err
	}
	keys, err := s.objects.List(ctx, s.runPrefix(runID))
	if err != nil {
		return fmt.Errorf("purge %s: %w", runID, err)
	}
	for _, k := range keys {
		if err := s.objects.Delete(ctx, k); err != nil {
			return fmt.Errorf("purge %s: %w", runID, err)
		}
	}
	s.log.Warn("run artifacts purged", "run_id", runID, "objects", len(keys))
	return nil
}

// Close releases the object backend.
func (s *RunStore) Close() error {
	return s.objects.Close()
}

func (s *RunStore) storageError(op string) {
	metrics.Get().IncStorageErrors(metrics.Labels{Backend: s.objects.Backend(), Operation: op})
}

// Verify RunStore implements ArtifactStore.
var _ ArtifactStore = (*RunStore)(nil)
