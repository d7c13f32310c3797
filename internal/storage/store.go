// Package storage persists run artifacts under an identity-derived root.
//
// Every write to a final path goes through a uniquely named staging object,
// an integrity check and a provider move. A run is complete when its zero-byte
// success marker exists; the marker is only ever created with an atomic
// create-if-absent.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-run-engine/internal/fingerprint"
)

// Fixed names under a run root.
const (
	SnapshotName      = "config_snapshot.json"
	RunManifestName   = "run_manifest.json"
	SuccessMarkerName = "success.marker"
	StagingDir        = ".tmp"
)

var (
	// ErrNotFound is returned when a requested object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyFinalized is returned by MarkSuccess when the run already has
	// a success marker and override was not requested.
	ErrAlreadyFinalized = errors.New("run already finalized")

	// ErrCommitConflict is returned when a different object already occupies
	// the final path of a commit.
	ErrCommitConflict = errors.New("commit conflict")

	// ErrObjectExists is returned by ObjectStore create-if-absent operations.
	ErrObjectExists = errors.New("object already exists")
)

// IntegrityError reports an object whose size or checksum differs from what
// was written or declared.
type IntegrityError struct {
	Key  string
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: want %s, got %s", e.Key, e.Want, e.Got)
}

// ProducerInfo describes the software that produced a run.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// ConfigSnapshot is persisted at the run root before the success marker.
type ConfigSnapshot struct {
	CanonicalConfig         json.RawMessage `json:"canonical_config"`
	DatasetFingerprint      string          `json:"dataset_fingerprint"`
	FullHash                string          `json:"full_hash"`
	RunID                   string          `json:"run_id"`
	CanonicalizationVersion string          `json:"canonicalization_version"`

	// Informational fields; never part of identity.
	Producer  ProducerInfo `json:"producer"`
	CreatedAt time.Time    `json:"created_at"`
}

// Artifact is one committed output of a run.
type Artifact struct {
	Stage    string `json:"stage"`
	Name     string `json:"name"`
	Key      string `json:"key"`
	URI      string `json:"uri"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// RegistryRef records the registry entry created for a run.
type RegistryRef struct {
	FullHash    string `json:"full_hash"`
	RunID       string `json:"run_id"`
	ArtifactURI string `json:"artifact_uri"`
}

// RunManifest lists everything a completed run produced.
type RunManifest struct {
	RunID                   string       `json:"run_id"`
	FullHash                string       `json:"full_hash"`
	DatasetFingerprint      string       `json:"dataset_fingerprint"`
	CanonicalizationVersion string       `json:"canonicalization_version"`
	ArtifactRoot            string       `json:"artifact_root"`
	Stages                  []string     `json:"stages"`
	Artifacts               []Artifact   `json:"artifacts"`
	Registry                *RegistryRef `json:"registry,omitempty"`
	Producer                ProducerInfo `json:"producer"`
	CreatedAt               time.Time    `json:"created_at"`

	// ShortCircuited is set on manifests returned for a run that had
	// already completed. It is not persisted.
	ShortCircuited bool `json:"-"`
}

// MarshalJSON returns the manifest as indented JSON bytes.
func (m *RunManifest) MarshalJSON() ([]byte, error) {
	type Alias RunManifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// Artifact returns the artifact with the given name.
func (m *RunManifest) Artifact(name string) (Artifact, bool) {
	for _, a := range m.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}

// StagedHandle identifies a staged write awaiting Commit.
type StagedHandle struct {
	RunID    string
	Name     string
	TempKey  string
	Checksum string
	Size     int64

	// Overwrite lets Commit replace an existing final object. Set only for
	// forced re-runs.
	Overwrite bool
}

// CommittedPath is the final location of a committed object.
type CommittedPath struct {
	Key      string
	URI      string
	Checksum string
	Size     int64
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // provider content tag, empty for local
	ModTime time.Time
}

// ArtifactStore is the run-level storage contract.
type ArtifactStore interface {
	// Exists reports whether the run's success marker exists.
	Exists(ctx context.Context, runID string) (bool, error)

	// ReadSnapshot returns the run's config snapshot or ErrNotFound.
	ReadSnapshot(ctx context.Context, runID string) (*ConfigSnapshot, error)

	// WriteSnapshot stages and commits the config snapshot.
	WriteSnapshot(ctx context.Context, snap *ConfigSnapshot, overwrite bool) (CommittedPath, error)

	// ReadManifest returns the run manifest or ErrNotFound.
	ReadManifest(ctx context.Context, runID string) (*RunManifest, error)

	// WriteManifest stages and commits the run manifest.
	WriteManifest(ctx context.Context, m *RunManifest, overwrite bool) (CommittedPath, error)

	// WriteStaged writes data to a uniquely named staging object.
	WriteStaged(ctx context.Context, runID, name string, data []byte) (StagedHandle, error)

	// Commit verifies a staged object and moves it to its final path.
	Commit(ctx context.Context, h StagedHandle) (CommittedPath, error)

	// Abort removes staged objects without committing them.
	Abort(ctx context.Context, handles ...StagedHandle) error

	// Verify checks that a committed object exists with the given checksum.
	Verify(ctx context.Context, runID, name, checksum string) (*ObjectInfo, error)

	// Read returns the bytes of a committed object.
	Read(ctx context.Context, runID, name string) ([]byte, error)

	// List returns the committed object names of a run, excluding staging.
	List(ctx context.Context, runID string) ([]string, error)

	// MarkSuccess atomically creates the zero-byte success marker.
	MarkSuccess(ctx context.Context, runID string, override bool) error

	// DeleteSuccessMarker removes the marker. Used for forced re-runs and to
	// roll back a marker whose registration failed.
	DeleteSuccessMarker(ctx context.Context, runID string) error

	// Purge removes every object under the run root, marker first.
	Purge(ctx context.Context, runID string) error

	// FinalizedAt returns when the success marker was created.
	FinalizedAt(ctx context.Context, runID string) (time.Time, error)

	// VerifyDatasetManifest checks the committed dataset manifest of a run
	// against its recorded checksum and a dataset fingerprint.
	VerifyDatasetManifest(ctx context.Context, runID, checksum string, fp fingerprint.DatasetFingerprint) error

	// RootURI returns the artifact root URI of a run.
	RootURI(runID string) string

	// URI returns the URI of a named object of a run.
	URI(runID, name string) string

	Close() error
}

// ValidateName checks an artifact name supplied by a stage. Names are
// slash-separated relative paths that stay inside the run root and do not
// touch the reserved layout entries.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("empty artifact name")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("artifact name %q must be a relative slash path", name)
	}
	if path.Clean(name) != name {
		return fmt.Errorf("artifact name %q is not clean", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("artifact name %q escapes the run root", name)
		}
	}
	first := strings.SplitN(name, "/", 2)[0]
	switch first {
	case StagingDir, SuccessMarkerName, SnapshotName, RunManifestName:
		return fmt.Errorf("artifact name %q is reserved", name)
	}
	return nil
}
