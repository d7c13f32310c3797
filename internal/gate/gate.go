// Package gate decides whether a run must execute, can be served from a
// previous completion, or collides with a different run at the same root.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/obsrvr-run-engine/internal/identity"
	"github.com/withObsrvr/obsrvr-run-engine/internal/storage"
	"github.com/withObsrvr/obsrvr-run-engine/internal/tables"
)

// Kind is the outcome of a gate check.
type Kind int

const (
	Proceed Kind = iota
	ShortCircuit
	Collision
)

func (k Kind) String() string {
	switch k {
	case Proceed:
		return "proceed"
	case ShortCircuit:
		return "short_circuit"
	case Collision:
		return "collision"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrCollision matches every *CollisionError.
var ErrCollision = errors.New("run id collision")

// CollisionError reports a completed run at the same run_id whose full hash
// differs from the one computed for this request.
type CollisionError struct {
	RunID        string
	ExistingHash string // empty when the stored snapshot was unreadable
	ComputedHash string
	Cause        error
}

func (e *CollisionError) Error() string {
	switch {
	case e.ExistingHash == "":
		return fmt.Sprintf("run id collision at %s: stored snapshot unreadable (computed %s): %v",
			e.RunID, e.ComputedHash, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("run id collision at %s: stored run for full hash %s does not match its inputs: %v",
			e.RunID, e.ExistingHash, e.Cause)
	}
	return fmt.Sprintf("run id collision at %s: existing full hash %s, computed %s",
		e.RunID, e.ExistingHash, e.ComputedHash)
}

func (e *CollisionError) Is(target error) bool { return target == ErrCollision }

func (e *CollisionError) Unwrap() error { return e.Cause }

// Decision is the result of Check.
type Decision struct {
	Kind Kind

	// Manifest is the stored run manifest for ShortCircuit.
	Manifest *storage.RunManifest

	// Set for Collision.
	ExistingHash string
	ComputedHash string
	cause        error
	runID        string
}

// Err returns a *CollisionError for Collision decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Kind != Collision {
		return nil
	}
	return &CollisionError{
		RunID:        d.runID,
		ExistingHash: d.ExistingHash,
		ComputedHash: d.ComputedHash,
		Cause:        d.cause,
	}
}

// Options modify a check.
type Options struct {
	// Force deletes an existing success marker so the run executes again.
	Force bool
	// Purge additionally removes all artifacts under the run root. Only
	// meaningful with Force.
	Purge bool
}

// Gate evaluates the success marker and config snapshot of a run root.
type Gate struct {
	store storage.ArtifactStore
	log   *slog.Logger
}

// New creates a gate over store.
func New(store storage.ArtifactStore) *Gate {
	return &Gate{store: store, log: slog.With("component", "gate")}
}

// Check returns the decision for id. Without Force it never modifies the
// store.
func (g *Gate) Check(ctx context.Context, id identity.RunIdentity, opts Options) (Decision, error) {
	if err := id.Validate(); err != nil {
		return Decision{}, err
	}
	log := g.log.With("run_id", id.RunID)

	if opts.Force {
		if opts.Purge {
			if err := g.store.Purge(ctx, id.RunID); err != nil {
				return Decision{}, fmt.Errorf("force purge: %w", err)
			}
		} else if err := g.store.DeleteSuccessMarker(ctx, id.RunID); err != nil {
			return Decision{}, fmt.Errorf("force re-run: %w", err)
		}
		log.Warn("forced re-run", "purge", opts.Purge)
		return Decision{Kind: Proceed}, nil
	}

	return g.evaluate(ctx, id, log)
}

// Inspect evaluates id without any side effects, ignoring force options.
func (g *Gate) Inspect(ctx context.Context, id identity.RunIdentity) (Decision, error) {
	if err := id.Validate(); err != nil {
		return Decision{}, err
	}
	return g.evaluate(ctx, id, g.log.With("run_id", id.RunID))
}

func (g *Gate) evaluate(ctx context.Context, id identity.RunIdentity, log *slog.Logger) (Decision, error) {
	done, err := g.store.Exists(ctx, id.RunID)
	if err != nil {
		return Decision{}, err
	}
	if !done {
		log.Debug("no success marker")
		return Decision{Kind: Proceed}, nil
	}

	snap, err := g.store.ReadSnapshot(ctx, id.RunID)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		log.Error("success marker present but snapshot unreadable", "error", err)
		return Decision{
			Kind:         Collision,
			ComputedHash: id.FullHash,
			cause:        err,
			runID:        id.RunID,
		}, nil
	}

	if snap.FullHash != id.FullHash {
		log.Error("run id collision", "existing_hash", snap.FullHash, "computed_hash", id.FullHash)
		return Decision{
			Kind:         Collision,
			ExistingHash: snap.FullHash,
			ComputedHash: id.FullHash,
			runID:        id.RunID,
		}, nil
	}

	m, err := g.store.ReadManifest(ctx, id.RunID)
	if err != nil {
		return Decision{}, fmt.Errorf("completed run %s: %w", id.RunID, err)
	}

	if err := g.verifyDataset(ctx, id, m); err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		log.Error("stored dataset manifest does not match", "error", err)
		return Decision{
			Kind:         Collision,
			ExistingHash: snap.FullHash,
			ComputedHash: id.FullHash,
			cause:        err,
			runID:        id.RunID,
		}, nil
	}
	m.ShortCircuited = true
	log.Info("run already completed")
	return Decision{Kind: ShortCircuit, Manifest: m}, nil
}

// verifyDataset checks the dataset manifest recorded by a completed run, if
// it recorded one, against the run's fingerprint.
func (g *Gate) verifyDataset(ctx context.Context, id identity.RunIdentity, m *storage.RunManifest) error {
	a, ok := m.Artifact(tables.DatasetManifestName)
	if !ok {
		return nil
	}
	return g.store.VerifyDatasetManifest(ctx, id.RunID, a.Checksum, id.DatasetFingerprint)
}
