package sequencer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/withObsrvr/obsrvr-run-engine/internal/canonical"
	"github.com/withObsrvr/obsrvr-run-engine/internal/identity"
	"github.com/withObsrvr/obsrvr-run-engine/internal/storage"
	"github.com/withObsrvr/obsrvr-run-engine/internal/tables"
)

// Stage is one unit of pipeline work. A stage receives the run's frozen
// inputs and stages its declared outputs through Input.Writer.
type Stage interface {
	Execute(ctx context.Context, in Input) (Result, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc func(ctx context.Context, in Input) (Result, error)

func (f StageFunc) Execute(ctx context.Context, in Input) (Result, error) { return f(ctx, in) }

// StageSpec declares a stage and the outputs it must produce.
type StageSpec struct {
	Name    string
	Stage   Stage
	Outputs []string
}

// OutputWriter stages an output of the current stage. Writing the same name
// twice replaces the earlier staged data.
type OutputWriter interface {
	Write(name string, data []byte) error
}

// Input is what a stage sees.
type Input struct {
	Identity identity.RunIdentity
	Config   *canonical.CanonicalConfig

	// ArtifactRoot is the URI of the run root.
	ArtifactRoot string

	// Declared lists the outputs this stage must write.
	Declared []string

	// Outputs holds every artifact committed by earlier stages.
	Outputs map[string]storage.Artifact

	Writer OutputWriter

	read func(ctx context.Context, name string) ([]byte, error)
}

// ReadOutput returns the bytes of an artifact committed by an earlier stage.
func (in Input) ReadOutput(ctx context.Context, name string) ([]byte, error) {
	if _, ok := in.Outputs[name]; !ok {
		return nil, fmt.Errorf("output %q was not produced by an earlier stage", name)
	}
	return in.read(ctx, name)
}

// Result is returned by a stage. Checksums optionally declares the expected
// sha256 checksum per output; staged bytes must match it.
type Result struct {
	Checksums map[string]string
}

// stageWriter stages outputs into the artifact store and remembers the
// latest handle per name.
type stageWriter struct {
	ctx      context.Context
	store    storage.ArtifactStore
	runID    string
	stage    string
	declared map[string]bool

	mu      sync.Mutex
	handles map[string]storage.StagedHandle
}

func newStageWriter(ctx context.Context, store storage.ArtifactStore, runID string, spec StageSpec) *stageWriter {
	declared := make(map[string]bool, len(spec.Outputs))
	for _, name := range spec.Outputs {
		declared[name] = true
	}
	return &stageWriter{
		ctx:      ctx,
		store:    store,
		runID:    runID,
		stage:    spec.Name,
		declared: declared,
		handles:  make(map[string]storage.StagedHandle),
	}
}

func (w *stageWriter) Write(name string, data []byte) error {
	if !w.declared[name] {
		return fmt.Errorf("stage %s wrote undeclared output %q", w.stage, name)
	}
	h, err := w.store.WriteStaged(w.ctx, w.runID, name, data)
	if err != nil {
		return err
	}

	w.mu.Lock()
	prev, replaced := w.handles[name]
	w.handles[name] = h
	w.mu.Unlock()

	if replaced {
		w.store.Abort(w.ctx, prev)
	}
	return nil
}

// staged returns the handles in name order.
func (w *stageWriter) staged() []storage.StagedHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]storage.StagedHandle, 0, len(w.handles))
	for _, h := range w.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// abort discards everything still staged. It uses a fresh context so a
// cancelled run still cleans up.
func (w *stageWriter) abort() {
	w.store.Abort(context.WithoutCancel(w.ctx), w.staged()...)
}

// validateSpecs checks stage names and outputs before anything runs.
func validateSpecs(specs []StageSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no stages declared")
	}
	stages := make(map[string]bool, len(specs))
	outputs := make(map[string]string)
	for _, spec := range specs {
		if spec.Name == "" {
			return fmt.Errorf("stage name required")
		}
		if spec.Stage == nil {
			return fmt.Errorf("stage %s has no implementation", spec.Name)
		}
		if stages[spec.Name] {
			return fmt.Errorf("duplicate stage %s", spec.Name)
		}
		stages[spec.Name] = true

		for _, name := range spec.Outputs {
			if err := storage.ValidateName(name); err != nil {
				return fmt.Errorf("stage %s: %w", spec.Name, err)
			}
			if name == tables.DatasetManifestName {
				return fmt.Errorf("stage %s: output %q is reserved", spec.Name, name)
			}
			if owner, ok := outputs[name]; ok {
				return fmt.Errorf("output %q declared by both %s and %s", name, owner, spec.Name)
			}
			outputs[name] = spec.Name
		}
	}
	return nil
}
