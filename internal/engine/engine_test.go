package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-run-engine/internal/canonical"
	"github.com/withObsrvr/obsrvr-run-engine/internal/config"
	"github.com/withObsrvr/obsrvr-run-engine/internal/fingerprint"
	"github.com/withObsrvr/obsrvr-run-engine/internal/gate"
	"github.com/withObsrvr/obsrvr-run-engine/internal/journal"
	"github.com/withObsrvr/obsrvr-run-engine/internal/registry"
	"github.com/withObsrvr/obsrvr-run-engine/internal/sequencer"
	"github.com/withObsrvr/obsrvr-run-engine/internal/storage"
)

type harness struct {
	engine  *Engine
	store   *storage.RunStore
	reg     *registry.MemoryRegistry
	dataDir string
	calls   atomic.Int32
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()

	objects, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		store:   storage.NewRunStore(objects, "training_runs"),
		reg:     registry.NewMemoryRegistry(),
		dataDir: t.TempDir(),
	}
	h.writeData(t, "train.csv", "id,label\n1,0\n2,1\n")
	h.writeData(t, "nested/test.csv", "id,label\n3,1\n")

	o := Options{Store: h.store, Registry: h.reg, FingerprintWorkers: 2}
	for _, opt := range opts {
		opt(&o)
	}
	h.engine, err = New(o)
	require.NoError(t, err)
	return h
}

func (h *harness) writeData(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(h.dataDir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (h *harness) request(raw canonical.RawConfig) Request {
	return Request{
		Raw:     raw,
		Dataset: h.dataDir,
		Stages: []sequencer.StageSpec{{
			Name:    "train",
			Outputs: []string{"model.bin"},
			Stage: sequencer.StageFunc(func(ctx context.Context, in sequencer.Input) (sequencer.Result, error) {
				h.calls.Add(1)
				return sequencer.Result{}, in.Writer.Write("model.bin", []byte("model for "+in.Config.String()))
			}),
		}},
	}
}

func trainingConfig() canonical.RawConfig {
	return canonical.RawConfig{
		"TASK_TYPE":     "classification",
		"TARGET_COLUMN": "label",
		"MODEL_LIST":    "xgboost, lgbm",
		"RANDOM_SEED":   "42",
		"DATA_ROOT":     "/mnt/data",
	}
}

func TestRunIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.engine.Run(ctx, h.request(trainingConfig()))
	require.NoError(t, err)
	assert.False(t, first.ShortCircuited)

	// Same semantics, different representation.
	again := canonical.RawConfig{
		"TASK_TYPE":     " classification ",
		"TARGET_COLUMN": "label",
		"MODEL_LIST":    []any{"lgbm", "xgboost", "lgbm"},
		"RANDOM_SEED":   42,
		"DATA_ROOT":     "/somewhere/else",
	}
	second, err := h.engine.Run(ctx, h.request(again))
	require.NoError(t, err)

	assert.True(t, second.ShortCircuited)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, first.FullHash, second.FullHash)
	assert.Equal(t, len(first.Artifacts), len(second.Artifacts))
	assert.EqualValues(t, 1, h.calls.Load(), "stage work must run exactly once")
	assert.Equal(t, 1, h.reg.Len())
}

func TestRunDatasetChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.engine.Run(ctx, h.request(trainingConfig()))
	require.NoError(t, err)

	h.writeData(t, "train.csv", "id,label\n1,0\n2,0\n")
	second, err := h.engine.Run(ctx, h.request(trainingConfig()))
	require.NoError(t, err)

	assert.NotEqual(t, first.DatasetFingerprint, second.DatasetFingerprint)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.NotEqual(t, first.ArtifactRoot, second.ArtifactRoot)
	assert.EqualValues(t, 2, h.calls.Load())

	// The first run is untouched.
	stored, err := h.store.ReadManifest(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, first.FullHash, stored.FullHash)
	assert.Equal(t, 2, h.reg.Len())
}

func TestRunCollision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.engine.Run(ctx, h.request(trainingConfig()))
	require.NoError(t, err)

	// Corrupt the stored snapshot so its full hash no longer matches.
	snap, err := h.store.ReadSnapshot(ctx, m.RunID)
	require.NoError(t, err)
	snap.FullHash = m.RunID + "0000000000000000000000000000000000000000000000000000"
	_, err = h.store.WriteSnapshot(ctx, snap, true)
	require.NoError(t, err)
	before, err := h.store.List(ctx, m.RunID)
	require.NoError(t, err)

	_, err = h.engine.Run(ctx, h.request(trainingConfig()))
	var ce *gate.CollisionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, snap.FullHash, ce.ExistingHash)
	assert.Equal(t, m.FullHash, ce.ComputedHash)
	assert.Equal(t, "collision", FailureReason(err))
	assert.EqualValues(t, 1, h.calls.Load())

	after, err := h.store.List(ctx, m.RunID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunForce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.engine.Run(ctx, h.request(trainingConfig()))
	require.NoError(t, err)

	req := h.request(trainingConfig())
	req.Force = true
	second, err := h.engine.Run(ctx, req)
	require.NoError(t, err)

	assert.False(t, second.ShortCircuited)
	assert.Equal(t, first.RunID, second.RunID)
	assert.EqualValues(t, 2, h.calls.Load())

	ok, err := h.store.Exists(ctx, first.RunID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunInvalidConfig(t *testing.T) {
	h := newHarness(t)
	raw := trainingConfig()
	raw["RANDOM_SEED"] = "forty-two"

	_, err := h.engine.Run(context.Background(), h.request(raw))
	assert.ErrorIs(t, err, canonical.ErrInvalidConfigValue)
	assert.Equal(t, "invalid_config", FailureReason(err))
	assert.EqualValues(t, 0, h.calls.Load())
}

func TestRunDatasetUnreadable(t *testing.T) {
	h := newHarness(t)
	req := h.request(trainingConfig())
	req.Dataset = filepath.Join(t.TempDir(), "missing")

	_, err := h.engine.Run(context.Background(), req)
	assert.ErrorIs(t, err, fingerprint.ErrDatasetUnreadable)
	assert.EqualValues(t, 0, h.calls.Load())
}

func TestRunStageFailure(t *testing.T) {
	h := newHarness(t)
	req := h.request(trainingConfig())
	req.Stages = append(req.Stages, sequencer.StageSpec{
		Name: "evaluate",
		Stage: sequencer.StageFunc(func(ctx context.Context, in sequencer.Input) (sequencer.Result, error) {
			return sequencer.Result{}, errors.New("diverged")
		}),
	})

	_, err := h.engine.Run(context.Background(), req)
	assert.ErrorIs(t, err, sequencer.ErrStageFailed)
	assert.Equal(t, "stage_failed", FailureReason(err))

	res, err := h.engine.Resolve(context.Background(), req)
	require.NoError(t, err)
	ok, err := h.store.Exists(context.Background(), res.Identity.RunID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveIgnoresStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.Resolve(ctx, h.request(trainingConfig()))
	require.NoError(t, err)
	assert.Len(t, res.Identity.RunID, 12)
	assert.Contains(t, res.ArtifactRoot, "/training_runs/"+res.Identity.RunID)
	assert.NotContains(t, res.Config.String(), "DATA_ROOT")

	names, err := h.store.List(ctx, res.Identity.RunID)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.request(trainingConfig())

	st, err := h.engine.Status(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, gate.Proceed, st.Decision)

	_, err = h.engine.Run(ctx, req)
	require.NoError(t, err)

	st, err = h.engine.Status(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, gate.ShortCircuit, st.Decision)
	require.NotNil(t, st.Manifest)
	assert.Equal(t, st.Resolution.Identity.FullHash, st.Manifest.FullHash)
	assert.False(t, st.FinalizedAt.IsZero())
}

func TestRunJournal(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, func(o *Options) {
		o.Journal = journal.NewEmitter(journal.Config{Enabled: true, BackupDir: dir})
	})
	ctx := context.Background()

	_, err := h.engine.Run(ctx, h.request(trainingConfig()))
	require.NoError(t, err)
	_, err = h.engine.Run(ctx, h.request(trainingConfig()))
	require.NoError(t, err)

	backup, err := journal.NewFileBackup(dir)
	require.NoError(t, err)
	events, err := backup.Load("training_runs")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, journal.EventRunCompleted, events[0].EventType)
	assert.Equal(t, journal.EventRunShortCircuited, events[1].EventType)
	assert.NoError(t, journal.VerifyChain(events))
}

func TestRunWithFileLock(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		l, err := gate.NewLocker(gate.LockConfig{Enabled: true, Dir: t.TempDir()})
		require.NoError(t, err)
		o.Locker = l
	})
	assert.True(t, h.engine.exclusive)

	_, err := h.engine.Run(context.Background(), h.request(trainingConfig()))
	require.NoError(t, err)
}

func TestOpenFromConfig(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{
		RootURI:                 root,
		Namespace:               "training_runs",
		FingerprintWorkers:      2,
		CanonicalizationVersion: canonical.CurrentVersion,
		ParquetCompression:      "zstd",
		LockDir:                 filepath.Join(root, "locks"),
	}
	assert.Equal(t, filepath.Join(root, RegistryDirName), RegistryDSN(cfg))

	e, err := Open(context.Background(), cfg, storage.ProducerInfo{Name: "run-engine", Version: "test"})
	require.NoError(t, err)
	defer e.Close()

	h := &harness{dataDir: t.TempDir()}
	h.writeData(t, "a.csv", "x\n")
	m, err := e.Run(context.Background(), h.request(trainingConfig()))
	require.NoError(t, err)

	entry, err := os.ReadFile(filepath.Join(root, RegistryDirName, "entry_"+m.FullHash+".json"))
	require.NoError(t, err)
	var got registry.Entry
	require.NoError(t, json.Unmarshal(entry, &got))
	assert.Equal(t, m.ArtifactRoot, got.ArtifactURI)
	assert.Equal(t, "run-engine", m.Producer.Name)
}

func TestRegistryDSNDefaults(t *testing.T) {
	assert.Equal(t, "mem://", RegistryDSN(&config.Config{RootURI: "gs://bucket/ml"}))
	assert.Equal(t, "/data/runs/_registry", RegistryDSN(&config.Config{RootURI: "file:///data/runs"}))
	assert.Equal(t, "sqlite:///x.db", RegistryDSN(&config.Config{RootURI: "gs://b", RegistryDSN: "sqlite:///x.db"}))
}

func TestRequestFromTask(t *testing.T) {
	task := &config.Task{
		Dataset: "./data",
		Config:  map[string]any{"RANDOM_SEED": 1},
		Pipeline: config.Pipeline{Stages: []config.StageDef{
			{Name: "train", Command: []string{"python", "train.py"}, Outputs: []string{"model.bin"}, Env: map[string]string{"A": "1"}},
		}},
	}

	req, err := RequestFromTask(task, "", false, false)
	require.NoError(t, err)
	require.Len(t, req.Stages, 1)
	cs, ok := req.Stages[0].Stage.(*sequencer.CommandStage)
	require.True(t, ok)
	assert.Equal(t, []string{"A=1"}, cs.Env)
	assert.Equal(t, []string{"model.bin"}, req.Stages[0].Outputs)

	_, err = RequestFromTask(task, "", false, true)
	assert.Error(t, err, "purge without force")
}
