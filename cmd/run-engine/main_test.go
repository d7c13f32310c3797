package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-run-engine/internal/canonical"
	"github.com/withObsrvr/obsrvr-run-engine/internal/fingerprint"
	"github.com/withObsrvr/obsrvr-run-engine/internal/gate"
	"github.com/withObsrvr/obsrvr-run-engine/internal/storage"
)

func TestExitCode(t *testing.T) {
	collision := &gate.CollisionError{RunID: "abcdefabcdef", ExistingHash: "a", ComputedHash: "b"}

	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitUsage, exitCode(errors.New("bad flag")))
	assert.Equal(t, exitRunFailed, exitCode(&runError{err: errors.New("stage failed")}))
	assert.Equal(t, exitCollision, exitCode(&runError{err: collision}))
	assert.Equal(t, exitCollision, exitCode(fmt.Errorf("wrapped: %w", collision)))

	invalid := &canonical.InvalidConfigValueError{Key: "TRAIN_SIZE", Value: 2.0, Want: canonical.Float, Reason: "must be between 0 and 1"}
	assert.Equal(t, exitUsage, exitCode(&runError{err: fmt.Errorf("canonicalize: %w", invalid)}))
	assert.Equal(t, exitUsage, exitCode(&runError{err: fmt.Errorf("%w: %q", canonical.ErrUnknownVersion, "9.9.9")}))
	unreadable := &fingerprint.DatasetUnreadableError{Root: "/nope", Err: os.ErrNotExist}
	assert.Equal(t, exitUsage, exitCode(&runError{err: unreadable}))
}

func writeTask(t *testing.T, dir, stageScript string) string {
	t.Helper()
	data := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(data, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(data, "train.csv"), []byte("a,b\n1,2\n"), 0o644))

	task := fmt.Sprintf(`dataset: %q
config:
  TASK_TYPE: classification
  TARGET_COLUMN: label
  RANDOM_SEED: 42
pipeline:
  stages:
    - name: train
      command: ["sh", "-c", %q]
      outputs: [result.txt]
`, data, stageScript)
	path := filepath.Join(dir, "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte(task), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("ENGINE_ROOT_URI", filepath.Join(dir, "runs"))
	t.Setenv("ENGINE_LOG_FORMAT", "text")
	return dir
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestIdentityCommand(t *testing.T) {
	dir := setupWorkspace(t)
	task := writeTask(t, dir, "true")

	out, err := execute(t, "identity", "--task", task)
	require.NoError(t, err)

	var got struct {
		Identity struct {
			FullHash string `json:"full_hash"`
			RunID    string `json:"run_id"`
		} `json:"identity"`
		ArtifactRoot   string `json:"artifact_root"`
		DatasetObjects int    `json:"dataset_objects"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Len(t, got.Identity.FullHash, 64)
	assert.Equal(t, got.Identity.FullHash[:12], got.Identity.RunID)
	assert.Equal(t, 1, got.DatasetObjects)
	assert.NoDirExists(t, filepath.FromSlash(strings.TrimPrefix(got.ArtifactRoot, "file://")))
}

func TestRunAndStatusCommands(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := setupWorkspace(t)
	task := writeTask(t, dir, `printf done > "$OUTPUT_DIR/result.txt"`)

	out, err := execute(t, "status", "--task", task)
	require.NoError(t, err)
	assert.Contains(t, out, `"decision": "proceed"`)

	out, err = execute(t, "run", "--task", task)
	require.NoError(t, err)
	var manifest struct {
		RunID        string `json:"run_id"`
		ArtifactRoot string `json:"artifact_root"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &manifest))
	root := filepath.FromSlash(strings.TrimPrefix(manifest.ArtifactRoot, "file://"))
	assert.FileExists(t, filepath.Join(root, "result.txt"))
	assert.FileExists(t, filepath.Join(root, storage.SuccessMarkerName))

	out, err = execute(t, "status", "--task", task)
	require.NoError(t, err)
	assert.Contains(t, out, `"decision": "short_circuit"`)
	assert.Contains(t, out, `"finalized_at"`)

	// A second run returns the stored manifest.
	again, err := execute(t, "run", "--task", task)
	require.NoError(t, err)
	assert.Contains(t, again, manifest.RunID)
}

func TestRunCommandStageFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := setupWorkspace(t)
	task := writeTask(t, dir, "exit 4")

	_, err := execute(t, "run", "--task", task)
	require.Error(t, err)
	assert.Equal(t, exitRunFailed, exitCode(err))
}

func TestRunCommandRejectedInputExitsUsage(t *testing.T) {
	dir := setupWorkspace(t)

	badConfig := filepath.Join(dir, "bad-config.yaml")
	require.NoError(t, os.WriteFile(badConfig, []byte(fmt.Sprintf(`dataset: %q
config:
  TASK_TYPE: telepathy
pipeline:
  stages:
    - name: train
      command: ["true"]
`, dir)), 0o644))

	_, err := execute(t, "run", "--task", badConfig)
	require.Error(t, err)
	assert.ErrorIs(t, err, canonical.ErrInvalidConfigValue)
	assert.Equal(t, exitUsage, exitCode(err))

	noData := filepath.Join(dir, "no-data.yaml")
	require.NoError(t, os.WriteFile(noData, []byte(fmt.Sprintf(`dataset: %q
pipeline:
  stages:
    - name: train
      command: ["true"]
`, filepath.Join(dir, "does-not-exist"))), 0o644))

	_, err = execute(t, "run", "--task", noData)
	require.Error(t, err)
	assert.ErrorIs(t, err, fingerprint.ErrDatasetUnreadable)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestRunCommandMissingTask(t *testing.T) {
	setupWorkspace(t)
	_, err := execute(t, "run", "--task", "missing.yaml")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestPurgeRequiresForce(t *testing.T) {
	dir := setupWorkspace(t)
	task := writeTask(t, dir, "true")
	_, err := execute(t, "run", "--task", task, "--purge")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestJournalVerifyCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := setupWorkspace(t)
	journalDir := filepath.Join(dir, "journal")
	t.Setenv("ENGINE_JOURNAL_ENABLED", "true")
	t.Setenv("ENGINE_JOURNAL_DIR", journalDir)

	task := writeTask(t, dir, `printf done > "$OUTPUT_DIR/result.txt"`)
	_, err := execute(t, "run", "--task", task)
	require.NoError(t, err)
	_, err = execute(t, "run", "--task", task)
	require.NoError(t, err)

	out, err := execute(t, "journal", "verify")
	require.NoError(t, err)
	var got struct {
		Chain  string `json:"chain"`
		Events int    `json:"events"`
		Head   string `json:"head"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "training_runs", got.Chain)
	assert.Equal(t, 2, got.Events)
	assert.True(t, strings.HasPrefix(got.Head, "sha256:"))

	_, err = execute(t, "journal", "verify", "--dir", filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.Equal(t, exitRunFailed, exitCode(err))
}
