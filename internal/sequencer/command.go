package sequencer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// maxOutputTail bounds the process output quoted in errors.
const maxOutputTail = 2048

// CommandStage runs an external program as a stage body. The program gets
// the run identity in its environment and writes its declared outputs
// below OUTPUT_DIR using the output names as relative paths.
//
// Environment passed to the program, in addition to Env and the parent
// environment:
//
//	RUN_ID, FULL_HASH, DATASET_FINGERPRINT, CANONICALIZATION_VERSION,
//	CANONICAL_CONFIG, ARTIFACT_ROOT, OUTPUT_DIR
type CommandStage struct {
	Command []string
	Env     []string
	Dir     string

	// TempDir is where OUTPUT_DIR is created. Empty uses os.TempDir.
	TempDir string
}

// Execute runs the command and stages every declared output it produced.
func (c *CommandStage) Execute(ctx context.Context, in Input) (Result, error) {
	if len(c.Command) == 0 {
		return Result{}, errors.New("command stage has no command")
	}

	outDir, err := os.MkdirTemp(c.TempDir, "stage-"+in.Identity.RunID+"-")
	if err != nil {
		return Result{}, fmt.Errorf("create output directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env,
		"RUN_ID="+in.Identity.RunID,
		"FULL_HASH="+in.Identity.FullHash,
		"DATASET_FINGERPRINT="+in.Identity.DatasetFingerprint.String(),
		"CANONICALIZATION_VERSION="+in.Identity.CanonicalizationVersion,
		"CANONICAL_CONFIG="+in.Config.String(),
		"ARTIFACT_ROOT="+in.ArtifactRoot,
		"OUTPUT_DIR="+outDir,
	)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	slog.Debug("running stage command", "component", "sequencer", "command", c.Command[0], "run_id", in.Identity.RunID)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("command %s: %w: %s", c.Command[0], err, tail(output.Bytes()))
	}

	for _, name := range in.Declared {
		data, err := os.ReadFile(filepath.Join(outDir, filepath.FromSlash(name)))
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, fmt.Errorf("command %s did not produce %s", c.Command[0], name)
		}
		if err != nil {
			return Result{}, fmt.Errorf("read output %s: %w", name, err)
		}
		if err := in.Writer.Write(name, data); err != nil {
			return Result{}, err
		}
	}
	return Result{}, nil
}

func tail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > maxOutputTail {
		b = b[len(b)-maxOutputTail:]
	}
	return string(b)
}
