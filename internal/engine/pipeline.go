package engine

import (
	"fmt"

	"github.com/withObsrvr/obsrvr-run-engine/internal/config"
	"github.com/withObsrvr/obsrvr-run-engine/internal/sequencer"
)

// CommandStages turns a pipeline definition into command stages.
func CommandStages(p config.Pipeline, tempDir string) []sequencer.StageSpec {
	specs := make([]sequencer.StageSpec, 0, len(p.Stages))
	for _, def := range p.Stages {
		specs = append(specs, sequencer.StageSpec{
			Name:    def.Name,
			Outputs: def.Outputs,
			Stage: &sequencer.CommandStage{
				Command: def.Command,
				Env:     def.EnvList(),
				Dir:     def.Dir,
				TempDir: tempDir,
			},
		})
	}
	return specs
}

// RequestFromTask builds a run request from a task file definition.
// Force and Purge from the task are combined with the caller's flags.
func RequestFromTask(task *config.Task, tempDir string, force, purge bool) (Request, error) {
	raw, err := task.RawConfig()
	if err != nil {
		return Request{}, err
	}
	allowlist, err := task.ResolveAllowlist(task.Version)
	if err != nil {
		return Request{}, err
	}
	if (purge || task.Purge) && !(force || task.Force) {
		return Request{}, fmt.Errorf("purge requires force")
	}
	return Request{
		Raw:       raw,
		Allowlist: allowlist,
		Version:   task.Version,
		Dataset:   task.Dataset,
		Stages:    CommandStages(task.Pipeline, tempDir),
		Force:     force || task.Force,
		Purge:     purge || task.Purge,
	}, nil
}
