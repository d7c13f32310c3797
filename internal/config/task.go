package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-run-engine/internal/canonical"
)

//go:embed task.schema.yaml
var taskSchemaYAML []byte

// Task is one run request read from a file.
type Task struct {
	// Version selects the canonicalization version.
	Version string `yaml:"version" json:"version,omitempty"`
	// Dataset is a path or URI of the training data.
	Dataset string `yaml:"dataset" json:"dataset"`
	// ConfigEnv is an optional dotenv file with raw config values. Values
	// in Config override it.
	ConfigEnv string         `yaml:"config_env" json:"config_env,omitempty"`
	Config    map[string]any `yaml:"config" json:"config,omitempty"`
	// Allowlist overrides the version's default identity keys.
	Allowlist map[string]string `yaml:"allowlist" json:"allowlist,omitempty"`
	Force     bool              `yaml:"force" json:"force,omitempty"`
	Purge     bool              `yaml:"purge" json:"purge,omitempty"`
	Pipeline  Pipeline          `yaml:"pipeline" json:"pipeline"`
}

// Pipeline is the ordered list of stages of a task.
type Pipeline struct {
	Stages []StageDef `yaml:"stages" json:"stages"`
}

// StageDef defines a command stage.
type StageDef struct {
	Name    string            `yaml:"name" json:"name"`
	Command []string          `yaml:"command" json:"command"`
	Outputs []string          `yaml:"outputs" json:"outputs,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	Dir     string            `yaml:"dir" json:"dir,omitempty"`
}

// EnvList returns Env as sorted KEY=VALUE pairs.
func (s StageDef) EnvList() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

var (
	taskSchemaOnce sync.Once
	taskSchema     *jsonschema.Schema
	taskSchemaErr  error
)

func compiledTaskSchema() (*jsonschema.Schema, error) {
	taskSchemaOnce.Do(func() {
		var doc any
		if err := yaml.Unmarshal(taskSchemaYAML, &doc); err != nil {
			taskSchemaErr = fmt.Errorf("parse task schema: %w", err)
			return
		}
		data, err := json.Marshal(doc)
		if err != nil {
			taskSchemaErr = fmt.Errorf("marshal task schema: %w", err)
			return
		}
		taskSchema, taskSchemaErr = jsonschema.CompileString("task.schema.json", string(data))
	})
	return taskSchema, taskSchemaErr
}

// ParseTask decodes and validates a YAML or JSON task document.
func ParseTask(data []byte) (*Task, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse task: %w", err)
	}

	// Round-trip through JSON so the validator sees JSON types.
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert task to JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	var inst any
	if err := dec.Decode(&inst); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}

	schema, err := compiledTaskSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	var task Task
	if err := yaml.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("parse task: %w", err)
	}
	return &task, nil
}

// LoadTask reads a task file. Relative ConfigEnv paths resolve against the
// task file's directory.
func LoadTask(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	task, err := ParseTask(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if task.ConfigEnv != "" && !filepath.IsAbs(task.ConfigEnv) {
		task.ConfigEnv = filepath.Join(filepath.Dir(path), task.ConfigEnv)
	}
	return task, nil
}

// RawConfig merges ConfigEnv and Config into one raw config.
func (t *Task) RawConfig() (canonical.RawConfig, error) {
	raw := canonical.RawConfig{}
	if t.ConfigEnv != "" {
		vars, err := ReadRawEnv(t.ConfigEnv)
		if err != nil {
			return nil, err
		}
		for k, v := range vars {
			raw[k] = v
		}
	}
	for k, v := range t.Config {
		raw[k] = v
	}
	return raw, nil
}

// ResolveAllowlist returns the task's allowlist or the default for version.
// An empty version means the current one.
func (t *Task) ResolveAllowlist(version string) (canonical.Allowlist, error) {
	if version == "" {
		version = canonical.CurrentVersion
	}
	if len(t.Allowlist) == 0 {
		a, ok := canonical.DefaultAllowlist(version)
		if !ok {
			return nil, fmt.Errorf("%w: %s", canonical.ErrUnknownVersion, version)
		}
		return a, nil
	}
	a := make(canonical.Allowlist, len(t.Allowlist))
	for k, name := range t.Allowlist {
		typ, ok := canonical.ParseFieldType(name)
		if !ok {
			return nil, fmt.Errorf("allowlist key %s: unknown type %q", k, name)
		}
		a[k] = typ
	}
	return a, nil
}
