// Package config loads platform settings from the environment and task
// definitions from YAML or JSON files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every platform environment variable.
const EnvPrefix = "ENGINE"

// DefaultEnvFile is read when present; a missing default file is not an
// error.
const DefaultEnvFile = ".env"

// Config contains the platform settings of the run engine.
type Config struct {
	// Root URI runs are stored under: a path, file://, gs://, s3:// or mem://
	RootURI string `default:"./runs" split_words:"true"`
	// Namespace between the root and the run_id
	Namespace string `default:"training_runs"`
	// Registry DSN: file path, file://, sqlite://, postgres:// or mem://.
	// Empty uses a file registry next to local roots and memory otherwise.
	RegistryDSN string `split_words:"true"`

	// Serialize runs sharing a run_id with file locks
	LockEnabled bool   `default:"false" split_words:"true"`
	LockDir     string `default:"./state/locks" split_words:"true"`

	JournalEnabled  bool          `default:"false" split_words:"true"`
	JournalEndpoint string        `split_words:"true"`
	JournalDir      string        `default:"./state/journal" split_words:"true"`
	JournalStrict   bool          `default:"false" split_words:"true"`
	JournalTimeout  time.Duration `default:"30s" split_words:"true"`

	MetricsEnabled bool   `default:"false" split_words:"true"`
	MetricsAddr    string `default:":9090" split_words:"true"`

	LogFormat string `default:"json" split_words:"true"`
	LogLevel  string `default:"info" split_words:"true"`

	FingerprintWorkers int           `default:"4" split_words:"true"`
	FingerprintTimeout time.Duration `default:"10m" split_words:"true"`

	// Version used when a task does not name one
	CanonicalizationVersion string `default:"1.0.0" split_words:"true"`
	ParquetCompression      string `default:"snappy" split_words:"true"`

	// Directory for command stage scratch output
	StageTempDir string `split_words:"true"`
}

func (c Config) String() string {
	settings, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal config: %v", err).Error()
	}
	return fmt.Sprintf("Engine Settings:\n%s\n", string(settings))
}

// Validate checks settings that envconfig cannot.
func (c Config) Validate() error {
	if c.RootURI == "" {
		return errors.New("ENGINE_ROOT_URI is required")
	}
	if c.FingerprintWorkers < 1 {
		return fmt.Errorf("ENGINE_FINGERPRINT_WORKERS must be positive, got %d", c.FingerprintWorkers)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("ENGINE_LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.JournalStrict && !c.JournalEnabled {
		return errors.New("ENGINE_JOURNAL_STRICT requires ENGINE_JOURNAL_ENABLED")
	}
	return nil
}

// Load reads envFile into the environment, without overriding variables
// already set, then processes ENGINE_* variables.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !(envFile == DefaultEnvFile && errors.Is(err, fs.ErrNotExist)) {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process environment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadRawEnv reads a dotenv file as raw config values. Nothing is added to
// the process environment.
func ReadRawEnv(path string) (map[string]any, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out, nil
}

// RawFromEnviron collects the given keys from the process environment.
// Unset keys are omitted.
func RawFromEnviron(keys []string) map[string]any {
	out := make(map[string]any)
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			out[k] = v
		}
	}
	return out
}
