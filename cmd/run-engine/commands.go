package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-run-engine/internal/config"
	"github.com/withObsrvr/obsrvr-run-engine/internal/engine"
	"github.com/withObsrvr/obsrvr-run-engine/internal/journal"
	"github.com/withObsrvr/obsrvr-run-engine/internal/logging"
	"github.com/withObsrvr/obsrvr-run-engine/internal/metrics"
	"github.com/withObsrvr/obsrvr-run-engine/internal/storage"
)

type rootOptions struct {
	envFile string
	cfg     *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "run-engine",
		Short:         "Deterministic, content-addressed pipeline runs",
		Long:          "run-engine derives a run identity from a canonical config and a dataset fingerprint, and executes each identity at most once.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.envFile)
			if err != nil {
				return err
			}
			logging.Setup(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Output: cmd.ErrOrStderr()})
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", config.DefaultEnvFile, "dotenv file with ENGINE_* settings")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newIdentityCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newJournalCommand(opts))
	cmd.AddCommand(newServeMetricsCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func producer() storage.ProducerInfo {
	return storage.ProducerInfo{Name: "run-engine", Version: Version, GitSHA: GitSHA}
}

// taskFlags are shared by every command that reads a task file.
type taskFlags struct {
	path  string
	force bool
	purge bool
}

func (f *taskFlags) register(cmd *cobra.Command, withForce bool) {
	cmd.Flags().StringVarP(&f.path, "task", "t", "", "task file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("task")
	if withForce {
		cmd.Flags().BoolVar(&f.force, "force", false, "discard an existing completion and run again")
		cmd.Flags().BoolVar(&f.purge, "purge", false, "with --force, delete all artifacts of the run first")
	}
}

func (f *taskFlags) request(cfg *config.Config) (engine.Request, error) {
	task, err := config.LoadTask(f.path)
	if err != nil {
		return engine.Request{}, err
	}
	return engine.RequestFromTask(task, cfg.StageTempDir, f.force, f.purge)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	flags := &taskFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a task, or return the stored result of an identical run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			req, err := flags.request(cfg)
			if err != nil {
				return err
			}

			if cfg.MetricsEnabled {
				metrics.Init("run_engine")
				go func() {
					if err := metrics.StartServer(cfg.MetricsAddr); err != nil && err != http.ErrServerClosed {
						slog.Warn("metrics server stopped", "error", err)
					}
				}()
			}

			ctx := cmd.Context()
			slog.Info("starting run engine", "version", Version, "git_sha", GitSHA, "root", cfg.RootURI)

			eng, err := engine.Open(ctx, cfg, producer())
			if err != nil {
				return err
			}
			defer eng.Close()

			manifest, err := eng.Run(ctx, req)
			if err != nil {
				return &runError{err: err}
			}
			return writeJSON(cmd.OutOrStdout(), manifest)
		},
	}

	flags.register(cmd, true)
	return cmd
}

func newIdentityCommand(opts *rootOptions) *cobra.Command {
	flags := &taskFlags{}

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print the run identity of a task without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(opts.cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			eng, err := engine.Open(ctx, opts.cfg, producer())
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.Resolve(ctx, req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), struct {
				Identity        any    `json:"identity"`
				ArtifactRoot    string `json:"artifact_root"`
				CanonicalConfig string `json:"canonical_config"`
				DatasetObjects  int    `json:"dataset_objects"`
			}{
				Identity:        res.Identity,
				ArtifactRoot:    res.ArtifactRoot,
				CanonicalConfig: string(res.Config.Bytes()),
				DatasetObjects:  len(res.Dataset.Objects),
			})
		},
	}

	flags.register(cmd, false)
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	flags := &taskFlags{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether a task would run, return a stored result or collide",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(opts.cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			eng, err := engine.Open(ctx, opts.cfg, producer())
			if err != nil {
				return err
			}
			defer eng.Close()

			st, err := eng.Status(ctx, req)
			if err != nil {
				return err
			}
			out := struct {
				RunID        string               `json:"run_id"`
				FullHash     string               `json:"full_hash"`
				ArtifactRoot string               `json:"artifact_root"`
				Decision     string               `json:"decision"`
				FinalizedAt  *time.Time           `json:"finalized_at,omitempty"`
				Error        string               `json:"error,omitempty"`
				Manifest     *storage.RunManifest `json:"manifest,omitempty"`
			}{
				RunID:        st.Resolution.Identity.RunID,
				FullHash:     st.Resolution.Identity.FullHash,
				ArtifactRoot: st.Resolution.ArtifactRoot,
				Decision:     st.Decision.String(),
				Manifest:     st.Manifest,
			}
			if !st.FinalizedAt.IsZero() {
				out.FinalizedAt = &st.FinalizedAt
			}
			if st.Err != nil {
				out.Error = st.Err.Error()
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	flags.register(cmd, false)
	return cmd
}

func newJournalCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the run journal",
	}
	cmd.AddCommand(newJournalVerifyCommand(opts))
	return cmd
}

func newJournalVerifyCommand(opts *rootOptions) *cobra.Command {
	var dir, chain string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain of the journal files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = opts.cfg.JournalDir
			}
			if chain == "" {
				chain = opts.cfg.Namespace
			}
			events, err := journal.VerifyDir(dir, chain)
			if err != nil {
				return &runError{err: err}
			}
			out := struct {
				Chain  string `json:"chain"`
				Events int    `json:"events"`
				Head   string `json:"head,omitempty"`
			}{Chain: chain, Events: len(events)}
			if len(events) > 0 {
				out.Head = events[len(events)-1].Chain.EventHash
			}
			slog.Info("journal verified", "chain", chain, "events", len(events))
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "journal directory (default ENGINE_JOURNAL_DIR)")
	cmd.Flags().StringVar(&chain, "chain", "", "chain key (default ENGINE_NAMESPACE)")
	return cmd
}

func newServeMetricsCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve /metrics and /health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = opts.cfg.MetricsAddr
			}
			metrics.Init("run_engine")

			srv := &http.Server{Addr: addr, Handler: metrics.Handler()}
			go func() {
				<-cmd.Context().Done()
				srv.Close()
			}()
			slog.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default ENGINE_METRICS_ADDR)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "run-engine %s (%s)\n", Version, GitSHA)
		},
	}
}
