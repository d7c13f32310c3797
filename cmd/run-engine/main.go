package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/withObsrvr/obsrvr-run-engine/internal/canonical"
	"github.com/withObsrvr/obsrvr-run-engine/internal/fingerprint"
	"github.com/withObsrvr/obsrvr-run-engine/internal/gate"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Exit codes
const (
	exitOK        = 0
	exitRunFailed = 1
	exitUsage     = 2
	exitCollision = 3
)

// runError marks failures of a run or a check, as opposed to bad input.
type runError struct{ err error }

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch {
	case errors.Is(err, gate.ErrCollision):
		return exitCollision
	case errors.Is(err, canonical.ErrInvalidConfigValue),
		errors.Is(err, canonical.ErrUnknownVersion),
		errors.Is(err, fingerprint.ErrDatasetUnreadable):
		// Rejected input, even when reported by the run.
		return exitUsage
	}
	var re *runError
	if errors.As(err, &re) {
		return exitRunFailed
	}
	return exitUsage
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := newRootCommand().ExecuteContext(ctx)
	if err != nil {
		slog.Error("command failed", "error", err)
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	code := exitCode(err)
	cancel()
	os.Exit(code)
}
