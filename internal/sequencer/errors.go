package sequencer

import (
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-run-engine/internal/registry"
)

// ErrRegistrationConflict is returned when the registry already holds a
// different entry for the run's full hash.
var ErrRegistrationConflict = registry.ErrRegistrationConflict

var (
	// ErrStageFailed matches every *StageFailedError.
	ErrStageFailed = errors.New("stage failed")

	// ErrIntegrityCheckFailed matches every *IntegrityCheckFailedError.
	ErrIntegrityCheckFailed = errors.New("integrity check failed")
)

// StageFailedError reports a stage that returned an error or did not
// produce its declared outputs.
type StageFailedError struct {
	Stage string
	Cause error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
}

func (e *StageFailedError) Unwrap() error { return e.Cause }

func (e *StageFailedError) Is(target error) bool { return target == ErrStageFailed }

// IntegrityCheckFailedError reports an artifact whose bytes did not match
// the checksum recorded or declared for it.
type IntegrityCheckFailedError struct {
	Artifact string
	Cause    error
	// Hint tells the operator how to recover, when there is a way.
	Hint string
}

func (e *IntegrityCheckFailedError) Error() string {
	msg := "integrity check failed for " + e.Artifact
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// forceHint is attached to conflicts with objects left by an earlier
// attempt that never created its success marker.
const forceHint = "an unfinalized earlier attempt left different outputs; rerun with --force to replace them"

func (e *IntegrityCheckFailedError) Unwrap() error { return e.Cause }

func (e *IntegrityCheckFailedError) Is(target error) bool { return target == ErrIntegrityCheckFailed }
