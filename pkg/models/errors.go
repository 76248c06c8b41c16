package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for the orchestration core. Callers discriminate with
// errors.Is; adapters wrap these with operation context.
var (
	// ErrNotFound covers unknown IDs and cross-workspace lookups alike,
	// so a caller cannot probe for sessions it does not own.
	ErrNotFound = errors.New("not found")

	// ErrTransportUnavailable marks a backend that could not be reached
	// after the retry bound was exhausted.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrUnsupportedOperation marks an action not valid for the
	// session's adapter kind. Never retried.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrAlreadyResolved marks a second decision on an approval request.
	ErrAlreadyResolved = errors.New("approval already resolved")

	// ErrTimeout marks a bounded wait that expired.
	ErrTimeout = errors.New("timeout")

	// ErrSessionTerminal marks a mutation attempted on a session in an
	// absorbing terminal state.
	ErrSessionTerminal = errors.New("session is terminal")

	// ErrSessionNotTerminal marks a delete attempted on a session that
	// must be aborted first.
	ErrSessionNotTerminal = errors.New("session is not terminal")
)

// ProcessExitError reports a local agent process that terminated with a
// non-zero exit code without an explicit cancel.
type ProcessExitError struct {
	ExitCode int
}

func (e *ProcessExitError) Error() string {
	return fmt.Sprintf("agent process exited with code %d", e.ExitCode)
}
