// Package adapter translates the uniform session contract into each
// backend's native protocol: an HTTP-polled remote service and a
// locally spawned agent CLI.
package adapter

import (
	"context"

	"github.com/sevir/atalaya/pkg/models"
)

// Config carries everything an adapter needs to create a session.
type Config struct {
	WorkspaceID   string
	WorkspacePath string
	Title         string
	Model         string
	Thinking      string
	Prompt        string
}

// Sink receives events and lifecycle transitions from adapters. The
// registry implements it; adapters never touch session state directly.
// The transition back out of awaiting-approval is not an adapter
// concern: the sink owner hooks the gate's resolve notifier, so a
// decision lands even when no adapter goroutine is waiting on it.
type Sink interface {
	// AppendEvent stores an event (seq unassigned) and returns the
	// stored copy with its sequence number and, for approval events,
	// the opened request ID.
	AppendEvent(sessionID string, ev models.Event) (models.Event, error)

	// SessionFinished moves a session to a terminal status with a
	// diagnostic appended to its log. Ignored if already terminal.
	SessionFinished(sessionID string, status models.SessionStatus, exitCode *int, reason string)
}

// Adapter is the uniform contract each backend kind implements.
// Streaming is push-based: Start launches one goroutine per session
// that feeds events into the Sink until the session ends or Cancel
// stops it.
type Adapter interface {
	Kind() models.SessionKind

	// Create allocates a backend session and returns its identifier.
	// The local kind only prepares a launch spec; nothing runs yet.
	Create(ctx context.Context, cfg Config) (string, error)

	// Start begins streaming. Remote kind starts the poll loop; local
	// kind spawns the process and attaches to its output.
	Start(ctx context.Context, sessionID string) error

	// Send delivers a user message. The local kind rejects it with
	// ErrUnsupportedOperation (single-shot process model).
	Send(ctx context.Context, sessionID, text string) error

	// Cancel stops the session's forward progress: best-effort abort
	// call for remote, SIGTERM escalating to SIGKILL for local.
	Cancel(ctx context.Context, sessionID string) error

	// Dispose releases adapter-held resources without altering the
	// session's accumulated log.
	Dispose(sessionID string) error
}
