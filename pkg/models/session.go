// Package models defines the core domain types for the atalaya orchestrator.
package models

import (
	"time"
)

// SessionKind identifies the backend driving a session.
type SessionKind string

const (
	// KindRemote is a session hosted by the OpenCode-style HTTP backend.
	KindRemote SessionKind = "remote"
	// KindLocal is a session backed by a locally spawned agent CLI process.
	KindLocal SessionKind = "local"
)

// ValidKind checks if a session kind is valid.
func ValidKind(k SessionKind) bool {
	return k == KindRemote || k == KindLocal
}

// SessionStatus represents the current state of a session.
type SessionStatus string

const (
	StatusCreated          SessionStatus = "created"
	StatusRunning          SessionStatus = "running"
	StatusAwaitingApproval SessionStatus = "awaiting-approval"
	StatusCompleted        SessionStatus = "completed"
	StatusFailed           SessionStatus = "failed"
	StatusAborted          SessionStatus = "aborted"
)

// Session represents one conversational instance with an agent backend.
type Session struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id"`
	Kind        SessionKind   `json:"kind"`
	Status      SessionStatus `json:"status"`
	Title       string        `json:"title,omitempty"`
	Model       string        `json:"model,omitempty"`
	Error       string        `json:"error,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the session is in a terminal state.
// Terminal states are absorbing: no further events or transitions.
func (s *Session) IsTerminal() bool {
	return s.Status == StatusCompleted ||
		s.Status == StatusFailed ||
		s.Status == StatusAborted
}

// IsRunning returns true if the session is currently making progress.
func (s *Session) IsRunning() bool {
	return s.Status == StatusRunning || s.Status == StatusAwaitingApproval
}

// EventRole identifies the author of a transcript event.
type EventRole string

const (
	RoleUser   EventRole = "user"
	RoleAgent  EventRole = "agent"
	RoleSystem EventRole = "system"
)

// PayloadKind identifies what an event's payload carries.
type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadToolCall PayloadKind = "tool-call"
	PayloadDiff     PayloadKind = "diff"
	PayloadApproval PayloadKind = "approval"
)

// Event is one immutable, sequence-numbered entry in a session transcript.
// Seq is assigned by the registry on append, contiguous from 1.
type Event struct {
	Seq       int64       `json:"seq"`
	Role      EventRole   `json:"role"`
	Kind      PayloadKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	Tool      string      `json:"tool,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	DiffPath  string      `json:"diff_path,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// RequiresApproval reports whether this event gates session progress
// behind a human decision.
func (e *Event) RequiresApproval() bool {
	return e.Kind == PayloadApproval
}

// Decision is the state of an approval request.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// ApprovalRequest asks a human to sign off on a proposed agent action.
// It is resolved exactly once.
type ApprovalRequest struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Tool       string     `json:"tool"`
	Detail     string     `json:"detail,omitempty"`
	Decision   Decision   `json:"decision"`
	TimedOut   bool       `json:"timed_out,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ConnState is a workspace's connection state to the remote backend.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)

// Workspace is a directory-scoped project context owning zero or more
// sessions. A session never outlives its workspace.
type Workspace struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	RemoteURL string    `json:"remote_url,omitempty"`
	ConnState ConnState `json:"conn_state"`
	LastModel string    `json:"last_model,omitempty"`
	Sessions  []string  `json:"sessions,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionSummary provides a condensed view of a session for listing.
type SessionSummary struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id"`
	Kind        SessionKind   `json:"kind"`
	Status      SessionStatus `json:"status"`
	Title       string        `json:"title,omitempty"`
	Model       string        `json:"model,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    string        `json:"duration,omitempty"`
}

// ToSummary converts a Session to a SessionSummary.
func (s *Session) ToSummary() SessionSummary {
	summary := SessionSummary{
		ID:          s.ID,
		WorkspaceID: s.WorkspaceID,
		Kind:        s.Kind,
		Status:      s.Status,
		Title:       truncateString(s.Title, 100),
		Model:       s.Model,
		CreatedAt:   s.CreatedAt,
		CompletedAt: s.CompletedAt,
	}
	if s.CompletedAt != nil && s.StartedAt != nil {
		summary.Duration = s.CompletedAt.Sub(*s.StartedAt).String()
	}
	return summary
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// StartRequest represents a request to start a new session.
type StartRequest struct {
	WorkspaceID string      `json:"workspace_id"`
	Kind        SessionKind `json:"kind"`
	Title       string      `json:"title,omitempty"`
	Model       string      `json:"model,omitempty"`
	Thinking    string      `json:"thinking,omitempty"`
	Prompt      string      `json:"prompt,omitempty"`
}

// DecisionRequest represents a human decision on an approval request.
type DecisionRequest struct {
	Decision Decision `json:"decision"`
}
