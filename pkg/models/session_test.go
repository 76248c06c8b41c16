package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestSessionStatus(t *testing.T) {
	sess := &Session{
		ID:     "sess-1",
		Status: StatusCreated,
	}

	if sess.IsTerminal() {
		t.Error("Expected created session to not be terminal")
	}
	if sess.IsRunning() {
		t.Error("Expected created session to not be running")
	}

	sess.Status = StatusRunning
	if !sess.IsRunning() {
		t.Error("Expected session to be running")
	}
	if sess.IsTerminal() {
		t.Error("Expected running session to not be terminal")
	}

	sess.Status = StatusAwaitingApproval
	if !sess.IsRunning() {
		t.Error("Expected awaiting-approval session to count as running")
	}

	for _, status := range []SessionStatus{StatusCompleted, StatusFailed, StatusAborted} {
		sess.Status = status
		if !sess.IsTerminal() {
			t.Errorf("Expected status %s to be terminal", status)
		}
		if sess.IsRunning() {
			t.Errorf("Expected status %s to not be running", status)
		}
	}
}

func TestValidKind(t *testing.T) {
	if !ValidKind(KindRemote) {
		t.Error("Expected remote to be a valid kind")
	}
	if !ValidKind(KindLocal) {
		t.Error("Expected local to be a valid kind")
	}
	if ValidKind("tauri") {
		t.Error("Expected unknown kind to be invalid")
	}
}

func TestEventRequiresApproval(t *testing.T) {
	ev := &Event{Kind: PayloadText, Text: "hello"}
	if ev.RequiresApproval() {
		t.Error("Expected text event to not require approval")
	}

	ev = &Event{Kind: PayloadApproval, Tool: "shell", Detail: "rm -rf build"}
	if !ev.RequiresApproval() {
		t.Error("Expected approval event to require approval")
	}
}

func TestSessionToSummary(t *testing.T) {
	started := time.Now().Add(-2 * time.Minute)
	completed := time.Now()
	sess := &Session{
		ID:          "sess-42",
		WorkspaceID: "ws-1",
		Kind:        KindLocal,
		Status:      StatusCompleted,
		Model:       "gpt-5.2-codex",
		CreatedAt:   started,
		StartedAt:   &started,
		CompletedAt: &completed,
	}

	summary := sess.ToSummary()
	if summary.ID != "sess-42" {
		t.Errorf("Expected ID sess-42, got %s", summary.ID)
	}
	if summary.WorkspaceID != "ws-1" {
		t.Errorf("Expected workspace ws-1, got %s", summary.WorkspaceID)
	}
	if summary.Duration == "" {
		t.Error("Expected duration to be set for completed session")
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	ev := Event{
		Seq:       7,
		Role:      RoleAgent,
		Kind:      PayloadToolCall,
		Tool:      "edit",
		Detail:    "main.go",
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}

	if decoded.Seq != 7 || decoded.Role != RoleAgent || decoded.Tool != "edit" {
		t.Errorf("Round trip mismatch: %+v", decoded)
	}
}

func TestProcessExitError(t *testing.T) {
	err := &ProcessExitError{ExitCode: 2}
	if err.Error() != "agent process exited with code 2" {
		t.Errorf("Unexpected error string: %s", err.Error())
	}

	wrapped := errors.Join(ErrTransportUnavailable, err)
	if !errors.Is(wrapped, ErrTransportUnavailable) {
		t.Error("Expected errors.Is to match sentinel through join")
	}
}
