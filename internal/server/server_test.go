package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sevir/atalaya/internal/config"
	"github.com/sevir/atalaya/internal/debuglog"
	"github.com/sevir/atalaya/internal/orchestrator"
	"github.com/sevir/atalaya/internal/store"
	"github.com/sevir/atalaya/pkg/models"
)

// newFakeBackend serves just enough of the agent backend API for the
// session lifecycle to run.
func newFakeBackend(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"healthy": true, "version": "test"})
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]any{"id": "rem-1"})
			return
		}
		json.NewEncoder(w).Encode([]any{})
	})
	mux.HandleFunc("/session/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]any{})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setupServer(t *testing.T) *Server {
	t.Helper()

	backend := newFakeBackend(t)

	cfg := config.DefaultConfig()
	cfg.Remote.BaseURL = backend.URL
	cfg.Remote.PollInterval = "10ms"
	cfg.StorePath = filepath.Join(t.TempDir(), "workspaces.db")

	st, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	orch, err := orchestrator.New(cfg, st)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	t.Cleanup(func() { orch.Shutdown() })

	return New(Config{
		Addr:         "127.0.0.1:0",
		Orchestrator: orch,
		Debug:        debuglog.NewBuffer(100),
		Version:      "test",
		AppConfig:    cfg,
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func addWorkspace(t *testing.T, s *Server) string {
	t.Helper()

	w := doJSON(t, s, http.MethodPost, "/api/workspaces", map[string]string{"path": "/home/dev/project"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Workspace models.Workspace `json:"workspace"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp.Workspace.ID
}

func connectWorkspace(t *testing.T, s *Server, id string) {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/api/workspaces/"+id+"/connect", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 connecting, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := setupServer(t)

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", resp["status"])
	}
}

func TestWorkspaceLifecycle(t *testing.T) {
	s := setupServer(t)

	id := addWorkspace(t, s)

	w := doJSON(t, s, http.MethodGet, "/api/workspaces", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var list struct {
		Workspaces []models.Workspace `json:"workspaces"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Workspaces) != 1 || list.Workspaces[0].ID != id {
		t.Errorf("Expected workspace %s listed, got %+v", id, list.Workspaces)
	}

	connectWorkspace(t, s, id)

	w = doJSON(t, s, http.MethodGet, "/api/workspaces/"+id, nil)
	var got struct {
		Workspace models.Workspace `json:"workspace"`
	}
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Workspace.ConnState != models.ConnConnected {
		t.Errorf("Expected connected, got %s", got.Workspace.ConnState)
	}

	w = doJSON(t, s, http.MethodDelete, "/api/workspaces/"+id, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/api/workspaces/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestWorkspaceAddValidation(t *testing.T) {
	s := setupServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/workspaces", map[string]string{})
	if w.Code != http.StatusInternalServerError && w.Code != http.StatusBadRequest {
		t.Errorf("Expected error for missing path, got %d", w.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := setupServer(t)

	id := addWorkspace(t, s)
	connectWorkspace(t, s, id)

	w := doJSON(t, s, http.MethodPost, "/api/workspaces/"+id+"/sessions", models.StartRequest{
		Kind:   models.KindRemote,
		Prompt: "fix the tests",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Session models.Session `json:"session"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.Session.Status != models.StatusRunning {
		t.Errorf("Expected running session, got %s", created.Session.Status)
	}
	sessID := created.Session.ID

	// The prompt is the first event.
	w = doJSON(t, s, http.MethodGet, "/api/sessions/"+sessID+"/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var events struct {
		Events []models.Event `json:"events"`
	}
	json.Unmarshal(w.Body.Bytes(), &events)
	if len(events.Events) != 1 || events.Events[0].Text != "fix the tests" {
		t.Errorf("Expected prompt event, got %+v", events.Events)
	}

	// since= filters already seen entries.
	w = doJSON(t, s, http.MethodGet, "/api/sessions/"+sessID+"/events?since=1", nil)
	json.Unmarshal(w.Body.Bytes(), &events)
	if len(events.Events) != 0 {
		t.Errorf("Expected no events after since=1, got %d", len(events.Events))
	}

	// Delete is rejected while running.
	w = doJSON(t, s, http.MethodDelete, "/api/sessions/"+sessID, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 deleting running session, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/api/sessions/"+sessID+"/abort", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 aborting, got %d: %s", w.Code, w.Body.String())
	}
	var aborted struct {
		Session models.Session `json:"session"`
	}
	json.Unmarshal(w.Body.Bytes(), &aborted)
	if aborted.Session.Status != models.StatusAborted {
		t.Errorf("Expected aborted, got %s", aborted.Session.Status)
	}

	w = doJSON(t, s, http.MethodDelete, "/api/sessions/"+sessID, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204 after abort, got %d", w.Code)
	}
}

func TestSessionNotFound(t *testing.T) {
	s := setupServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/sessions/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/api/sessions/missing/message", map[string]string{"text": "hi"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestMessageValidation(t *testing.T) {
	s := setupServer(t)
	id := addWorkspace(t, s)
	connectWorkspace(t, s, id)

	w := doJSON(t, s, http.MethodPost, "/api/workspaces/"+id+"/sessions", models.StartRequest{Kind: models.KindRemote})
	var created struct {
		Session models.Session `json:"session"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)

	w = doJSON(t, s, http.MethodPost, "/api/sessions/"+created.Session.ID+"/message", map[string]string{"text": "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for blank text, got %d", w.Code)
	}
}

func TestApprovalDecideNotFound(t *testing.T) {
	s := setupServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/approvals/missing/decision", models.DecisionRequest{
		Decision: models.DecisionApproved,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/api/approvals", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Approvals []models.ApprovalRequest `json:"approvals"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Approvals) != 0 {
		t.Errorf("Expected empty approvals list, got %d", len(resp.Approvals))
	}
}

func TestModelsEndpoint(t *testing.T) {
	s := setupServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/models", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Models []config.ModelConfig `json:"models"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Models) == 0 {
		t.Error("Expected configured model catalog")
	}
}

func TestDebugLogEndpoints(t *testing.T) {
	s := setupServer(t)

	s.debug.Append("session_event=test")

	w := doJSON(t, s, http.MethodGet, "/api/debug/log", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Lines []debuglog.Line `json:"lines"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Lines) != 1 {
		t.Fatalf("Expected 1 line, got %d", len(resp.Lines))
	}

	w = doJSON(t, s, http.MethodDelete, "/api/debug/log", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/api/debug/log", nil)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Lines) != 0 {
		t.Errorf("Expected empty after reset, got %d", len(resp.Lines))
	}
}

func TestCORSPreflight(t *testing.T) {
	s := setupServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/workspaces", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS headers on preflight")
	}
}

func TestSessionStreamBadSince(t *testing.T) {
	s := setupServer(t)

	w := doJSON(t, s, http.MethodGet, fmt.Sprintf("/api/sessions/%s/stream?since=abc", "x"), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad since, got %d", w.Code)
	}
}
