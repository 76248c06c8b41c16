package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sevir/atalaya/pkg/models"
)

func newFakeBackend(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Health{Healthy: true, Version: "0.9.1"})
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode([]Session{{ID: "ses_1", Title: "first"}})
		case http.MethodPost:
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			json.NewEncoder(w).Encode(Session{ID: "ses_new", Title: body["title"], Model: body["model"]})
		}
	})
	mux.HandleFunc("/session/ses_1/message", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		since := r.URL.Query().Get("since")
		msgs := []Message{
			{ID: "m1", Seq: 1, Role: "user", Content: "hi"},
			{ID: "m2", Seq: 2, Role: "agent", Content: "hello"},
		}
		if since == "1" {
			msgs = msgs[1:]
		}
		json.NewEncoder(w).Encode(msgs)
	})
	mux.HandleFunc("/session/ses_1/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session/missing/message", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL)
}

func TestClientHealth(t *testing.T) {
	_, client := newFakeBackend(t)

	h, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Failed health check: %v", err)
	}
	if !h.Healthy {
		t.Error("Expected healthy backend")
	}
	if h.Version != "0.9.1" {
		t.Errorf("Expected version 0.9.1, got %s", h.Version)
	}
}

func TestClientCreateSession(t *testing.T) {
	_, client := newFakeBackend(t)

	sess, err := client.CreateSession(context.Background(), "fix tests", "gpt-5.2-codex")
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if sess.ID != "ses_new" {
		t.Errorf("Expected backend-assigned ID, got %s", sess.ID)
	}
	if sess.Title != "fix tests" {
		t.Errorf("Expected title round trip, got %s", sess.Title)
	}
}

func TestClientMessagesSince(t *testing.T) {
	_, client := newFakeBackend(t)

	msgs, err := client.Messages(context.Background(), "ses_1", 0)
	if err != nil {
		t.Fatalf("Failed to fetch messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}

	msgs, err = client.Messages(context.Background(), "ses_1", 1)
	if err != nil {
		t.Fatalf("Failed to fetch messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Seq != 2 {
		t.Errorf("Expected only message with seq 2, got %+v", msgs)
	}
}

func TestClientNotFound(t *testing.T) {
	_, client := newFakeBackend(t)

	_, err := client.Messages(context.Background(), "missing", 0)
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1")

	_, err := client.Health(context.Background())
	if !errors.Is(err, models.ErrTransportUnavailable) {
		t.Errorf("Expected ErrTransportUnavailable, got %v", err)
	}
}

func TestClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.ListSessions(context.Background())
	if !errors.Is(err, models.ErrTransportUnavailable) {
		t.Errorf("Expected ErrTransportUnavailable on 500, got %v", err)
	}
}
