// Package server exposes the orchestrator over REST and SSE.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sevir/atalaya/internal/config"
	"github.com/sevir/atalaya/internal/debuglog"
	"github.com/sevir/atalaya/internal/orchestrator"
)

// Server serves the HTTP control surface. REST routes are handled by
// Gin; the SSE endpoints stay on the stdlib mux so responses are never
// buffered.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	debug        *debuglog.Buffer
	addr         string
	version      string
	commit       string
	config       *config.Config
	httpServer   *http.Server
	gin          http.Handler
}

// Config holds server configuration.
type Config struct {
	Addr         string
	Orchestrator *orchestrator.Orchestrator
	Debug        *debuglog.Buffer
	Version      string
	Commit       string
	AppConfig    *config.Config
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		orchestrator: cfg.Orchestrator,
		debug:        cfg.Debug,
		addr:         cfg.Addr,
		version:      cfg.Version,
		commit:       cfg.Commit,
		config:       cfg.AppConfig,
	}

	s.gin = s.newGinEngine()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/events", s.handleGlobalStream)
	// Session stream endpoints live under the same prefix as the REST
	// session routes; everything that is not a stream falls through.
	mux.HandleFunc("/api/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/stream") {
			s.handleSessionStream(w, r)
			return
		}
		s.gin.ServeHTTP(w, r)
	})
	mux.Handle("/", s.gin)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for SSE
	}

	return s
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("server_event=starting addr=%s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the full HTTP surface, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "healthy",
		"version":    s.version,
		"workspaces": len(s.orchestrator.ListWorkspaces()),
	})
}

// handleSessionStream replays a session's events from ?since= and then
// follows the live feed until the client disconnects.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	// Path shape: /api/sessions/{id}/stream
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	sessionID := parts[2]

	since := int64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = v
	}

	replay, live, cancel, err := s.orchestrator.Subscribe(sessionID, since)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for _, ev := range replay {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-live:
			if !open {
				return
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleGlobalStream pushes process-wide notifications: session status
// changes, new approval requests, workspace connection state.
func (s *Server) handleGlobalStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel := s.orchestrator.SubscribeNotifications()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case n, open := <-ch:
			if !open {
				return
			}
			data, _ := json.Marshal(n)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data)
			flusher.Flush()
		}
	}
}
