package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sevir/atalaya/pkg/models"
)

func (s *Server) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/version", s.handleVersion)

		api.GET("/workspaces", s.handleWorkspacesList)
		api.POST("/workspaces", s.handleWorkspaceAdd)
		api.GET("/workspaces/:id", s.handleWorkspaceGet)
		api.DELETE("/workspaces/:id", s.handleWorkspaceRemove)
		api.POST("/workspaces/:id/connect", s.handleWorkspaceConnect)
		api.GET("/workspaces/:id/sessions", s.handleSessionsList)
		api.POST("/workspaces/:id/sessions", s.handleSessionStart)
		api.GET("/workspaces/:id/files", s.handleFilesList)
		api.GET("/workspaces/:id/files/content", s.handleFileRead)
		api.GET("/workspaces/:id/find", s.handleFilesFind)
		api.GET("/workspaces/:id/agents", s.handleAgentsList)
		api.GET("/workspaces/:id/diffs/:session", s.handleDiffs)

		api.GET("/sessions/:id", s.handleSessionGet)
		api.GET("/sessions/:id/events", s.handleSessionEvents)
		api.POST("/sessions/:id/message", s.handleSessionMessage)
		api.POST("/sessions/:id/shell", s.handleSessionShell)
		api.POST("/sessions/:id/abort", s.handleSessionAbort)
		api.DELETE("/sessions/:id", s.handleSessionDelete)

		api.GET("/approvals", s.handleApprovalsList)
		api.POST("/approvals/:id/decision", s.handleApprovalDecide)

		api.GET("/models", s.handleModelsList)
		api.GET("/models/local", s.handleLocalModels)

		api.GET("/debug/log", s.handleDebugLog)
		api.DELETE("/debug/log", s.handleDebugLogReset)
	}

	return r
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSessionTerminal),
		errors.Is(err, models.ErrSessionNotTerminal),
		errors.Is(err, models.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, models.ErrTransportUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrUnsupportedOperation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}

func (s *Server) handleWorkspacesList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workspaces": s.orchestrator.ListWorkspaces()})
}

func (s *Server) handleWorkspaceAdd(c *gin.Context) {
	var req struct {
		Path      string `json:"path"`
		RemoteURL string `json:"remote_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := s.orchestrator.AddWorkspace(req.Path, req.RemoteURL)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"workspace": ws})
}

func (s *Server) handleWorkspaceGet(c *gin.Context) {
	ws, err := s.orchestrator.GetWorkspace(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace": ws})
}

func (s *Server) handleWorkspaceRemove(c *gin.Context) {
	if err := s.orchestrator.RemoveWorkspace(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleWorkspaceConnect(c *gin.Context) {
	ws, err := s.orchestrator.Connect(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace": ws})
}

func (s *Server) handleSessionsList(c *gin.Context) {
	sessions, err := s.orchestrator.ListSessions(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleSessionStart(c *gin.Context) {
	var req models.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := s.orchestrator.StartSession(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

func (s *Server) handleSessionGet(c *gin.Context) {
	sess, err := s.orchestrator.GetSession(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) handleSessionEvents(c *gin.Context) {
	since := int64(0)
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		since = v
	}

	events, err := s.orchestrator.Events(c.Param("id"), since)
	if err != nil {
		fail(c, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleSessionMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	if err := s.orchestrator.SendMessage(c.Request.Context(), c.Param("id"), req.Text); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleSessionShell(c *gin.Context) {
	var req struct {
		Command string `json:"command"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	if err := s.orchestrator.RunShell(c.Request.Context(), c.Param("id"), req.Command); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleSessionAbort(c *gin.Context) {
	if err := s.orchestrator.AbortSession(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	sess, err := s.orchestrator.GetSession(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (s *Server) handleSessionDelete(c *gin.Context) {
	if err := s.orchestrator.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleApprovalsList(c *gin.Context) {
	pending := s.orchestrator.ListApprovals()
	if pending == nil {
		pending = []*models.ApprovalRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"approvals": pending})
}

func (s *Server) handleApprovalDecide(c *gin.Context) {
	var req models.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.orchestrator.DecideApproval(c.Param("id"), req.Decision); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleFilesList(c *gin.Context) {
	out, err := s.orchestrator.ListFiles(c.Request.Context(), c.Param("id"), c.Query("path"))
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

func (s *Server) handleFileRead(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}

	content, err := s.orchestrator.ReadFile(c.Request.Context(), c.Param("id"), path)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "content": content})
}

func (s *Server) handleFilesFind(c *gin.Context) {
	pattern := c.Query("pattern")
	if pattern == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pattern is required"})
		return
	}

	matches, err := s.orchestrator.SearchFiles(c.Request.Context(), c.Param("id"), pattern)
	if err != nil {
		fail(c, err)
		return
	}
	if matches == nil {
		matches = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

func (s *Server) handleAgentsList(c *gin.Context) {
	agents, err := s.orchestrator.ListAgents(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleDiffs(c *gin.Context) {
	diffs, err := s.orchestrator.Diffs(c.Request.Context(), c.Param("id"), c.Param("session"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diffs": diffs})
}

func (s *Server) handleModelsList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.orchestrator.Models()})
}

func (s *Server) handleLocalModels(c *gin.Context) {
	names, err := s.orchestrator.ListLocalModels(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": names})
}

func (s *Server) handleDebugLog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"lines": s.debug.Lines()})
}

func (s *Server) handleDebugLogReset(c *gin.Context) {
	s.debug.Reset()
	c.Status(http.StatusNoContent)
}
