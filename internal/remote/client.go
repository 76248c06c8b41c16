// Package remote implements the HTTP client for the OpenCode-style
// agent backend served on localhost.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sevir/atalaya/pkg/models"
)

// Session is a backend-side session record.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Model     string `json:"model,omitempty"`
	Agent     string `json:"agent,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Message is one backend transcript entry. Seq is assigned by the
// backend and strictly increases within a session.
type Message struct {
	ID        string        `json:"id"`
	Seq       int64         `json:"seq"`
	Role      string        `json:"role"`
	Content   string        `json:"content,omitempty"`
	Parts     []MessagePart `json:"parts,omitempty"`
	CreatedAt string        `json:"created_at,omitempty"`
}

// MessagePart is a typed fragment of a message.
type MessagePart struct {
	Kind             string `json:"kind"`
	Content          string `json:"content,omitempty"`
	Tool             string `json:"tool,omitempty"`
	Detail           string `json:"detail,omitempty"`
	Path             string `json:"path,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
}

// FileDiff is a backend-computed diff for one file.
type FileDiff struct {
	Path       string `json:"path"`
	OldContent string `json:"old_content,omitempty"`
	NewContent string `json:"new_content,omitempty"`
	Diff       string `json:"diff,omitempty"`
}

// Agent describes a backend-side agent preset.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
}

// Health is the backend health check response.
type Health struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// Client talks to one backend instance. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Health checks backend availability.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/global/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions returns all backend sessions.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.get(ctx, "/session", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSession creates a new backend session.
func (c *Client) CreateSession(ctx context.Context, title, model string) (*Session, error) {
	body := map[string]string{"title": title}
	if model != "" {
		body["model"] = model
	}
	var out Session
	if err := c.post(ctx, "/session", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSession removes a backend session and its history.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(sessionID), nil, nil)
}

// SendMessage posts a user message to a session.
func (c *Client) SendMessage(ctx context.Context, sessionID, message, model string) error {
	body := map[string]string{"message": message}
	if model != "" {
		body["model"] = model
	}
	return c.post(ctx, "/session/"+url.PathEscape(sessionID)+"/message", body, nil)
}

// Messages returns session messages with seq greater than since.
func (c *Client) Messages(ctx context.Context, sessionID string, since int64) ([]Message, error) {
	path := "/session/" + url.PathEscape(sessionID) + "/message?since=" + strconv.FormatInt(since, 10)
	var out []Message
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Diffs returns the file diffs the session has produced so far.
func (c *Client) Diffs(ctx context.Context, sessionID string) ([]FileDiff, error) {
	var out []FileDiff
	if err := c.get(ctx, "/session/"+url.PathEscape(sessionID)+"/diff", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Abort asks the backend to stop a session's in-flight work.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/session/"+url.PathEscape(sessionID)+"/abort", nil, nil)
}

// RunShell asks the backend to run a shell command inside a session.
func (c *Client) RunShell(ctx context.Context, sessionID, command, agent string) error {
	body := map[string]string{"command": command, "agent": agent}
	return c.post(ctx, "/session/"+url.PathEscape(sessionID)+"/shell", body, nil)
}

// SearchFiles searches workspace files by pattern.
func (c *Client) SearchFiles(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	if err := c.get(ctx, "/find?pattern="+url.QueryEscape(pattern), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadFile returns the raw content of a workspace file.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/file/content?path="+url.QueryEscape(path), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ListFiles lists a workspace directory.
func (c *Client) ListFiles(ctx context.Context, path string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.get(ctx, "/file?path="+url.QueryEscape(path), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAgents returns backend agent presets.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out []Agent
	if err := c.get(ctx, "/agent", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: backend returned 404", models.ErrNotFound)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: backend returned %d", models.ErrTransportUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("backend returned %d", resp.StatusCode)
	}
	return nil
}
