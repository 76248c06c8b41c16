package adapter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sevir/atalaya/internal/approval"
	"github.com/sevir/atalaya/internal/remote"
	"github.com/sevir/atalaya/pkg/models"
)

const maxPollBackoff = 30 * time.Second

// RemoteOptions configures the polling behavior against one backend.
type RemoteOptions struct {
	Interval   time.Duration
	MaxRetries int
}

// RemoteAdapter drives sessions hosted by an OpenCode-style HTTP
// backend. One poll loop per session fetches messages past the last
// seen sequence number and feeds them into the sink; gated tool calls
// suspend the loop on the approval gate before it advances.
type RemoteAdapter struct {
	client *remote.Client
	gate   *approval.Gate
	opts   RemoteOptions
	sink   Sink

	mu       sync.RWMutex
	sessions map[string]*remoteSession
}

type remoteSession struct {
	id      string
	lastSeq int64
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRemoteAdapter creates the polling adapter for one backend client.
func NewRemoteAdapter(client *remote.Client, gate *approval.Gate, opts RemoteOptions, sink Sink) *RemoteAdapter {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &RemoteAdapter{
		client:   client,
		gate:     gate,
		opts:     opts,
		sink:     sink,
		sessions: make(map[string]*remoteSession),
	}
}

func (a *RemoteAdapter) Kind() models.SessionKind { return models.KindRemote }

// Create allocates a backend session and delivers the initial prompt.
func (a *RemoteAdapter) Create(ctx context.Context, cfg Config) (string, error) {
	sess, err := a.client.CreateSession(ctx, cfg.Title, cfg.Model)
	if err != nil {
		return "", fmt.Errorf("failed to create backend session: %w", err)
	}

	if cfg.Prompt != "" {
		if err := a.client.SendMessage(ctx, sess.ID, cfg.Prompt, cfg.Model); err != nil {
			return "", fmt.Errorf("failed to send initial prompt: %w", err)
		}
	}

	a.mu.Lock()
	a.sessions[sess.ID] = &remoteSession{
		id:   sess.ID,
		done: make(chan struct{}),
	}
	a.mu.Unlock()

	return sess.ID, nil
}

// Start launches the poll loop. The backend session is already live.
func (a *RemoteAdapter) Start(ctx context.Context, sessionID string) error {
	sess, err := a.get(sessionID)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	go a.pollLoop(loopCtx, sess)
	return nil
}

func (a *RemoteAdapter) pollLoop(ctx context.Context, sess *remoteSession) {
	defer close(sess.done)

	fails := 0
	delay := a.opts.Interval

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		msgs, err := a.client.Messages(ctx, sess.id, sess.lastSeq)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, models.ErrNotFound) {
				a.sink.SessionFinished(sess.id, models.StatusFailed, nil, "backend session no longer exists")
				return
			}
			fails++
			if fails > a.opts.MaxRetries {
				a.sink.SessionFinished(sess.id, models.StatusFailed, nil,
					fmt.Sprintf("backend unreachable after %d attempts: %v", fails, err))
				return
			}
			// Exponential backoff between retries, capped.
			delay *= 2
			if delay > maxPollBackoff {
				delay = maxPollBackoff
			}
			log.Printf(
				"session_event=poll_retry session_id=%s attempt=%d delay=%s error=%q",
				sess.id, fails, delay, err.Error(),
			)
			continue
		}
		fails = 0
		delay = a.opts.Interval

		for _, msg := range msgs {
			if !a.handleMessage(ctx, sess, msg) {
				return
			}
			sess.lastSeq = msg.Seq
		}
	}
}

// handleMessage converts one backend message into events. It returns
// false when the loop must stop (context cancelled mid-approval).
func (a *RemoteAdapter) handleMessage(ctx context.Context, sess *remoteSession, msg remote.Message) bool {
	role := mapRole(msg.Role)
	if role == models.RoleUser {
		// User messages were appended by the registry when sent; the
		// backend echo would duplicate them.
		return true
	}

	if len(msg.Parts) == 0 && msg.Content != "" {
		_, err := a.sink.AppendEvent(sess.id, models.Event{
			Role: role,
			Kind: models.PayloadText,
			Text: msg.Content,
		})
		return err == nil || !errors.Is(err, models.ErrSessionTerminal)
	}

	for _, part := range msg.Parts {
		if !a.handlePart(ctx, sess, role, part) {
			return false
		}
	}
	return true
}

func (a *RemoteAdapter) handlePart(ctx context.Context, sess *remoteSession, role models.EventRole, part remote.MessagePart) bool {
	switch {
	case part.RequiresApproval:
		return a.handleGatedAction(ctx, sess, part)
	case part.Kind == "tool":
		a.sink.AppendEvent(sess.id, models.Event{
			Role:   role,
			Kind:   models.PayloadToolCall,
			Tool:   part.Tool,
			Detail: part.Detail,
		})
	case part.Kind == "diff":
		a.sink.AppendEvent(sess.id, models.Event{
			Role:     role,
			Kind:     models.PayloadDiff,
			DiffPath: part.Path,
			Text:     part.Content,
		})
	default:
		if part.Content != "" {
			a.sink.AppendEvent(sess.id, models.Event{
				Role: role,
				Kind: models.PayloadText,
				Text: part.Content,
			})
		}
	}
	return true
}

// handleGatedAction appends the approval event (which opens the gate
// request and suspends the session) and blocks until a decision
// arrives. The loop must not advance past the gated action. The status
// flip back to running and any denial diagnostic come through the
// gate's resolve notifier, so the loop only has to hold position.
func (a *RemoteAdapter) handleGatedAction(ctx context.Context, sess *remoteSession, part remote.MessagePart) bool {
	stored, err := a.sink.AppendEvent(sess.id, models.Event{
		Role:   models.RoleAgent,
		Kind:   models.PayloadApproval,
		Tool:   part.Tool,
		Detail: part.Detail,
	})
	if err != nil {
		return false
	}

	if _, err := a.gate.Wait(ctx, stored.RequestID); err != nil {
		// Cancelled while waiting: the action is abandoned, the
		// session itself is handled by whoever cancelled us.
		return false
	}
	return true
}

// Send posts a user message to the backend session.
func (a *RemoteAdapter) Send(ctx context.Context, sessionID, text string) error {
	if _, err := a.get(sessionID); err != nil {
		return err
	}
	return a.client.SendMessage(ctx, sessionID, text, "")
}

// Cancel stops the poll loop and issues a best-effort backend abort.
func (a *RemoteAdapter) Cancel(ctx context.Context, sessionID string) error {
	sess, err := a.get(sessionID)
	if err != nil {
		return err
	}

	if sess.cancel != nil {
		sess.cancel()
		select {
		case <-sess.done:
		case <-ctx.Done():
		}
	}

	if err := a.client.Abort(ctx, sessionID); err != nil {
		return fmt.Errorf("backend abort failed: %w", err)
	}
	return nil
}

// Dispose stops the poll loop and forgets the session. The backend
// session and its server-side history are left untouched.
func (a *RemoteAdapter) Dispose(sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	delete(a.sessions, sessionID)
	return nil
}

// Client exposes the underlying backend client for read-only
// passthrough operations (file browse, diffs, agent presets).
func (a *RemoteAdapter) Client() *remote.Client {
	return a.client
}

// Shutdown stops all poll loops.
func (a *RemoteAdapter) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, sess := range a.sessions {
		if sess.cancel != nil {
			sess.cancel()
		}
	}
}

func (a *RemoteAdapter) get(sessionID string) (*remoteSession, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	sess, ok := a.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}
	return sess, nil
}

func mapRole(role string) models.EventRole {
	switch role {
	case "user":
		return models.RoleUser
	case "system":
		return models.RoleSystem
	default:
		return models.RoleAgent
	}
}
