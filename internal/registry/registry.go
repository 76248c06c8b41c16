// Package registry owns the canonical set of live sessions, their
// status, and their append-only event logs. All mutations on one
// session are serialized; unrelated sessions proceed in parallel.
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sevir/atalaya/internal/adapter"
	"github.com/sevir/atalaya/internal/approval"
	"github.com/sevir/atalaya/pkg/models"
)

// Registry is the single owner of session state. It implements
// adapter.Sink so adapters feed events and lifecycle transitions back
// through it.
type Registry struct {
	gate      *approval.Gate
	streamBuf int

	// notify, when set, receives a snapshot after every status change.
	notify func(sess models.Session)

	mu      sync.RWMutex
	entries map[string]*entry
}

// entry holds one session's mutable state. Its mutex is the session's
// serialization token: exactly one logical operation at a time.
type entry struct {
	mu       sync.Mutex
	sess     models.Session
	ad       adapter.Adapter
	log      []models.Event
	subs     map[int]chan models.Event
	nextSub  int
	aborting bool
}

// New creates a registry using the given approval gate. The registry
// claims the gate's resolve notifier: every resolution, attended or
// not, flows back into the session state.
func New(gate *approval.Gate, streamBuf int) *Registry {
	if streamBuf <= 0 {
		streamBuf = 256
	}
	r := &Registry{
		gate:      gate,
		streamBuf: streamBuf,
		entries:   make(map[string]*entry),
	}
	gate.SetResolveNotifier(r.ResolveApproval)
	return r
}

// SetStatusNotifier registers a callback invoked on status changes.
// Must be called before any session exists.
func (r *Registry) SetStatusNotifier(fn func(sess models.Session)) {
	r.notify = fn
}

// CreateSession allocates a session on the given adapter, records it,
// and starts it. The initial prompt, if any, becomes the first event.
func (r *Registry) CreateSession(ctx context.Context, ad adapter.Adapter, ws *models.Workspace, req models.StartRequest) (*models.Session, error) {
	cfg := adapter.Config{
		WorkspaceID:   ws.ID,
		WorkspacePath: ws.Path,
		Title:         req.Title,
		Model:         req.Model,
		Thinking:      req.Thinking,
		Prompt:        req.Prompt,
	}

	id, err := ad.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}

	e := &entry{
		sess: models.Session{
			ID:          id,
			WorkspaceID: ws.ID,
			Kind:        ad.Kind(),
			Status:      models.StatusCreated,
			Title:       req.Title,
			Model:       req.Model,
			CreatedAt:   time.Now(),
		},
		ad:   ad,
		subs: make(map[int]chan models.Event),
	}

	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()

	log.Printf(
		"session_event=created session_id=%s workspace_id=%s kind=%s model=%q title=%q",
		id, ws.ID, ad.Kind(), req.Model, req.Title,
	)

	e.mu.Lock()
	if req.Prompt != "" {
		r.appendLocked(e, models.Event{
			Role: models.RoleUser,
			Kind: models.PayloadText,
			Text: req.Prompt,
		})
	}
	e.mu.Unlock()

	if err := ad.Start(ctx, id); err != nil {
		r.SessionFinished(id, models.StatusFailed, nil, fmt.Sprintf("failed to start: %v", err))
		sess := r.snapshot(e)
		return &sess, err
	}

	e.mu.Lock()
	now := time.Now()
	e.sess.StartedAt = &now
	e.sess.Status = models.StatusRunning
	sess := e.sess
	e.mu.Unlock()

	log.Printf("session_event=started session_id=%s status=%s", id, sess.Status)
	r.notifyStatus(sess)

	return &sess, nil
}

// Get returns a snapshot of a session.
func (r *Registry) Get(sessionID string) (*models.Session, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return nil, err
	}
	sess := r.snapshot(e)
	return &sess, nil
}

// List returns snapshots of the workspace's sessions, or of all
// sessions when workspaceID is empty.
func (r *Registry) List(workspaceID string) []*models.Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var out []*models.Session
	for _, e := range entries {
		sess := r.snapshot(e)
		if workspaceID == "" || sess.WorkspaceID == workspaceID {
			out = append(out, &sess)
		}
	}
	return out
}

// AppendEvent implements adapter.Sink. It assigns the next sequence
// number and, for approval events, opens a gate request and suspends
// the session.
func (r *Registry) AppendEvent(sessionID string, ev models.Event) (models.Event, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return models.Event{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess.IsTerminal() {
		return models.Event{}, fmt.Errorf("%w: %s", models.ErrSessionTerminal, e.sess.Status)
	}

	if ev.RequiresApproval() {
		req, err := r.gate.Open(sessionID, ev.Tool, ev.Detail)
		if err != nil {
			return models.Event{}, err
		}
		ev.RequestID = req.ID
		e.sess.Status = models.StatusAwaitingApproval
		defer r.notifyStatus(e.sess)
	}

	stored := r.appendLocked(e, ev)
	return stored, nil
}

// appendLocked assigns the sequence number, stores the event, and
// fans it out to subscribers. Caller holds e.mu.
func (r *Registry) appendLocked(e *entry, ev models.Event) models.Event {
	ev.Seq = int64(len(e.log)) + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.log = append(e.log, ev)

	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// Drop the subscriber's oldest buffered event to make
			// room; a lagging consumer recovers via Events(sinceSeq).
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
	return ev
}

// ResolveApproval receives gate resolutions. The session leaves
// awaiting-approval even when no adapter goroutine is blocked on the
// decision; denials and timeouts append a diagnostic entry first.
func (r *Registry) ResolveApproval(req *models.ApprovalRequest) {
	e, err := r.entry(req.SessionID)
	if err != nil {
		return
	}

	e.mu.Lock()
	if e.sess.Status != models.StatusAwaitingApproval {
		e.mu.Unlock()
		return
	}
	if req.Decision != models.DecisionApproved {
		text := fmt.Sprintf("action denied: %s %s", req.Tool, req.Detail)
		if req.TimedOut {
			text = fmt.Sprintf("approval timed out, action denied: %s %s", req.Tool, req.Detail)
		}
		r.appendLocked(e, models.Event{
			Role: models.RoleSystem,
			Kind: models.PayloadText,
			Text: text,
		})
	}
	e.sess.Status = models.StatusRunning
	sess := e.sess
	e.mu.Unlock()

	r.notifyStatus(sess)
}

// SessionFinished implements adapter.Sink: the session reaches a
// terminal status with a diagnostic entry explaining why. A session
// already terminal is left untouched.
func (r *Registry) SessionFinished(sessionID string, status models.SessionStatus, exitCode *int, reason string) {
	e, err := r.entry(sessionID)
	if err != nil {
		return
	}

	e.mu.Lock()
	if e.sess.IsTerminal() {
		e.mu.Unlock()
		return
	}

	if reason != "" {
		r.appendLocked(e, models.Event{
			Role: models.RoleSystem,
			Kind: models.PayloadText,
			Text: reason,
		})
	}

	now := time.Now()
	e.sess.Status = status
	e.sess.ExitCode = exitCode
	e.sess.Error = reason
	e.sess.CompletedAt = &now
	sess := e.sess
	e.mu.Unlock()

	exitStr := ""
	if exitCode != nil {
		exitStr = fmt.Sprintf("%d", *exitCode)
	}
	log.Printf(
		"session_event=finished session_id=%s status=%s exit_code=%s error=%q",
		sessionID, status, exitStr, reason,
	)
	r.notifyStatus(sess)
}

// Events returns entries with sequence number greater than sinceSeq.
func (r *Registry) Events(sessionID string, sinceSeq int64) ([]models.Event, error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if sinceSeq < 0 {
		sinceSeq = 0
	}
	if sinceSeq >= int64(len(e.log)) {
		return nil, nil
	}
	out := make([]models.Event, len(e.log)-int(sinceSeq))
	copy(out, e.log[sinceSeq:])
	return out, nil
}

// Send delivers a user message through the session's adapter and
// records it. Rejected while the session awaits approval.
func (r *Registry) Send(ctx context.Context, sessionID, text string) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.sess.IsTerminal():
		return fmt.Errorf("%w: %s", models.ErrSessionTerminal, e.sess.Status)
	case e.sess.Status == models.StatusAwaitingApproval:
		return fmt.Errorf("session %s is awaiting approval", sessionID)
	case e.sess.Status != models.StatusRunning:
		return fmt.Errorf("session %s is not running (status=%s)", sessionID, e.sess.Status)
	}

	if err := e.ad.Send(ctx, sessionID, text); err != nil {
		return err
	}

	r.appendLocked(e, models.Event{
		Role: models.RoleUser,
		Kind: models.PayloadText,
		Text: text,
	})
	return nil
}

// Abort cancels the session through its adapter and marks it aborted.
// If the adapter does not confirm within the context's bound, the
// session is marked aborted anyway with a warning.
func (r *Registry) Abort(ctx context.Context, sessionID string) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.sess.IsTerminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", models.ErrSessionTerminal, e.sess.Status)
	}
	if e.aborting {
		e.mu.Unlock()
		return nil
	}
	e.aborting = true
	e.mu.Unlock()

	// A pending approval wait must release immediately so the adapter
	// loop can unwind.
	r.gate.DropSession(sessionID)

	if err := e.ad.Cancel(ctx, sessionID); err != nil {
		log.Printf(
			"session_event=abort_unconfirmed session_id=%s error=%q",
			sessionID, err.Error(),
		)
	}

	r.SessionFinished(sessionID, models.StatusAborted, nil, "session aborted")
	return nil
}

// Delete removes a session and its log. Only terminal sessions may be
// deleted; running sessions must be aborted first.
func (r *Registry) Delete(sessionID string) error {
	e, err := r.entry(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if !e.sess.IsTerminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: abort session %s before deleting", models.ErrSessionNotTerminal, sessionID)
	}
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.mu.Unlock()

	if err := e.ad.Dispose(sessionID); err != nil {
		log.Printf("session_event=dispose_failed session_id=%s error=%q", sessionID, err.Error())
	}

	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()

	log.Printf("session_event=deleted session_id=%s", sessionID)
	return nil
}

// Subscribe returns the session's events after sinceSeq plus a live
// feed for everything appended later. The live channel is bounded;
// when a consumer lags, its oldest buffered events are dropped and it
// recovers by re-subscribing from its last seen sequence.
func (r *Registry) Subscribe(sessionID string, sinceSeq int64) (replay []models.Event, live <-chan models.Event, cancel func(), err error) {
	e, err := r.entry(sessionID)
	if err != nil {
		return nil, nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if sinceSeq < 0 {
		sinceSeq = 0
	}
	if sinceSeq < int64(len(e.log)) {
		replay = make([]models.Event, len(e.log)-int(sinceSeq))
		copy(replay, e.log[sinceSeq:])
	}

	ch := make(chan models.Event, r.streamBuf)
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch

	cancel = func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
	return replay, ch, cancel, nil
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) entry(sessionID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}
	return e, nil
}

func (r *Registry) snapshot(e *entry) models.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

func (r *Registry) notifyStatus(sess models.Session) {
	if r.notify != nil {
		r.notify(sess)
	}
}
