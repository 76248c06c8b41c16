// Package approval suspends session progress behind human sign-off.
package approval

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sevir/atalaya/pkg/models"
)

// maxResolvedRetained bounds how many resolved requests stay
// queryable; beyond it the oldest resolutions are forgotten.
const maxResolvedRetained = 128

// Gate tracks pending approval requests and their resolutions. A
// session holds at most one pending request at a time; a request is
// resolved exactly once. Requests left pending past the timeout are
// auto-denied, never dropped.
type Gate struct {
	timeout time.Duration

	mu        sync.Mutex
	requests  map[string]*pending // request ID -> state
	bySession map[string]string   // session ID -> pending request ID
	resolved  []string            // resolved request IDs, oldest first

	// onOpen is invoked outside the lock when a request is opened,
	// used by the orchestrator to notify subscribers.
	onOpen func(req *models.ApprovalRequest)

	// onResolve is invoked outside the lock when a request resolves,
	// whether or not anyone is blocked in Wait. The registry hooks it
	// to move the session out of awaiting-approval.
	onResolve func(req *models.ApprovalRequest)
}

type pending struct {
	req     *models.ApprovalRequest
	decided chan models.Decision
	timer   *time.Timer
}

// NewGate creates a gate with the given pending-request timeout.
func NewGate(timeout time.Duration, onOpen func(req *models.ApprovalRequest)) *Gate {
	return &Gate{
		timeout:   timeout,
		requests:  make(map[string]*pending),
		bySession: make(map[string]string),
		onOpen:    onOpen,
	}
}

// SetResolveNotifier registers the resolution callback. Must be set
// before any request is opened.
func (g *Gate) SetResolveNotifier(fn func(req *models.ApprovalRequest)) {
	g.onResolve = fn
}

// Open creates a pending request for the session's proposed action.
// It fails if the session already has an unresolved request.
func (g *Gate) Open(sessionID, tool, detail string) (*models.ApprovalRequest, error) {
	g.mu.Lock()

	if existing, ok := g.bySession[sessionID]; ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("session %s already has pending approval %s", sessionID, existing)
	}

	req := &models.ApprovalRequest{
		ID:        fmt.Sprintf("apr-%s", uuid.New().String()[:8]),
		SessionID: sessionID,
		Tool:      tool,
		Detail:    detail,
		Decision:  models.DecisionPending,
		CreatedAt: time.Now(),
	}
	p := &pending{
		req:     req,
		decided: make(chan models.Decision, 1),
	}
	p.timer = time.AfterFunc(g.timeout, func() { g.expire(req.ID) })

	g.requests[req.ID] = p
	g.bySession[sessionID] = req.ID
	g.mu.Unlock()

	log.Printf(
		"approval_event=opened request_id=%s session_id=%s tool=%q detail=%q",
		req.ID, sessionID, tool, detail,
	)

	if g.onOpen != nil {
		g.onOpen(req)
	}

	return req, nil
}

// Decide resolves a request. The second decision on the same request
// fails with ErrAlreadyResolved.
func (g *Gate) Decide(requestID string, decision models.Decision) error {
	if decision != models.DecisionApproved && decision != models.DecisionDenied {
		return fmt.Errorf("invalid decision: %s", decision)
	}
	return g.resolve(requestID, decision, false, true)
}

func (g *Gate) expire(requestID string) {
	if err := g.resolve(requestID, models.DecisionDenied, true, true); err != nil {
		// Raced with a human decision; the decision already won.
		return
	}
	log.Printf("approval_event=timeout request_id=%s decision=denied", requestID)
}

func (g *Gate) resolve(requestID string, decision models.Decision, timedOut, notify bool) error {
	g.mu.Lock()

	p, ok := g.requests[requestID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: approval request %s", models.ErrNotFound, requestID)
	}
	if p.req.Decision != models.DecisionPending {
		g.mu.Unlock()
		return fmt.Errorf("%w: request %s decided %s", models.ErrAlreadyResolved, requestID, p.req.Decision)
	}

	now := time.Now()
	p.req.Decision = decision
	p.req.TimedOut = timedOut
	p.req.ResolvedAt = &now
	p.timer.Stop()
	delete(g.bySession, p.req.SessionID)

	g.resolved = append(g.resolved, requestID)
	for len(g.resolved) > maxResolvedRetained {
		delete(g.requests, g.resolved[0])
		g.resolved = g.resolved[1:]
	}

	cp := *p.req
	g.mu.Unlock()

	// The notifier runs before waiters wake so the session's status
	// flip and any denial diagnostic land ahead of whatever the
	// resumed loop appends next.
	if notify && g.onResolve != nil {
		g.onResolve(&cp)
	}

	p.decided <- decision
	close(p.decided)

	if !timedOut {
		log.Printf(
			"approval_event=resolved request_id=%s session_id=%s decision=%s",
			requestID, cp.SessionID, decision,
		)
	}
	return nil
}

// Wait blocks until the request is resolved or the context is done.
// A cancelled context abandons the wait without resolving the request.
func (g *Gate) Wait(ctx context.Context, requestID string) (models.Decision, error) {
	g.mu.Lock()
	p, ok := g.requests[requestID]
	if !ok {
		g.mu.Unlock()
		return "", fmt.Errorf("%w: approval request %s", models.ErrNotFound, requestID)
	}
	if p.req.Decision != models.DecisionPending {
		d := p.req.Decision
		g.mu.Unlock()
		return d, nil
	}
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case d := <-p.decided:
		if d == "" {
			// Channel drained by another waiter before close; the
			// resolved decision is on the request itself.
			g.mu.Lock()
			d = p.req.Decision
			g.mu.Unlock()
		}
		return d, nil
	}
}

// Get returns a request by ID, pending or resolved.
func (g *Gate) Get(requestID string) (*models.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: approval request %s", models.ErrNotFound, requestID)
	}
	cp := *p.req
	return &cp, nil
}

// PendingForSession returns the session's unresolved request, if any.
func (g *Gate) PendingForSession(sessionID string) (*models.ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.bySession[sessionID]
	if !ok {
		return nil, false
	}
	cp := *g.requests[id].req
	return &cp, true
}

// ListPending returns all unresolved requests.
func (g *Gate) ListPending() []*models.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*models.ApprovalRequest, 0, len(g.bySession))
	for _, id := range g.bySession {
		cp := *g.requests[id].req
		out = append(out, &cp)
	}
	return out
}

// DropSession resolves any pending request for the session as denied.
// Used when a session is aborted while awaiting approval; the caller
// owns the session bookkeeping, so the resolve notifier is skipped.
func (g *Gate) DropSession(sessionID string) {
	g.mu.Lock()
	id, ok := g.bySession[sessionID]
	g.mu.Unlock()
	if !ok {
		return
	}
	g.resolve(id, models.DecisionDenied, false, false)
}
