package adapter

import (
	"fmt"
	"sync"

	"github.com/sevir/atalaya/internal/approval"
	"github.com/sevir/atalaya/pkg/models"
)

// recordingSink captures everything an adapter pushes. When a gate is
// attached, approval events open a request and resolutions flow back
// in, the way the registry wires it.
type recordingSink struct {
	gate *approval.Gate

	mu       sync.Mutex
	events   map[string][]models.Event
	finished map[string]finishRecord
	resumed  map[string]int
	doneCh   chan string
}

type finishRecord struct {
	status   models.SessionStatus
	exitCode *int
	reason   string
}

func newRecordingSink(gate *approval.Gate) *recordingSink {
	s := &recordingSink{
		gate:     gate,
		events:   make(map[string][]models.Event),
		finished: make(map[string]finishRecord),
		resumed:  make(map[string]int),
		doneCh:   make(chan string, 8),
	}
	if gate != nil {
		gate.SetResolveNotifier(s.resolveApproval)
	}
	return s
}

func (s *recordingSink) AppendEvent(sessionID string, ev models.Event) (models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.RequiresApproval() && s.gate != nil {
		req, err := s.gate.Open(sessionID, ev.Tool, ev.Detail)
		if err != nil {
			return models.Event{}, err
		}
		ev.RequestID = req.ID
	}

	ev.Seq = int64(len(s.events[sessionID])) + 1
	s.events[sessionID] = append(s.events[sessionID], ev)
	return ev, nil
}

// resolveApproval stands in for the registry's resolve hook: record
// the resumption and append the denial diagnostic.
func (s *recordingSink) resolveApproval(req *models.ApprovalRequest) {
	if req.Decision != models.DecisionApproved {
		s.AppendEvent(req.SessionID, models.Event{
			Role: models.RoleSystem,
			Kind: models.PayloadText,
			Text: fmt.Sprintf("action denied: %s %s", req.Tool, req.Detail),
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed[req.SessionID]++
}

func (s *recordingSink) SessionFinished(sessionID string, status models.SessionStatus, exitCode *int, reason string) {
	s.mu.Lock()
	if _, done := s.finished[sessionID]; done {
		s.mu.Unlock()
		return
	}
	s.finished[sessionID] = finishRecord{status: status, exitCode: exitCode, reason: reason}
	s.mu.Unlock()

	s.doneCh <- sessionID
}

func (s *recordingSink) eventsFor(sessionID string) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Event, len(s.events[sessionID]))
	copy(out, s.events[sessionID])
	return out
}

func (s *recordingSink) finishFor(sessionID string) (finishRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.finished[sessionID]
	return rec, ok
}
