// Package orchestrator coordinates workspaces, sessions, and approvals.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sevir/atalaya/internal/adapter"
	"github.com/sevir/atalaya/internal/approval"
	"github.com/sevir/atalaya/internal/config"
	"github.com/sevir/atalaya/internal/registry"
	"github.com/sevir/atalaya/internal/remote"
	"github.com/sevir/atalaya/internal/store"
	"github.com/sevir/atalaya/pkg/models"
)

// maxHealthFails is the number of consecutive failed health checks
// before a workspace is marked disconnected.
const maxHealthFails = 3

// Notification is a push update for clients watching the whole process.
type Notification struct {
	Type      string                  `json:"type"`
	Session   *models.Session         `json:"session,omitempty"`
	Approval  *models.ApprovalRequest `json:"approval,omitempty"`
	Workspace *models.Workspace       `json:"workspace,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// Orchestrator is the facade over workspaces, both adapters, the
// session registry, and the approval gate.
type Orchestrator struct {
	cfg      *config.Config
	store    store.Store
	registry *registry.Registry
	gate     *approval.Gate
	local    *adapter.LocalAdapter

	mu         sync.RWMutex
	workspaces map[string]*workspaceEntry

	notifyMu   sync.Mutex
	notifySubs map[int]chan Notification
	nextNotify int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// workspaceEntry pairs a workspace with its dedicated remote backend.
// Each workspace gets its own client and adapter so one unreachable
// backend never degrades another workspace.
type workspaceEntry struct {
	// ctx bounds the workspace's background work; removing the
	// workspace cancels it so its health monitor dies with it.
	ctx  context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	ws      models.Workspace
	client  *remote.Client
	adapter *adapter.RemoteAdapter
	fails   int
	monitor bool
}

// New builds an orchestrator from configuration and a workspace store,
// restoring persisted workspaces in a disconnected state.
func New(cfg *config.Config, st store.Store) (*Orchestrator, error) {
	approvalWait, err := cfg.Session.ApprovalWait()
	if err != nil {
		return nil, err
	}
	grace, err := cfg.Local.Grace()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		cfg:        cfg,
		store:      st,
		workspaces: make(map[string]*workspaceEntry),
		notifySubs: make(map[int]chan Notification),
		ctx:        ctx,
		cancel:     cancel,
	}

	o.gate = approval.NewGate(approvalWait, o.onApprovalOpened)
	o.registry = registry.New(o.gate, cfg.Session.StreamBuffer)
	o.registry.SetStatusNotifier(o.onSessionStatus)

	// Local.SystemPrompt is a file path; the adapter wants the text.
	systemPrompt := ""
	if cfg.Local.SystemPrompt != "" {
		data, err := os.ReadFile(cfg.Local.SystemPrompt)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to read system prompt: %w", err)
		}
		systemPrompt = string(data)
	}

	o.local = adapter.NewLocalAdapter(adapter.LocalOptions{
		Binary:       cfg.Local.Binary,
		Provider:     cfg.Local.Provider,
		Thinking:     cfg.Local.Thinking,
		SystemPrompt: systemPrompt,
		TokenEnv:     cfg.Local.TokenEnv,
		DefaultModel: cfg.DefaultModel,
		Grace:        grace,
	}, o.registry)

	persisted, err := st.List()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load workspaces: %w", err)
	}
	for _, ws := range persisted {
		o.workspaces[ws.ID] = o.newEntry(*ws)
	}
	if len(persisted) > 0 {
		log.Printf("workspace_event=restored count=%d", len(persisted))
	}

	return o, nil
}

func (o *Orchestrator) newEntry(ws models.Workspace) *workspaceEntry {
	baseURL := ws.RemoteURL
	if baseURL == "" {
		baseURL = o.cfg.Remote.BaseURL
	}
	client := remote.NewClient(baseURL)
	interval, _ := o.cfg.Remote.Interval()

	ws.ConnState = models.ConnDisconnected
	ctx, stop := context.WithCancel(o.ctx)
	return &workspaceEntry{
		ctx:    ctx,
		stop:   stop,
		ws:     ws,
		client: client,
		adapter: adapter.NewRemoteAdapter(client, o.gate, adapter.RemoteOptions{
			Interval:   interval,
			MaxRetries: o.cfg.Remote.MaxRetries,
		}, o.registry),
	}
}

// AddWorkspace registers and persists a new workspace. remoteURL may be
// empty, in which case the configured default backend is used.
func (o *Orchestrator) AddWorkspace(path, remoteURL string) (*models.Workspace, error) {
	if path == "" {
		return nil, fmt.Errorf("workspace path is required")
	}

	ws := models.Workspace{
		ID:        fmt.Sprintf("ws-%s", uuid.New().String()[:8]),
		Path:      path,
		RemoteURL: remoteURL,
		ConnState: models.ConnDisconnected,
		CreatedAt: time.Now(),
	}
	if err := o.store.Save(&ws); err != nil {
		return nil, err
	}

	e := o.newEntry(ws)
	o.mu.Lock()
	o.workspaces[ws.ID] = e
	o.mu.Unlock()

	log.Printf("workspace_event=added workspace_id=%s path=%q remote_url=%q", ws.ID, path, remoteURL)
	snap := o.snapshotWorkspace(e)
	o.publish(Notification{Type: "workspace", Workspace: &snap})
	return &snap, nil
}

// RemoveWorkspace deletes a workspace and cascades over its sessions:
// running ones are aborted, then every owned session is deleted.
func (o *Orchestrator) RemoveWorkspace(ctx context.Context, workspaceID string) error {
	e, err := o.entry(workspaceID)
	if err != nil {
		return err
	}

	for _, sess := range o.registry.List(workspaceID) {
		if !sess.IsTerminal() {
			if err := o.registry.Abort(ctx, sess.ID); err != nil {
				log.Printf("workspace_event=cascade_abort_failed workspace_id=%s session_id=%s error=%q", workspaceID, sess.ID, err.Error())
			}
		}
		if err := o.deleteSession(ctx, e, sess); err != nil {
			log.Printf("workspace_event=cascade_delete_failed workspace_id=%s session_id=%s error=%q", workspaceID, sess.ID, err.Error())
		}
	}

	if err := o.store.Delete(workspaceID); err != nil {
		return err
	}

	o.mu.Lock()
	delete(o.workspaces, workspaceID)
	o.mu.Unlock()

	// Kill the health monitor along with the workspace.
	e.mu.Lock()
	e.monitor = false
	e.mu.Unlock()
	e.stop()

	e.adapter.Shutdown()

	log.Printf("workspace_event=removed workspace_id=%s", workspaceID)
	o.publish(Notification{Type: "workspace", Workspace: &models.Workspace{ID: workspaceID}})
	return nil
}

// Connect health-checks the workspace's backend and, on success, marks
// it connected and starts the periodic health monitor.
func (o *Orchestrator) Connect(ctx context.Context, workspaceID string) (*models.Workspace, error) {
	e, err := o.entry(workspaceID)
	if err != nil {
		return nil, err
	}

	o.setConnState(e, models.ConnConnecting)

	if _, err := e.client.Health(ctx); err != nil {
		o.setConnState(e, models.ConnDisconnected)
		return nil, fmt.Errorf("backend health check failed: %w", err)
	}

	e.mu.Lock()
	e.fails = 0
	startMonitor := !e.monitor
	e.monitor = true
	e.mu.Unlock()

	o.setConnState(e, models.ConnConnected)

	if startMonitor {
		o.wg.Add(1)
		go o.healthMonitor(e)
	}

	snap := o.snapshotWorkspace(e)
	return &snap, nil
}

// healthMonitor polls the workspace's backend. Consecutive failures up
// to the bound flip it to disconnected; a later success reconnects it.
func (o *Orchestrator) healthMonitor(e *workspaceEntry) {
	defer o.wg.Done()

	interval, _ := o.cfg.Remote.Interval()
	ticker := time.NewTicker(interval * 5)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(e.ctx, interval*4)
		_, err := e.client.Health(checkCtx)
		cancel()

		e.mu.Lock()
		id := e.ws.ID
		if err != nil {
			e.fails++
			fails := e.fails
			state := e.ws.ConnState
			e.mu.Unlock()
			log.Printf("workspace_event=health_check_failed workspace_id=%s consecutive=%d error=%q", id, fails, err.Error())
			if fails >= maxHealthFails && state != models.ConnDisconnected {
				o.setConnState(e, models.ConnDisconnected)
			}
			continue
		}
		e.fails = 0
		state := e.ws.ConnState
		e.mu.Unlock()
		if state != models.ConnConnected {
			o.setConnState(e, models.ConnConnected)
		}
	}
}

// ListWorkspaces returns snapshots of all registered workspaces.
func (o *Orchestrator) ListWorkspaces() []*models.Workspace {
	o.mu.RLock()
	entries := make([]*workspaceEntry, 0, len(o.workspaces))
	for _, e := range o.workspaces {
		entries = append(entries, e)
	}
	o.mu.RUnlock()

	out := make([]*models.Workspace, 0, len(entries))
	for _, e := range entries {
		snap := o.snapshotWorkspace(e)
		out = append(out, &snap)
	}
	return out
}

// GetWorkspace returns a snapshot of one workspace.
func (o *Orchestrator) GetWorkspace(workspaceID string) (*models.Workspace, error) {
	e, err := o.entry(workspaceID)
	if err != nil {
		return nil, err
	}
	snap := o.snapshotWorkspace(e)
	return &snap, nil
}

// StartSession creates and starts a session in the workspace. Remote
// sessions require the workspace to be connected. An empty model falls
// back to the workspace's last used model, then the configured default.
func (o *Orchestrator) StartSession(ctx context.Context, workspaceID string, req models.StartRequest) (*models.Session, error) {
	e, err := o.entry(workspaceID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if req.Model == "" {
		req.Model = e.ws.LastModel
	}
	state := e.ws.ConnState
	e.mu.Unlock()
	if req.Model == "" {
		req.Model = o.cfg.DefaultModel
	}
	if len(o.cfg.Models) > 0 && !o.cfg.ValidateModel(req.Model) {
		return nil, fmt.Errorf("unknown model: %s", req.Model)
	}

	var ad adapter.Adapter
	switch req.Kind {
	case models.KindRemote, "":
		if state != models.ConnConnected {
			return nil, fmt.Errorf("%w: workspace %s is not connected", models.ErrTransportUnavailable, workspaceID)
		}
		ad = e.adapter
	case models.KindLocal:
		ad = o.local
	default:
		return nil, fmt.Errorf("unknown session kind: %s", req.Kind)
	}

	e.mu.Lock()
	ws := e.ws
	e.mu.Unlock()

	sess, err := o.registry.CreateSession(ctx, ad, &ws, req)
	if err != nil {
		return sess, err
	}

	e.mu.Lock()
	e.ws.LastModel = req.Model
	e.mu.Unlock()
	if err := o.store.UpdateLastModel(workspaceID, req.Model); err != nil {
		log.Printf("workspace_event=last_model_update_failed workspace_id=%s error=%q", workspaceID, err.Error())
	}

	return sess, nil
}

// ListSessions returns the workspace's sessions as summaries.
func (o *Orchestrator) ListSessions(workspaceID string) ([]*models.SessionSummary, error) {
	if _, err := o.entry(workspaceID); err != nil {
		return nil, err
	}
	sessions := o.registry.List(workspaceID)
	out := make([]*models.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		s := sess.ToSummary()
		out = append(out, &s)
	}
	return out, nil
}

// GetSession returns a session whose workspace is still registered.
func (o *Orchestrator) GetSession(sessionID string) (*models.Session, error) {
	sess, err := o.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := o.entry(sess.WorkspaceID); err != nil {
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}
	return sess, nil
}

// Events returns the session's log entries after sinceSeq.
func (o *Orchestrator) Events(sessionID string, sinceSeq int64) ([]models.Event, error) {
	if _, err := o.GetSession(sessionID); err != nil {
		return nil, err
	}
	return o.registry.Events(sessionID, sinceSeq)
}

// Subscribe returns replayed events plus a live feed for the session.
func (o *Orchestrator) Subscribe(sessionID string, sinceSeq int64) ([]models.Event, <-chan models.Event, func(), error) {
	if _, err := o.GetSession(sessionID); err != nil {
		return nil, nil, nil, err
	}
	return o.registry.Subscribe(sessionID, sinceSeq)
}

// SendMessage delivers a user message into a running session.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, text string) error {
	if _, err := o.GetSession(sessionID); err != nil {
		return err
	}
	return o.registry.Send(ctx, sessionID, text)
}

// AbortSession cancels a session.
func (o *Orchestrator) AbortSession(ctx context.Context, sessionID string) error {
	if _, err := o.GetSession(sessionID); err != nil {
		return err
	}
	return o.registry.Abort(ctx, sessionID)
}

// DeleteSession removes a terminal session. For remote sessions the
// backend copy is deleted too, best-effort.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := o.GetSession(sessionID)
	if err != nil {
		return err
	}
	e, err := o.entry(sess.WorkspaceID)
	if err != nil {
		return err
	}
	return o.deleteSession(ctx, e, sess)
}

func (o *Orchestrator) deleteSession(ctx context.Context, e *workspaceEntry, sess *models.Session) error {
	if err := o.registry.Delete(sess.ID); err != nil {
		return err
	}
	if sess.Kind == models.KindRemote {
		if err := e.client.DeleteSession(ctx, sess.ID); err != nil {
			log.Printf("session_event=backend_delete_failed session_id=%s error=%q", sess.ID, err.Error())
		}
	}
	return nil
}

// ListApprovals returns all pending approval requests.
func (o *Orchestrator) ListApprovals() []*models.ApprovalRequest {
	return o.gate.ListPending()
}

// DecideApproval resolves a pending request.
func (o *Orchestrator) DecideApproval(requestID string, decision models.Decision) error {
	return o.gate.Decide(requestID, decision)
}

// RunShell proposes a shell command on the session's remote backend.
// The command goes through the approval gate; only an approved
// decision issues it.
func (o *Orchestrator) RunShell(ctx context.Context, sessionID, command string) error {
	sess, err := o.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Kind != models.KindRemote {
		return fmt.Errorf("%w: shell execution requires a remote session", models.ErrUnsupportedOperation)
	}
	e, err := o.entry(sess.WorkspaceID)
	if err != nil {
		return err
	}

	stored, err := o.registry.AppendEvent(sessionID, models.Event{
		Role:   models.RoleUser,
		Kind:   models.PayloadApproval,
		Tool:   "shell",
		Detail: command,
	})
	if err != nil {
		return err
	}

	// The registry handles the status flip and denial diagnostic via
	// the gate's resolve notifier, even if this wait is abandoned.
	decision, err := o.gate.Wait(ctx, stored.RequestID)
	if err != nil {
		return err
	}
	if decision != models.DecisionApproved {
		return fmt.Errorf("shell command denied")
	}

	return e.client.RunShell(ctx, sessionID, command, "")
}

// Diffs returns the file diffs a remote session produced.
func (o *Orchestrator) Diffs(ctx context.Context, workspaceID, sessionID string) ([]remote.FileDiff, error) {
	e, err := o.entry(workspaceID)
	if err != nil {
		return nil, err
	}
	sess, err := o.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}
	return e.client.Diffs(ctx, sessionID)
}

// SearchFiles searches the workspace's backend for matching paths.
func (o *Orchestrator) SearchFiles(ctx context.Context, workspaceID, pattern string) ([]string, error) {
	e, err := o.entry(workspaceID)
	if err != nil {
		return nil, err
	}
	return e.client.SearchFiles(ctx, pattern)
}

// ReadFile reads one file through the workspace's backend.
func (o *Orchestrator) ReadFile(ctx context.Context, workspaceID, path string) (string, error) {
	e, err := o.entry(workspaceID)
	if err != nil {
		return "", err
	}
	return e.client.ReadFile(ctx, path)
}

// ListFiles lists a directory through the workspace's backend.
func (o *Orchestrator) ListFiles(ctx context.Context, workspaceID, path string) (json.RawMessage, error) {
	e, err := o.entry(workspaceID)
	if err != nil {
		return nil, err
	}
	return e.client.ListFiles(ctx, path)
}

// ListAgents lists the agents the workspace's backend offers.
func (o *Orchestrator) ListAgents(ctx context.Context, workspaceID string) ([]remote.Agent, error) {
	e, err := o.entry(workspaceID)
	if err != nil {
		return nil, err
	}
	return e.client.ListAgents(ctx)
}

// Models returns the configured model catalog.
func (o *Orchestrator) Models() []config.ModelConfig {
	return o.cfg.Models
}

// ListLocalModels asks the local agent binary for its model list.
func (o *Orchestrator) ListLocalModels(ctx context.Context) ([]string, error) {
	return o.local.ListModels(ctx)
}

// SubscribeNotifications returns a feed of process-wide notifications:
// session status changes, approval requests, workspace state.
func (o *Orchestrator) SubscribeNotifications() (<-chan Notification, func()) {
	ch := make(chan Notification, 64)

	o.notifyMu.Lock()
	id := o.nextNotify
	o.nextNotify++
	o.notifySubs[id] = ch
	o.notifyMu.Unlock()

	cancel := func() {
		o.notifyMu.Lock()
		defer o.notifyMu.Unlock()
		if _, ok := o.notifySubs[id]; ok {
			delete(o.notifySubs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Shutdown stops health monitors, running sessions, and the store.
func (o *Orchestrator) Shutdown() error {
	o.cancel()

	o.local.Shutdown()

	o.mu.RLock()
	entries := make([]*workspaceEntry, 0, len(o.workspaces))
	for _, e := range o.workspaces {
		entries = append(entries, e)
	}
	o.mu.RUnlock()
	for _, e := range entries {
		e.adapter.Shutdown()
	}

	o.wg.Wait()
	return o.store.Close()
}

func (o *Orchestrator) entry(workspaceID string) (*workspaceEntry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("%w: workspace %s", models.ErrNotFound, workspaceID)
	}
	return e, nil
}

func (o *Orchestrator) snapshotWorkspace(e *workspaceEntry) models.Workspace {
	e.mu.Lock()
	ws := e.ws
	e.mu.Unlock()

	ws.Sessions = nil
	for _, sess := range o.registry.List(ws.ID) {
		ws.Sessions = append(ws.Sessions, sess.ID)
	}
	return ws
}

func (o *Orchestrator) setConnState(e *workspaceEntry, state models.ConnState) {
	e.mu.Lock()
	prev := e.ws.ConnState
	e.ws.ConnState = state
	id := e.ws.ID
	e.mu.Unlock()

	if prev == state {
		return
	}
	log.Printf("workspace_event=conn_state workspace_id=%s state=%s previous=%s", id, state, prev)
	snap := o.snapshotWorkspace(e)
	o.publish(Notification{Type: "workspace", Workspace: &snap})
}

func (o *Orchestrator) onSessionStatus(sess models.Session) {
	o.publish(Notification{Type: "session", Session: &sess})
}

func (o *Orchestrator) onApprovalOpened(req *models.ApprovalRequest) {
	o.publish(Notification{Type: "approval", Approval: req})
}

func (o *Orchestrator) publish(n Notification) {
	n.Timestamp = time.Now()

	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	for _, ch := range o.notifySubs {
		select {
		case ch <- n:
		default:
		}
	}
}
