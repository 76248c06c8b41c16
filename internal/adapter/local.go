package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sevir/atalaya/pkg/models"
)

const maxScanTokenSize = 1024 * 1024

// LocalOptions configures the locally spawned agent CLI.
type LocalOptions struct {
	Binary       string
	Provider     string
	Thinking     string
	SystemPrompt string
	TokenEnv     string
	DefaultModel string
	Grace        time.Duration
}

// LocalAdapter drives one agent CLI process per session. The process
// model is single-shot: the whole prompt is passed at spawn time and
// the transcript is the process's standard output. Mid-session input
// is not supported.
type LocalAdapter struct {
	opts LocalOptions
	sink Sink

	mu       sync.RWMutex
	sessions map[string]*localSession
}

type localSession struct {
	id     string
	spec   launchSpec
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	// doneOnce guards done: both the completion path and a cancel
	// that beat the spawn signal it.
	doneOnce sync.Once

	mu        sync.Mutex
	cancelled bool
}

func (s *localSession) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

type launchSpec struct {
	args    []string
	dir     string
	env     []string
	timeout time.Duration
}

// NewLocalAdapter creates the local process adapter.
func NewLocalAdapter(opts LocalOptions, sink Sink) *LocalAdapter {
	if opts.Binary == "" {
		opts.Binary = "pi"
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	return &LocalAdapter{
		opts:     opts,
		sink:     sink,
		sessions: make(map[string]*localSession),
	}
}

func (a *LocalAdapter) Kind() models.SessionKind { return models.KindLocal }

// Create prepares the launch specification but does not spawn.
func (a *LocalAdapter) Create(ctx context.Context, cfg Config) (string, error) {
	model := cfg.Model
	if model == "" {
		model = a.opts.DefaultModel
	}
	thinking := cfg.Thinking
	if thinking == "" {
		thinking = a.opts.Thinking
	}

	args := []string{
		"--provider", a.opts.Provider,
		"--model", model,
		"--thinking", thinking,
	}
	if a.opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", a.opts.SystemPrompt)
	}
	args = append(args, "-p", cfg.Prompt)

	// The credential variable is inherited with the rest of the
	// environment; all we can add is a warning when it is absent.
	env := os.Environ()
	if a.opts.TokenEnv != "" && os.Getenv(a.opts.TokenEnv) == "" {
		log.Printf("session_event=token_env_missing env=%s", a.opts.TokenEnv)
	}

	id := fmt.Sprintf("loc-%s", uuid.New().String()[:8])
	sess := &localSession{
		id: id,
		spec: launchSpec{
			args: args,
			dir:  cfg.WorkspacePath,
			env:  env,
		},
		done: make(chan struct{}),
	}

	a.mu.Lock()
	a.sessions[id] = sess
	a.mu.Unlock()

	return id, nil
}

// Start spawns the agent process and attaches to its output streams.
// The session mutex is held across the spawn so a concurrent Cancel
// either lands before (Start refuses) or after (the process gets the
// signal), never in between.
func (a *LocalAdapter) Start(ctx context.Context, sessionID string) error {
	sess, err := a.get(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.cancelled {
		sess.mu.Unlock()
		return fmt.Errorf("session %s was cancelled before start", sessionID)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, a.opts.Binary, sess.spec.args...)
	cmd.Dir = sess.spec.dir
	cmd.Env = sess.spec.env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		sess.mu.Unlock()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		sess.mu.Unlock()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		sess.mu.Unlock()
		return fmt.Errorf("failed to start %s: %w", a.opts.Binary, err)
	}

	sess.cmd = cmd
	sess.cancel = cancel
	sess.mu.Unlock()

	log.Printf(
		"session_event=spawned session_id=%s pid=%d binary=%s dir=%q",
		sessionID, cmd.Process.Pid, a.opts.Binary, sess.spec.dir,
	)

	outputDone := make(chan struct{})
	go a.captureOutput(sess, stdout, stderr, outputDone)
	go a.waitForCompletion(sess, outputDone)

	return nil
}

func (a *LocalAdapter) captureOutput(sess *localSession, stdout, stderr io.ReadCloser, done chan struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	wg.Add(2)

	capture := func(r io.ReadCloser, role models.EventRole) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, maxScanTokenSize)

		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			_, err := a.sink.AppendEvent(sess.id, models.Event{
				Role: role,
				Kind: models.PayloadText,
				Text: line,
			})
			if err != nil {
				// Session reached a terminal state under us; drain the
				// rest of the stream so the process can exit.
				continue
			}
		}
	}

	go capture(stdout, models.RoleAgent)
	go capture(stderr, models.RoleSystem)

	wg.Wait()
}

func (a *LocalAdapter) waitForCompletion(sess *localSession, outputDone chan struct{}) {
	defer sess.signalDone()

	// All output must be appended before the terminal status lands,
	// otherwise trailing lines would hit an absorbing state.
	<-outputDone
	err := sess.cmd.Wait()

	sess.mu.Lock()
	cancelled := sess.cancelled
	sess.mu.Unlock()

	switch {
	case err == nil:
		code := 0
		a.sink.SessionFinished(sess.id, models.StatusCompleted, &code, "")
	case cancelled:
		var code *int
		if exitErr, ok := err.(*exec.ExitError); ok {
			c := exitErr.ExitCode()
			code = &c
		}
		a.sink.SessionFinished(sess.id, models.StatusAborted, code, "cancelled by user")
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			exit := &models.ProcessExitError{ExitCode: code}
			a.sink.SessionFinished(sess.id, models.StatusFailed, &code, exit.Error())
		} else {
			a.sink.SessionFinished(sess.id, models.StatusFailed, nil, err.Error())
		}
	}
}

// Send is not supported: the process model is one invocation per turn.
func (a *LocalAdapter) Send(ctx context.Context, sessionID, text string) error {
	if _, err := a.get(sessionID); err != nil {
		return err
	}
	return fmt.Errorf("%w: local sessions are single-shot, start a new session instead", models.ErrUnsupportedOperation)
}

// Cancel sends SIGTERM, escalating to SIGKILL after the grace period.
func (a *LocalAdapter) Cancel(ctx context.Context, sessionID string) error {
	sess, err := a.get(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	sess.cancelled = true
	cmd := sess.cmd
	sess.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		// Never started; nothing to kill. A later Start refuses.
		a.sink.SessionFinished(sessionID, models.StatusAborted, nil, "cancelled before start")
		sess.signalDone()
		return nil
	}

	cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-sess.done:
	case <-time.After(a.opts.Grace):
		cmd.Process.Kill()
		select {
		case <-sess.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Dispose forgets the session's process state. The transcript lives in
// the registry and is untouched.
func (a *LocalAdapter) Dispose(sessionID string) error {
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

// RunningCount returns the number of live child processes.
func (a *LocalAdapter) RunningCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n := 0
	for _, sess := range a.sessions {
		select {
		case <-sess.done:
		default:
			if sess.cmd != nil {
				n++
			}
		}
	}
	return n
}

// Shutdown cancels all running processes.
func (a *LocalAdapter) Shutdown() {
	a.mu.Lock()
	sessions := make([]*localSession, 0, len(a.sessions))
	for _, sess := range a.sessions {
		sessions = append(sessions, sess)
	}
	a.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		sess.cancelled = true
		cmd := sess.cmd
		sess.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	for _, sess := range sessions {
		if sess.cmd == nil {
			continue
		}
		select {
		case <-sess.done:
		case <-time.After(a.opts.Grace * 2):
			if sess.cmd.Process != nil {
				sess.cmd.Process.Kill()
			}
		}
	}
}

// ListModels asks the agent binary for its available models.
func (a *LocalAdapter) ListModels(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, a.opts.Binary, "--list-models").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	var model []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			model = append(model, line)
		}
	}
	return model, nil
}

func (a *LocalAdapter) get(sessionID string) (*localSession, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	sess, ok := a.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}
	return sess, nil
}
