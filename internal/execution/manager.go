package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/taskforge/internal/protocol"
	"github.com/antoniostano/taskforge/internal/reliability"
)

var (
	ErrCapacityExceeded = errors.New("max concurrent sessions reached")
	ErrSessionNotFound  = errors.New("execution session not found")
	ErrSessionBusy      = errors.New("execution session already running a prompt")
	ErrExecutionTimeout = errors.New("execution timed out")
	ErrSessionKilled    = errors.New("execution session killed")
	ErrProcess          = errors.New("agent process failure")
)

// Config controls the supervised agent CLI processes.
type Config struct {
	// CLIPath is the agent binary. CLIArgs overrides the default invocation
	// flags when set; the session id flags are always appended.
	CLIPath string
	CLIArgs []string

	MaxConcurrentSessions int
	// PromptTimeout bounds how long a pending result waits for process exit.
	// It rejects the waiter only; the process itself keeps running until
	// killed or idle-reaped.
	PromptTimeout time.Duration
	IdleTimeout   time.Duration
	ReapInterval  time.Duration
	KillGrace     time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 5
	}
	if c.PromptTimeout <= 0 {
		c.PromptTimeout = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 60 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
}

// Result resolves a single execute call. Output always carries whatever the
// process printed, even on failure, as diagnostic context.
type Result struct {
	TaskID    string
	SessionID string
	Output    string
	Err       error
}

// SubscriptionStatus records advisory conditions seen on a session's stderr.
type SubscriptionStatus struct {
	Authenticated bool
	Warning       bool
	LastWarning   string
}

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	ID           string
	TaskID       string
	Running      bool
	Subscription SubscriptionStatus
	CreatedAt    time.Time
	LastActivity time.Time
}

type pendingResult struct {
	once sync.Once
	ch   chan Result
}

func (p *pendingResult) resolve(r Result) {
	p.once.Do(func() {
		p.ch <- r
		close(p.ch)
	})
}

type session struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	taskID       string
	lastActivity time.Time
	subscription SubscriptionStatus
	output       []byte
	running      bool

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	done    chan struct{}
	pending *pendingResult
	timeout *time.Timer
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *session) appendOutput(chunk []byte) {
	s.mu.Lock()
	s.output = append(s.output, chunk...)
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *session) outputText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.output)
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.id,
		TaskID:       s.taskID,
		Running:      s.running,
		Subscription: s.subscription,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// Manager supervises one external agent process per active execution session.
// The registry survives a successful process exit so follow-up prompts can
// resume the same session id until the idle sweep collects it.
type Manager struct {
	cfg     Config
	publish func(msg any)

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewManager(cfg Config, publish func(msg any)) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		publish:  publish,
		sessions: make(map[string]*session),
	}
}

func (m *Manager) emit(msg any) {
	if m.publish != nil {
		m.publish(msg)
	}
}

// Execute runs a prompt on a new or resumed session. The returned channel
// resolves exactly once, with the process result, a timeout, or a kill.
func (m *Manager) Execute(ctx context.Context, prompt, taskID, sessionID string, isFollowUp bool) (<-chan Result, string, error) {
	var s *session

	if isFollowUp && sessionID != "" {
		m.mu.Lock()
		existing, ok := m.sessions[sessionID]
		if !ok {
			m.mu.Unlock()
			return nil, "", ErrSessionNotFound
		}
		existing.mu.Lock()
		if existing.running {
			existing.mu.Unlock()
			m.mu.Unlock()
			return nil, "", ErrSessionBusy
		}
		if taskID != "" {
			existing.taskID = taskID
		}
		existing.mu.Unlock()
		m.mu.Unlock()
		s = existing
	} else {
		now := time.Now().UTC()
		s = &session{
			id:           uuid.NewString(),
			createdAt:    now,
			taskID:       taskID,
			lastActivity: now,
			subscription: SubscriptionStatus{Authenticated: true},
		}

		m.mu.Lock()
		if len(m.sessions) >= m.cfg.MaxConcurrentSessions {
			m.mu.Unlock()
			return nil, "", ErrCapacityExceeded
		}
		m.sessions[s.id] = s
		m.mu.Unlock()
	}

	ch, err := m.spawn(ctx, s, prompt, isFollowUp)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()
		return nil, "", err
	}
	return ch, s.id, nil
}

func (m *Manager) spawn(ctx context.Context, s *session, prompt string, followUp bool) (<-chan Result, error) {
	args := m.cfg.CLIArgs
	if len(args) == 0 {
		args = []string{"run", "--print", "--output-format", "text", "--no-color"}
	}
	args = append(append([]string(nil), args...), "--session-id", s.id)
	if followUp {
		args = append(args, "--resume")
	}

	cmd := exec.CommandContext(ctx, m.cfg.CLIPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrProcess, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrProcess, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrProcess, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: spawn %s: %v", ErrProcess, m.cfg.CLIPath, err)
	}

	pending := &pendingResult{ch: make(chan Result, 1)}
	done := make(chan struct{})

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.pending = pending
	s.done = done
	s.running = true
	s.output = nil
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go m.readStream(s, stdout, "stdout", &readers)
	go m.readStream(s, stderr, "stderr", &readers)

	go func() {
		readers.Wait()
		waitErr := cmd.Wait()
		m.finish(s, waitErr)
		close(done)
	}()

	if err := m.sendPrompt(s, prompt); err != nil {
		return nil, err
	}
	return pending.ch, nil
}

// sendPrompt delivers the prompt over stdin then closes it; EOF tells the
// agent CLI there is no more input. The armed timer rejects the waiter after
// PromptTimeout without killing the process.
func (m *Manager) sendPrompt(s *session, prompt string) error {
	if _, err := io.WriteString(s.stdin, prompt); err != nil {
		s.stdin.Close()
		return fmt.Errorf("%w: write prompt: %v", ErrProcess, err)
	}
	if err := s.stdin.Close(); err != nil {
		return fmt.Errorf("%w: close stdin: %v", ErrProcess, err)
	}

	pending := s.pending
	timer := time.AfterFunc(m.cfg.PromptTimeout, func() {
		s.mu.Lock()
		taskID := s.taskID
		s.mu.Unlock()
		log.Printf("execution: session %s prompt timed out, process left running", s.id)
		pending.resolve(Result{TaskID: taskID, SessionID: s.id, Err: ErrExecutionTimeout})
	})

	s.mu.Lock()
	s.timeout = timer
	s.mu.Unlock()
	return nil
}

func (m *Manager) readStream(s *session, r io.Reader, kind string, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.appendOutput(chunk)

			s.mu.Lock()
			taskID := s.taskID
			s.mu.Unlock()
			m.emit(protocol.ExecutionOutput{
				Type:       protocol.TypeExecutionOutput,
				TaskID:     taskID,
				SessionID:  s.id,
				Chunk:      string(chunk),
				OutputType: kind,
				Timestamp:  time.Now().UTC(),
			})

			if kind == "stderr" {
				m.inspectStderr(s, string(chunk))
			}
		}
		if err != nil {
			return
		}
	}
}

// inspectStderr pattern-matches stderr for rate-limit and authentication
// phrases. Matches flag the session and emit an advisory warning event; they
// never fail the execution on their own.
func (m *Manager) inspectStderr(s *session, text string) {
	issue := reliability.DetectSubscriptionIssue(text)
	if issue == nil {
		return
	}

	s.mu.Lock()
	s.subscription.Warning = true
	s.subscription.LastWarning = issue.Message
	if issue.Kind == reliability.IssueAuth {
		s.subscription.Authenticated = false
	}
	s.mu.Unlock()

	m.emit(protocol.SubscriptionWarning{
		Type:      protocol.TypeSubscriptionWarning,
		SessionID: s.id,
		Warning: protocol.Warning{
			Kind:            string(issue.Kind),
			Title:           issue.Title,
			Message:         issue.Message,
			Recommendations: issue.Recommendations,
		},
		Timestamp: time.Now().UTC(),
	})
}

func (m *Manager) finish(s *session, waitErr error) {
	s.mu.Lock()
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	s.running = false
	s.lastActivity = time.Now().UTC()
	taskID := s.taskID
	pending := s.pending
	s.mu.Unlock()

	output := s.outputText()
	now := time.Now().UTC()

	if waitErr == nil {
		m.emit(protocol.ExecutionCompleted{
			Type:      protocol.TypeExecutionCompleted,
			TaskID:    taskID,
			SessionID: s.id,
			Output:    output,
			Timestamp: now,
		})
		pending.resolve(Result{TaskID: taskID, SessionID: s.id, Output: output})
		return
	}

	err := fmt.Errorf("%w: %v", ErrProcess, waitErr)
	m.emit(protocol.ExecutionFailed{
		Type:      protocol.TypeExecutionFailed,
		TaskID:    taskID,
		SessionID: s.id,
		Error:     waitErr.Error(),
		Output:    output,
		Timestamp: now,
	})
	pending.resolve(Result{TaskID: taskID, SessionID: s.id, Output: output, Err: err})
}

func (m *Manager) Get(sessionID string) (Snapshot, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return s.snapshot(), nil
}

func (m *Manager) Sessions() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// KillSession removes the session and terminates its process, SIGTERM first,
// SIGKILL after the grace window. Any pending waiter resolves with
// ErrSessionKilled rather than hanging.
func (m *Manager) KillSession(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	running := s.running
	cmd := s.cmd
	done := s.done
	pending := s.pending
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	taskID := s.taskID
	s.mu.Unlock()

	if pending != nil {
		pending.resolve(Result{TaskID: taskID, SessionID: s.id, Err: ErrSessionKilled})
	}
	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}
	select {
	case <-done:
	case <-time.After(m.cfg.KillGrace):
		log.Printf("execution: session %s ignored SIGTERM, killing", sessionID)
		_ = cmd.Process.Kill()
	}
	return nil
}

// StartReaper sweeps idle sessions until ctx is cancelled.
func (m *Manager) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reapIdle()
			}
		}
	}()
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().UTC().Add(-m.cfg.IdleTimeout)

	var stale []string
	m.mu.RLock()
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		log.Printf("execution: reaping idle session %s", id)
		if err := m.KillSession(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			log.Printf("execution: reap %s: %v", id, err)
		}
	}
}

// Shutdown kills every live session. Used on process exit.
func (m *Manager) Shutdown() {
	for _, snap := range m.Sessions() {
		if err := m.KillSession(snap.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			log.Printf("execution: shutdown kill %s: %v", snap.ID, err)
		}
	}
}
