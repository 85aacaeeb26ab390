package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/taskforge/internal/protocol"
)

type eventSink struct {
	mu     sync.Mutex
	events []any
}

func (s *eventSink) publish(msg any) {
	s.mu.Lock()
	s.events = append(s.events, msg)
	s.mu.Unlock()
}

func (s *eventSink) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.events...)
}

func newTestManager(t *testing.T, script string, cfg Config) (*Manager, *eventSink) {
	t.Helper()
	cfg.CLIPath = "/bin/sh"
	cfg.CLIArgs = []string{"-c", script}
	sink := &eventSink{}
	return NewManager(cfg, sink.publish), sink
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatalf("no result within deadline")
		return Result{}
	}
}

func TestExecuteEchoesPromptOutput(t *testing.T) {
	m, sink := newTestManager(t, "cat", Config{})
	ch, sessionID, err := m.Execute(context.Background(), "hello agent", "task-1", "", false)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if sessionID == "" {
		t.Fatalf("Execute() returned empty session id")
	}

	res := waitResult(t, ch)
	if res.Err != nil {
		t.Fatalf("result.Err = %v", res.Err)
	}
	if res.Output != "hello agent" {
		t.Fatalf("result.Output = %q, want %q", res.Output, "hello agent")
	}

	var sawOutput, sawCompleted bool
	for _, evt := range sink.snapshot() {
		switch e := evt.(type) {
		case protocol.ExecutionOutput:
			if e.SessionID == sessionID && e.OutputType == "stdout" {
				sawOutput = true
			}
		case protocol.ExecutionCompleted:
			if e.SessionID == sessionID && e.TaskID == "task-1" {
				sawCompleted = true
			}
		}
	}
	if !sawOutput || !sawCompleted {
		t.Fatalf("missing events: output=%v completed=%v", sawOutput, sawCompleted)
	}
}

func TestExecuteCapacityExceeded(t *testing.T) {
	m, _ := newTestManager(t, "sleep 5", Config{MaxConcurrentSessions: 1})
	_, sessionID, err := m.Execute(context.Background(), "long job", "task-1", "", false)
	if err != nil {
		t.Fatalf("Execute() first error = %v", err)
	}
	defer m.KillSession(sessionID)

	_, _, err = m.Execute(context.Background(), "another", "task-2", "", false)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Execute() second error = %v, want ErrCapacityExceeded", err)
	}
}

func TestExecuteNonZeroExitFails(t *testing.T) {
	m, sink := newTestManager(t, "cat >/dev/null; echo boom; exit 3", Config{})
	ch, sessionID, err := m.Execute(context.Background(), "doomed", "task-1", "", false)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	res := waitResult(t, ch)
	if !errors.Is(res.Err, ErrProcess) {
		t.Fatalf("result.Err = %v, want ErrProcess", res.Err)
	}
	if !strings.Contains(res.Output, "boom") {
		t.Fatalf("result.Output = %q, want diagnostic text preserved", res.Output)
	}

	var sawFailed bool
	for _, evt := range sink.snapshot() {
		if e, ok := evt.(protocol.ExecutionFailed); ok && e.SessionID == sessionID {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("no execution_failed event observed")
	}
}

func TestPromptTimeoutLeavesProcessRunning(t *testing.T) {
	m, _ := newTestManager(t, "sleep 5", Config{PromptTimeout: 50 * time.Millisecond})
	ch, sessionID, err := m.Execute(context.Background(), "slow", "task-1", "", false)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	defer m.KillSession(sessionID)

	res := waitResult(t, ch)
	if !errors.Is(res.Err, ErrExecutionTimeout) {
		t.Fatalf("result.Err = %v, want ErrExecutionTimeout", res.Err)
	}

	// The timeout rejects the waiter only; the session stays registered.
	snap, err := m.Get(sessionID)
	if err != nil {
		t.Fatalf("Get() after timeout error = %v", err)
	}
	if !snap.Running {
		t.Fatalf("session not running after timeout, want process left alive")
	}
}

func TestStderrSubscriptionWarning(t *testing.T) {
	m, sink := newTestManager(t, "echo 'error: rate limit exceeded' 1>&2; cat >/dev/null", Config{})
	ch, sessionID, err := m.Execute(context.Background(), "noisy", "task-1", "", false)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	waitResult(t, ch)

	var warning *protocol.SubscriptionWarning
	for _, evt := range sink.snapshot() {
		if e, ok := evt.(protocol.SubscriptionWarning); ok {
			warning = &e
		}
	}
	if warning == nil {
		t.Fatalf("no subscription_warning event observed")
	}
	if warning.Warning.Kind != "rate_limit" || len(warning.Warning.Recommendations) == 0 {
		t.Fatalf("warning = %+v, want rate_limit with recommendations", warning.Warning)
	}

	snap, err := m.Get(sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !snap.Subscription.Warning || snap.Subscription.LastWarning == "" {
		t.Fatalf("subscription status = %+v, want warning flagged", snap.Subscription)
	}
}

func TestFollowUpReusesSession(t *testing.T) {
	m, _ := newTestManager(t, "cat", Config{})
	ch, sessionID, err := m.Execute(context.Background(), "first", "task-1", "", false)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	waitResult(t, ch)

	ch, followUpID, err := m.Execute(context.Background(), "second", "task-1", sessionID, true)
	if err != nil {
		t.Fatalf("Execute(follow-up) error = %v", err)
	}
	if followUpID != sessionID {
		t.Fatalf("follow-up session id = %s, want %s", followUpID, sessionID)
	}
	res := waitResult(t, ch)
	if res.Err != nil || res.Output != "second" {
		t.Fatalf("follow-up result = %+v", res)
	}
}

func TestFollowUpUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, "cat", Config{})
	_, _, err := m.Execute(context.Background(), "orphan", "task-1", "no-such-session", true)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Execute() error = %v, want ErrSessionNotFound", err)
	}
}

func TestKillSessionResolvesPending(t *testing.T) {
	m, _ := newTestManager(t, "sleep 5", Config{KillGrace: time.Second})
	ch, sessionID, err := m.Execute(context.Background(), "victim", "task-1", "", false)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if err := m.KillSession(sessionID); err != nil {
		t.Fatalf("KillSession() error = %v", err)
	}
	res := waitResult(t, ch)
	if !errors.Is(res.Err, ErrSessionKilled) {
		t.Fatalf("result.Err = %v, want ErrSessionKilled", res.Err)
	}
	if _, err := m.Get(sessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get() after kill error = %v, want ErrSessionNotFound", err)
	}
}

func TestIdleReapRemovesStaleSessions(t *testing.T) {
	m, _ := newTestManager(t, "cat", Config{IdleTimeout: 30 * time.Millisecond})
	ch, sessionID, err := m.Execute(context.Background(), "quick", "task-1", "", false)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	waitResult(t, ch)

	time.Sleep(60 * time.Millisecond)
	m.reapIdle()

	if _, err := m.Get(sessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get() after reap error = %v, want ErrSessionNotFound", err)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}
