package coordinator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/taskforge/internal/bridge"
	"github.com/antoniostano/taskforge/internal/engine"
	"github.com/antoniostano/taskforge/internal/execution"
)

func newTestService(t *testing.T, script, sessionName, bridgeDir string, execCfg execution.Config) (*Service, *engine.Engine) {
	t.Helper()
	eng := engine.New(engine.NewMemoryStore())
	execCfg.CLIPath = "/bin/sh"
	execCfg.CLIArgs = []string{"-c", script}
	exec := execution.NewManager(execCfg, nil)

	br, err := bridge.New(bridge.Config{
		Dir:             bridgeDir,
		PollingInterval: 10 * time.Millisecond,
		ResponseTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("bridge.New() error = %v", err)
	}

	svc := New(eng, exec, br, nil, nil, Config{
		AgentID:             "agent-" + sessionName,
		SessionName:         sessionName,
		RequestPollInterval: 10 * time.Millisecond,
	})
	return svc, eng
}

func waitDispatch(t *testing.T, ch <-chan execution.Result) execution.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatalf("no dispatch result within deadline")
		return execution.Result{}
	}
}

func TestDispatchLocalCompletesTask(t *testing.T) {
	svc, eng := newTestService(t, "cat", "main", t.TempDir(), execution.Config{})
	ctx := context.Background()

	task, err := eng.CreateTask(ctx, engine.CreateRequest{Title: "summarize logs", Todos: []string{"read", "summarize"}})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	ch, err := svc.Dispatch(ctx, task.ID, "")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	res := waitDispatch(t, ch)
	if res.Err != nil {
		t.Fatalf("result.Err = %v", res.Err)
	}
	if !strings.Contains(res.Output, "summarize logs") || !strings.Contains(res.Output, "- [ ] read") {
		t.Fatalf("prompt not delivered to agent, output = %q", res.Output)
	}

	got, _ := eng.GetTask(ctx, task.ID)
	if got.Status != engine.StatusCompleted {
		t.Fatalf("task status = %q, want completed", got.Status)
	}
}

func TestDispatchFailureMarksTaskFailed(t *testing.T) {
	svc, eng := newTestService(t, "cat >/dev/null; exit 1", "main", t.TempDir(), execution.Config{})
	ctx := context.Background()

	task, _ := eng.CreateTask(ctx, engine.CreateRequest{Title: "doomed"})
	ch, err := svc.Dispatch(ctx, task.ID, "")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	res := waitDispatch(t, ch)
	if res.Err == nil {
		t.Fatalf("result.Err = nil, want process failure")
	}

	got, _ := eng.GetTask(ctx, task.ID)
	if got.Status != engine.StatusFailed {
		t.Fatalf("task status = %q, want failed", got.Status)
	}
}

func TestDispatchAlreadyClaimed(t *testing.T) {
	svc, eng := newTestService(t, "cat", "main", t.TempDir(), execution.Config{})
	ctx := context.Background()

	task, _ := eng.CreateTask(ctx, engine.CreateRequest{Title: "contested"})
	if _, ok, _ := eng.ClaimTask(ctx, task.ID, "someone-else"); !ok {
		t.Fatalf("setup claim failed")
	}

	_, err := svc.Dispatch(ctx, task.ID, "")
	if !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("Dispatch() error = %v, want ErrNotClaimed", err)
	}
}

func TestDispatchReleasesTaskWhenCapacityExceeded(t *testing.T) {
	svc, eng := newTestService(t, "sleep 5", "main", t.TempDir(), execution.Config{MaxConcurrentSessions: 1})
	ctx := context.Background()

	// Occupy the only slot.
	blocker, _ := eng.CreateTask(ctx, engine.CreateRequest{Title: "blocker"})
	if _, err := svc.Dispatch(ctx, blocker.ID, ""); err != nil {
		t.Fatalf("Dispatch(blocker) error = %v", err)
	}

	task, _ := eng.CreateTask(ctx, engine.CreateRequest{Title: "queued"})
	_, err := svc.Dispatch(ctx, task.ID, "")
	if !errors.Is(err, execution.ErrCapacityExceeded) {
		t.Fatalf("Dispatch() error = %v, want ErrCapacityExceeded", err)
	}

	got, _ := eng.GetTask(ctx, task.ID)
	if got.Status != engine.StatusPending || got.Assignee != "" {
		t.Fatalf("task after failed dispatch = %+v, want released to pending", got)
	}
}

func TestDispatchRemoteThroughBridge(t *testing.T) {
	dir := t.TempDir()
	sender, eng := newTestService(t, "cat", "alpha", dir, execution.Config{})
	responder, _ := newTestService(t, "cat", "beta", dir, execution.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	responder.ServeBridge(ctx)

	task, _ := eng.CreateTask(ctx, engine.CreateRequest{Title: "cross-session work"})
	ch, err := sender.Dispatch(ctx, task.ID, "beta")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	res := waitDispatch(t, ch)
	if res.Err != nil {
		t.Fatalf("result.Err = %v", res.Err)
	}
	if !strings.Contains(res.Output, "cross-session work") {
		t.Fatalf("bridge result output = %q, want prompt echoed back", res.Output)
	}

	got, _ := eng.GetTask(ctx, task.ID)
	if got.Status != engine.StatusCompleted {
		t.Fatalf("task status = %q, want completed", got.Status)
	}
}

func TestForwardTaskEventsPublishesStreamMessages(t *testing.T) {
	svc, eng := newTestService(t, "cat", "main", t.TempDir(), execution.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	published := make(chan []byte, 16)
	svc.ForwardTaskEvents(ctx, func(raw []byte) { published <- raw })

	// Give the forwarder a beat to subscribe before producing events.
	time.Sleep(20 * time.Millisecond)
	if _, err := eng.CreateTask(context.Background(), engine.CreateRequest{Title: "observable"}); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	select {
	case raw := <-published:
		if !strings.Contains(string(raw), "task_created") {
			t.Fatalf("published message = %s, want task_created", raw)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no task event published")
	}
}
