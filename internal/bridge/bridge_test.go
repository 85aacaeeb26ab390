package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestBridge(t *testing.T, cfg Config) *Bridge {
	t.Helper()
	cfg.Dir = t.TempDir()
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b
}

func TestSendToSessionRoundTrip(t *testing.T) {
	b := newTestBridge(t, Config{PollingInterval: 10 * time.Millisecond, ResponseTimeout: 5 * time.Second})

	type payload struct {
		Prompt string `json:"prompt"`
		TaskID string `json:"task_id"`
	}

	done := make(chan error, 1)
	go func() {
		// Responder loop: poll until the request shows up, then answer it.
		for i := 0; i < 200; i++ {
			reqs, err := b.CheckForRequests("worker-a")
			if err != nil {
				done <- err
				return
			}
			if len(reqs) == 0 {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			var p payload
			if err := json.Unmarshal(reqs[0].Data, &p); err != nil {
				done <- err
				return
			}
			result, _ := json.Marshal(map[string]string{"output": "done " + p.TaskID})
			done <- b.RespondToRequest(reqs[0], Response{Success: true, Data: result})
			return
		}
		done <- errors.New("request never appeared")
	}()

	data, err := b.SendToSession(context.Background(), "worker-a", payload{Prompt: "run it", TaskID: "task-9"})
	if err != nil {
		t.Fatalf("SendToSession() error = %v", err)
	}
	if respErr := <-done; respErr != nil {
		t.Fatalf("responder error = %v", respErr)
	}

	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("response payload unmarshal error = %v", err)
	}
	if out["output"] != "done task-9" {
		t.Fatalf("response payload = %v", out)
	}

	// Both records are consumed after a successful round trip.
	leftover, err := filepath.Glob(filepath.Join(b.dir, "*.json"))
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(leftover) != 0 {
		t.Fatalf("leftover files = %v, want none", leftover)
	}
}

func TestSendToSessionFailureResponse(t *testing.T) {
	b := newTestBridge(t, Config{PollingInterval: 10 * time.Millisecond, ResponseTimeout: 5 * time.Second})

	go func() {
		for {
			reqs, _ := b.CheckForRequests("worker-b")
			if len(reqs) > 0 {
				b.RespondToRequest(reqs[0], Response{Success: false, Error: "agent unavailable"})
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	_, err := b.SendToSession(context.Background(), "worker-b", map[string]string{"prompt": "x"})
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("SendToSession() error = %v, want ErrRequestFailed", err)
	}
}

func TestSendToSessionTimeoutLeavesOrphan(t *testing.T) {
	b := newTestBridge(t, Config{PollingInterval: 10 * time.Millisecond, ResponseTimeout: 80 * time.Millisecond})

	_, err := b.SendToSession(context.Background(), "nobody", map[string]string{"prompt": "x"})
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("SendToSession() error = %v, want ErrResponseTimeout", err)
	}

	// The abandoned request stays on disk for the sweep.
	reqs, err := b.CheckForRequests("nobody")
	if err != nil {
		t.Fatalf("CheckForRequests() error = %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("pending requests = %d, want 1", len(reqs))
	}
}

func TestCheckForRequestsFiltersBySession(t *testing.T) {
	b := newTestBridge(t, Config{PollingInterval: 10 * time.Millisecond, ResponseTimeout: 50 * time.Millisecond})

	ctx := context.Background()
	_, _ = b.SendToSession(ctx, "alpha", map[string]string{"n": "1"})
	_, _ = b.SendToSession(ctx, "beta", map[string]string{"n": "2"})

	alpha, err := b.CheckForRequests("alpha")
	if err != nil {
		t.Fatalf("CheckForRequests(alpha) error = %v", err)
	}
	if len(alpha) != 1 || alpha[0].TargetSession != "alpha" {
		t.Fatalf("alpha requests = %+v, want exactly the alpha one", alpha)
	}
}

func TestCleanupSweepsOldRecords(t *testing.T) {
	b := newTestBridge(t, Config{PollingInterval: 10 * time.Millisecond, ResponseTimeout: 50 * time.Millisecond})

	_, _ = b.SendToSession(context.Background(), "stale", map[string]string{"n": "1"})
	reqs, _ := b.CheckForRequests("stale")
	if len(reqs) != 1 {
		t.Fatalf("pending requests = %d, want 1", len(reqs))
	}

	// Age the record past the cutoff.
	path := filepath.Join(b.dir, "stale_request_"+reqs[0].RequestID+".json")
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	if err := b.Cleanup(10 * time.Minute); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	reqs, _ = b.CheckForRequests("stale")
	if len(reqs) != 0 {
		t.Fatalf("pending requests after cleanup = %d, want 0", len(reqs))
	}
}

func TestCleanupKeepsFreshRecords(t *testing.T) {
	b := newTestBridge(t, Config{PollingInterval: 10 * time.Millisecond, ResponseTimeout: 50 * time.Millisecond})

	_, _ = b.SendToSession(context.Background(), "fresh", map[string]string{"n": "1"})
	if err := b.Cleanup(10 * time.Minute); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	reqs, _ := b.CheckForRequests("fresh")
	if len(reqs) != 1 {
		t.Fatalf("pending requests after cleanup = %d, want 1", len(reqs))
	}
}
