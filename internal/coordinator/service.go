package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/taskforge/internal/bridge"
	"github.com/antoniostano/taskforge/internal/engine"
	"github.com/antoniostano/taskforge/internal/execution"
	"github.com/antoniostano/taskforge/internal/observability"
	"github.com/antoniostano/taskforge/internal/protocol"
)

var ErrNotClaimed = errors.New("task not claimed")

// TaskPayload is the bridge wire format for dispatching a task to another
// session context.
type TaskPayload struct {
	TaskID     string `json:"task_id"`
	Title      string `json:"title,omitempty"`
	Prompt     string `json:"prompt"`
	SessionID  string `json:"session_id,omitempty"`
	IsFollowUp bool   `json:"is_follow_up,omitempty"`
}

type Config struct {
	AgentID     string
	SessionName string
	// RequestPollInterval drives how often this coordinator checks the
	// bridge for inbound requests addressed to its session name.
	RequestPollInterval time.Duration
}

// Service glues the task graph, the execution manager and the bridge
// together: it claims tasks, runs them locally or routes them to another
// session, and feeds results back into the graph.
type Service struct {
	engine  *engine.Engine
	exec    *execution.Manager
	bridge  *bridge.Bridge
	metrics *observability.Metrics
	latency *observability.LatencyWindow

	agentID      string
	sessionName  string
	pollInterval time.Duration

	mu           sync.Mutex
	taskSessions map[string]string
}

func New(eng *engine.Engine, exec *execution.Manager, br *bridge.Bridge, metrics *observability.Metrics, latency *observability.LatencyWindow, cfg Config) *Service {
	if cfg.AgentID == "" {
		cfg.AgentID = "coordinator"
	}
	if cfg.SessionName == "" {
		cfg.SessionName = "main"
	}
	if cfg.RequestPollInterval <= 0 {
		cfg.RequestPollInterval = time.Second
	}
	if latency == nil {
		latency = observability.NewLatencyWindow(256)
	}
	return &Service{
		engine:       eng,
		exec:         exec,
		bridge:       br,
		metrics:      metrics,
		latency:      latency,
		agentID:      cfg.AgentID,
		sessionName:  cfg.SessionName,
		pollInterval: cfg.RequestPollInterval,
		taskSessions: make(map[string]string),
	}
}

// Dispatch claims the task and runs it, locally when target is empty or this
// coordinator's own session, otherwise through the bridge. The returned
// channel resolves once with the execution result; the task's terminal status
// is already written back to the graph by then.
func (s *Service) Dispatch(ctx context.Context, taskID, target string) (<-chan execution.Result, error) {
	task, claimed, err := s.engine.ClaimTask(ctx, taskID, s.agentID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrNotClaimed
	}

	todos, err := s.engine.ListTodos(ctx, task.ID)
	if err != nil {
		todos = nil
	}
	prompt := buildPrompt(task, todos)

	if target != "" && target != s.sessionName {
		return s.dispatchRemote(ctx, task, prompt, target), nil
	}
	return s.dispatchLocal(ctx, task, prompt)
}

func (s *Service) dispatchLocal(ctx context.Context, task engine.Task, prompt string) (<-chan execution.Result, error) {
	s.mu.Lock()
	prevSession, followUp := s.taskSessions[task.ID]
	s.mu.Unlock()

	start := time.Now()
	resultCh, sessionID, err := s.exec.Execute(ctx, prompt, task.ID, prevSession, followUp)
	if err != nil {
		// Hand the task back so another worker can pick it up.
		if _, releaseErr := s.engine.ReleaseTask(ctx, task.ID); releaseErr != nil {
			log.Printf("coordinator: release %s after failed dispatch: %v", task.ID, releaseErr)
		}
		return nil, err
	}
	s.latency.ObserveDuration("claim_to_spawn", time.Since(start))

	s.mu.Lock()
	s.taskSessions[task.ID] = sessionID
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.exec.ActiveCount()))
	}

	out := make(chan execution.Result, 1)
	go func() {
		res := <-resultCh
		s.finalize(ctx, task.ID, start, res)
		out <- res
		close(out)
	}()
	return out, nil
}

func (s *Service) dispatchRemote(ctx context.Context, task engine.Task, prompt, target string) <-chan execution.Result {
	out := make(chan execution.Result, 1)
	go func() {
		start := time.Now()
		payload := TaskPayload{TaskID: task.ID, Title: task.Title, Prompt: prompt}
		data, err := s.bridge.SendToSession(ctx, target, payload)
		s.latency.ObserveDuration("bridge_round_trip", time.Since(start))
		if s.metrics != nil {
			result := "ok"
			if err != nil {
				result = "error"
			}
			s.metrics.BridgeRequests.WithLabelValues("outbound", result).Inc()
		}

		res := execution.Result{TaskID: task.ID, Output: string(data), Err: err}
		s.finalize(ctx, task.ID, start, res)
		out <- res
		close(out)
	}()
	return out
}

// finalize writes the terminal status back into the graph and records the
// outcome.
func (s *Service) finalize(ctx context.Context, taskID string, start time.Time, res execution.Result) {
	elapsed := time.Since(start)
	s.latency.ObserveDuration("execution_total", elapsed)

	status := engine.StatusCompleted
	outcome := "completed"
	switch {
	case res.Err == nil:
	case errors.Is(res.Err, execution.ErrExecutionTimeout):
		status = engine.StatusFailed
		outcome = "timeout"
	case errors.Is(res.Err, execution.ErrSessionKilled):
		status = engine.StatusFailed
		outcome = "killed"
	default:
		status = engine.StatusFailed
		outcome = "failed"
	}

	if s.metrics != nil {
		s.metrics.ExecutionResults.WithLabelValues(outcome).Inc()
		s.metrics.ObserveExecutionDuration(elapsed)
		s.metrics.ActiveSessions.Set(float64(s.exec.ActiveCount()))
	}

	if _, _, err := s.engine.UpdateStatus(ctx, taskID, status, engine.StatusMeta{}); err != nil {
		log.Printf("coordinator: update %s to %s: %v", taskID, status, err)
	}
}

// ServeBridge polls for requests addressed to this coordinator's session name
// and executes them locally, answering through the bridge.
func (s *Service) ServeBridge(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.handlePendingRequests(ctx)
			}
		}
	}()
}

func (s *Service) handlePendingRequests(ctx context.Context) {
	requests, err := s.bridge.CheckForRequests(s.sessionName)
	if err != nil {
		log.Printf("coordinator: check bridge requests: %v", err)
		return
	}

	for _, req := range requests {
		if s.metrics != nil {
			s.metrics.BridgeRequests.WithLabelValues("inbound", "received").Inc()
		}
		go s.serveRequest(ctx, req)
	}
}

func (s *Service) serveRequest(ctx context.Context, req bridge.Request) {
	var payload TaskPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		s.answer(req, bridge.Response{Success: false, Error: fmt.Sprintf("malformed payload: %v", err)})
		return
	}

	// The remote coordinator already claimed the task; this side only runs it.
	resultCh, _, err := s.exec.Execute(ctx, payload.Prompt, payload.TaskID, payload.SessionID, payload.IsFollowUp)
	if err != nil {
		s.answer(req, bridge.Response{Success: false, Error: err.Error()})
		return
	}

	res := <-resultCh
	if res.Err != nil {
		s.answer(req, bridge.Response{Success: false, Error: res.Err.Error()})
		return
	}
	data, _ := json.Marshal(map[string]string{"output": res.Output, "session_id": res.SessionID})
	s.answer(req, bridge.Response{Success: true, Data: data})
}

func (s *Service) answer(req bridge.Request, resp bridge.Response) {
	if err := s.bridge.RespondToRequest(req, resp); err != nil {
		log.Printf("coordinator: respond to %s: %v", req.RequestID, err)
	}
	if s.metrics != nil {
		result := "ok"
		if !resp.Success {
			result = "error"
		}
		s.metrics.BridgeRequests.WithLabelValues("inbound", result).Inc()
	}
}

// ForwardTaskEvents republishes task graph events as stream messages until
// ctx is cancelled.
func (s *Service) ForwardTaskEvents(ctx context.Context, publish func([]byte)) {
	events, unsubscribe := s.engine.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if s.metrics != nil {
					s.metrics.TaskEvents.WithLabelValues(string(evt.Type)).Inc()
				}
				msg := protocol.TaskChanged{
					Type:      messageTypeFor(evt.Type),
					TaskID:    evt.TaskID,
					Timestamp: evt.At,
				}
				if evt.Task != nil {
					if raw, err := json.Marshal(evt.Task); err == nil {
						msg.Task = raw
					}
				}
				raw, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				publish(raw)
			}
		}
	}()
}

func messageTypeFor(t engine.EventType) protocol.MessageType {
	switch t {
	case engine.EventTaskCreated:
		return protocol.TypeTaskCreated
	case engine.EventTaskDeleted:
		return protocol.TypeTaskDeleted
	default:
		return protocol.TypeTaskUpdated
	}
}

// SessionName is this coordinator's bridge identity.
func (s *Service) SessionName() string { return s.sessionName }

func buildPrompt(task engine.Task, todos []engine.Todo) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(task.Title))
	if desc := strings.TrimSpace(task.Description); desc != "" {
		b.WriteString("\n\n")
		b.WriteString(desc)
	}
	if len(todos) > 0 {
		b.WriteString("\n\nSteps:\n")
		for _, todo := range todos {
			mark := " "
			if todo.Status == engine.TodoStatusCompleted {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, todo.Content)
		}
	}
	return b.String()
}
