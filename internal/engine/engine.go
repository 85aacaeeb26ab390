package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Engine owns task, todo and dependency state. All mutations go through it;
// the storage collaborator is never written directly by other packages.
type Engine struct {
	store Store

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
}

func New(store Store) *Engine {
	return &Engine{
		store:       store,
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe returns a channel of task change events and an unsubscribe func.
// Slow consumers lose events rather than blocking engine operations.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	e.mu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.subscribers[id] = ch
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subscribers[id]; ok {
			delete(e.subscribers, id)
			close(c)
		}
	}
}

func (e *Engine) publish(evt Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// CreateTask validates and inserts a task with its todos and dependency edges.
// A task with dependencies always starts blocked; otherwise the requested
// status applies (default pending).
func (e *Engine) CreateTask(ctx context.Context, req CreateRequest) (Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return Task{}, fmt.Errorf("%w: title is required", ErrValidation)
	}

	status := req.Status
	if status == "" {
		status = StatusPending
	}
	if !status.Valid() {
		return Task{}, fmt.Errorf("%w: unknown status %q", ErrValidation, req.Status)
	}

	deps := make([]string, 0, len(req.DependsOn))
	var malformed []string
	for _, dep := range req.DependsOn {
		dep = strings.TrimSpace(dep)
		if dep == "" || uuid.Validate(dep) != nil {
			malformed = append(malformed, dep)
			continue
		}
		deps = append(deps, dep)
	}
	if len(malformed) > 0 {
		return Task{}, fmt.Errorf("%w: malformed dependency ids: %s", ErrValidation, strings.Join(malformed, ", "))
	}
	if len(deps) > 0 {
		status = StatusBlocked
	}

	now := time.Now().UTC()
	task := Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		Status:      status,
		WorkflowID:  strings.TrimSpace(req.WorkflowID),
		StepID:      strings.TrimSpace(req.StepID),
		AgentType:   strings.TrimSpace(req.AgentType),
		Priority:    req.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	todos := make([]Todo, 0, len(req.Todos))
	for i, content := range req.Todos {
		content = strings.TrimSpace(content)
		if content == "" {
			return Task{}, fmt.Errorf("%w: todo %d is empty", ErrValidation, i+1)
		}
		todos = append(todos, Todo{
			ID:        uuid.NewString(),
			TaskID:    task.ID,
			Content:   content,
			Status:    TodoStatusPending,
			SortOrder: i + 1,
		})
	}

	if err := e.store.CreateTask(ctx, task, todos, deps); err != nil {
		return Task{}, err
	}

	e.publish(Event{Type: EventTaskCreated, TaskID: task.ID, Task: &task, At: now})
	return task, nil
}

func (e *Engine) GetTask(ctx context.Context, taskID string) (Task, error) {
	return e.store.GetTask(ctx, taskID)
}

func (e *Engine) ListTodos(ctx context.Context, taskID string) ([]Todo, error) {
	return e.store.ListTodos(ctx, taskID)
}

func (e *Engine) ListDependencies(ctx context.Context, taskID string) ([]Dependency, error) {
	return e.store.ListDependencies(ctx, taskID)
}

// UpdateStatus moves a task through the state machine. Terminal statuses
// cascade to blocked dependents inside the same store transaction; the
// returned slice holds the ids of dependents newly flipped to pending.
func (e *Engine) UpdateStatus(ctx context.Context, taskID string, status Status, meta StatusMeta) (Task, []string, error) {
	if !status.Valid() {
		return Task{}, nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}

	activated, err := e.store.UpdateStatus(ctx, taskID, status, meta)
	if err != nil {
		return Task{}, nil, err
	}

	now := time.Now().UTC()
	task, err := e.store.GetTask(ctx, taskID)
	if err == nil {
		e.publish(Event{Type: EventTaskUpdated, TaskID: taskID, Task: &task, At: now})
	}
	for _, id := range activated {
		if dep, depErr := e.store.GetTask(ctx, id); depErr == nil {
			d := dep
			e.publish(Event{Type: EventTaskUpdated, TaskID: id, Task: &d, At: now})
		}
	}
	return task, activated, err
}

// ClaimTask atomically takes ownership of a pending, unassigned task. A false
// result means another worker won the race; callers must branch on it instead
// of treating it as a failure.
func (e *Engine) ClaimTask(ctx context.Context, taskID, agentID string) (Task, bool, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Task{}, false, fmt.Errorf("%w: agent id is required", ErrValidation)
	}

	claimed, err := e.store.ClaimTask(ctx, taskID, agentID)
	if err != nil || !claimed {
		return Task{}, false, err
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, true, err
	}
	e.publish(Event{Type: EventTaskUpdated, TaskID: taskID, Task: &task, At: time.Now().UTC()})
	return task, true, nil
}

// ReleaseTask returns an in_progress task to the pending pool.
func (e *Engine) ReleaseTask(ctx context.Context, taskID string) (bool, error) {
	released, err := e.store.ReleaseTask(ctx, taskID)
	if err != nil || !released {
		return released, err
	}
	if task, getErr := e.store.GetTask(ctx, taskID); getErr == nil {
		e.publish(Event{Type: EventTaskUpdated, TaskID: taskID, Task: &task, At: time.Now().UTC()})
	}
	return true, nil
}

func (e *Engine) AvailableWork(ctx context.Context, agentType string, limit int) ([]Task, error) {
	return e.store.AvailableWork(ctx, agentType, limit)
}

// UpdateTodo flips a todo by id and applies the aggregate roll-up rule.
func (e *Engine) UpdateTodo(ctx context.Context, taskID, todoID string, status TodoStatus) (Task, error) {
	if status != TodoStatusPending && status != TodoStatusCompleted {
		return Task{}, fmt.Errorf("%w: unknown todo status %q", ErrValidation, status)
	}
	task, err := e.store.SetTodoStatus(ctx, taskID, todoID, status)
	if err != nil {
		return Task{}, err
	}
	e.publish(Event{Type: EventTaskUpdated, TaskID: taskID, Task: &task, At: time.Now().UTC()})
	return task, nil
}

// CompleteTodo completes the earliest pending todo with the given content.
func (e *Engine) CompleteTodo(ctx context.Context, taskID, content string) (Task, string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Task{}, "", fmt.Errorf("%w: todo content is required", ErrValidation)
	}
	task, todoID, err := e.store.CompleteTodoByContent(ctx, taskID, content)
	if err != nil {
		return Task{}, "", err
	}
	e.publish(Event{Type: EventTaskUpdated, TaskID: taskID, Task: &task, At: time.Now().UTC()})
	return task, todoID, nil
}

func (e *Engine) DeleteTask(ctx context.Context, taskID string) error {
	if err := e.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	e.publish(Event{Type: EventTaskDeleted, TaskID: taskID, At: time.Now().UTC()})
	return nil
}

func (e *Engine) Close() error {
	return e.store.Close()
}
