package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process store for local/dev use and tests. A single
// mutex gives every operation the same all-or-nothing visibility the postgres
// store gets from transactions.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	todos map[string][]*Todo
	deps  map[string][]string // task id -> ids it depends on
	rdeps map[string][]string // task id -> ids depending on it
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
		todos: make(map[string][]*Todo),
		deps:  make(map[string][]string),
		rdeps: make(map[string][]string),
	}
}

func (s *MemoryStore) CreateTask(_ context.Context, task Task, todos []Todo, dependsOn []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []string
	for _, dep := range dependsOn {
		if _, ok := s.tasks[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &DependencyNotFoundError{Missing: missing}
	}

	t := task
	s.tasks[task.ID] = &t
	for i := range todos {
		td := todos[i]
		s.todos[task.ID] = append(s.todos[task.ID], &td)
	}
	for _, dep := range dependsOn {
		s.deps[task.ID] = append(s.deps[task.ID], dep)
		s.rdeps[dep] = append(s.rdeps[dep], task.ID)
	}
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return *t, nil
}

func (s *MemoryStore) ListTodos(_ context.Context, taskID string) ([]Todo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, ErrNotFound
	}
	arr := s.todos[taskID]
	out := make([]Todo, 0, len(arr))
	for _, td := range arr {
		out = append(out, *td)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (s *MemoryStore) ListDependencies(_ context.Context, taskID string) ([]Dependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Dependency, 0, len(s.deps[taskID]))
	for _, dep := range s.deps[taskID] {
		out = append(out, Dependency{TaskID: taskID, DependsOnTaskID: dep})
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, taskID string, status Status, meta StatusMeta) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	t.Status = status
	t.UpdatedAt = now
	if meta.Assignee != "" {
		t.Assignee = meta.Assignee
	}
	if meta.ClaimedAt != nil {
		t.ClaimedAt = meta.ClaimedAt
	}

	if !status.Terminal() {
		return nil, nil
	}
	return s.activateDependentsLocked(taskID, now), nil
}

// activateDependentsLocked flips blocked dependents of taskID to pending once
// all of their dependencies are terminal. Failed prerequisites count as
// resolved too; see the release policy note in DESIGN.md.
func (s *MemoryStore) activateDependentsLocked(taskID string, now time.Time) []string {
	var activated []string
	for _, depID := range s.rdeps[taskID] {
		dep, ok := s.tasks[depID]
		if !ok || dep.Status != StatusBlocked {
			continue
		}
		unresolved := 0
		for _, p := range s.deps[depID] {
			parent, ok := s.tasks[p]
			if !ok || !parent.Status.Terminal() {
				unresolved++
			}
		}
		if unresolved == 0 {
			dep.Status = StatusPending
			dep.UpdatedAt = now
			activated = append(activated, depID)
		}
	}
	sort.Strings(activated)
	return activated
}

func (s *MemoryStore) ClaimTask(_ context.Context, taskID, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Mirrors the conditional-update semantics of the SQL store: a missing
	// row and a lost race are both just "not claimed".
	t, ok := s.tasks[taskID]
	if !ok {
		return false, nil
	}
	if t.Status != StatusPending || t.Assignee != "" {
		return false, nil
	}
	now := time.Now().UTC()
	t.Status = StatusInProgress
	t.Assignee = agentID
	t.ClaimedAt = &now
	t.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) ReleaseTask(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return false, nil
	}
	if t.Status != StatusInProgress {
		return false, nil
	}
	t.Status = StatusPending
	t.Assignee = ""
	t.ClaimedAt = nil
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) AvailableWork(_ context.Context, agentType string, limit int) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Task
	for _, t := range s.tasks {
		if t.Status != StatusPending || t.Assignee != "" {
			continue
		}
		if agentType != "" && t.AgentType != "" && t.AgentType != agentType {
			continue
		}
		unresolved := 0
		for _, p := range s.deps[t.ID] {
			parent, ok := s.tasks[p]
			if !ok || !parent.Status.Terminal() {
				unresolved++
			}
		}
		if unresolved > 0 {
			continue
		}
		out = append(out, *t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SetTodoStatus(_ context.Context, taskID, todoID string, status TodoStatus) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	var target *Todo
	for _, td := range s.todos[taskID] {
		if td.ID == todoID {
			target = td
			break
		}
	}
	if target == nil {
		return Task{}, ErrNotFound
	}
	target.Status = status
	s.recomputeAggregateLocked(t)
	return *t, nil
}

func (s *MemoryStore) CompleteTodoByContent(_ context.Context, taskID, content string) (Task, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, "", ErrNotFound
	}

	candidates := append([]*Todo(nil), s.todos[taskID]...)
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].SortOrder < candidates[j].SortOrder })
	for _, td := range candidates {
		if td.Content == content && td.Status == TodoStatusPending {
			td.Status = TodoStatusCompleted
			s.recomputeAggregateLocked(t)
			return *t, td.ID, nil
		}
	}
	return Task{}, "", ErrNotFound
}

// recomputeAggregateLocked applies the todo roll-up rule after a flip: all
// todos completed means the task is completed, anything less means work is
// still in progress. Workflow tasks keep their dependency-driven status.
func (s *MemoryStore) recomputeAggregateLocked(t *Task) {
	if t.UsesWorkflowStatus() {
		return
	}
	todos := s.todos[t.ID]
	if len(todos) == 0 {
		return
	}
	done := 0
	for _, td := range todos {
		if td.Status == TodoStatusCompleted {
			done++
		}
	}
	if done == len(todos) {
		t.Status = StatusCompleted
	} else {
		t.Status = StatusInProgress
	}
	t.UpdatedAt = time.Now().UTC()
}

func (s *MemoryStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, taskID)
	delete(s.todos, taskID)
	for _, dep := range s.deps[taskID] {
		s.rdeps[dep] = removeID(s.rdeps[dep], taskID)
	}
	delete(s.deps, taskID)
	for _, dependent := range s.rdeps[taskID] {
		s.deps[dependent] = removeID(s.deps[dependent], taskID)
	}
	delete(s.rdeps, taskID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
