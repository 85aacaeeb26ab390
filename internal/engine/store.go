package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound   = errors.New("task not found")
	ErrValidation = errors.New("validation failed")
)

// DependencyNotFoundError reports dependency ids that do not exist in storage.
type DependencyNotFoundError struct {
	Missing []string
}

func (e *DependencyNotFoundError) Error() string {
	return fmt.Sprintf("dependency tasks not found: %s", strings.Join(e.Missing, ", "))
}

// Store is the transactional storage collaborator for tasks, todos and
// dependency edges. Every method is atomic: multi-statement operations
// (status update plus dependency cascade, todo flip plus aggregate recompute)
// commit as one unit so observers never see a partially-cascaded graph.
type Store interface {
	// CreateTask inserts the task, its ordered todos, and one edge per
	// dependency. Dependency targets are validated against the store and a
	// *DependencyNotFoundError lists any missing ids.
	CreateTask(ctx context.Context, task Task, todos []Todo, dependsOn []string) error

	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTodos(ctx context.Context, taskID string) ([]Todo, error)
	ListDependencies(ctx context.Context, taskID string) ([]Dependency, error)

	// UpdateStatus sets status/updated_at and optional assignment metadata,
	// returning ErrNotFound when no row changed. A terminal status triggers
	// the dependency cascade in the same transaction; the returned slice
	// holds ids of dependents newly flipped to pending.
	UpdateStatus(ctx context.Context, taskID string, status Status, meta StatusMeta) ([]string, error)

	// ClaimTask performs the single conditional update that makes claiming
	// race-safe. A false result means another worker won; it is not an error.
	ClaimTask(ctx context.Context, taskID, agentID string) (bool, error)

	// ReleaseTask conditionally moves in_progress back to pending, clearing
	// assignee and claimed_at.
	ReleaseTask(ctx context.Context, taskID string) (bool, error)

	// AvailableWork returns pending, unassigned tasks matching agentType with
	// zero unresolved dependencies, ordered by priority desc then created_at
	// asc, capped at limit.
	AvailableWork(ctx context.Context, agentType string, limit int) ([]Task, error)

	// SetTodoStatus flips one todo and recomputes the parent task's aggregate
	// status in the same transaction (skipped for workflow tasks). Returns the
	// task snapshot after the recompute.
	SetTodoStatus(ctx context.Context, taskID, todoID string, status TodoStatus) (Task, error)

	// CompleteTodoByContent completes the earliest pending todo with matching
	// content; ErrNotFound when none is pending.
	CompleteTodoByContent(ctx context.Context, taskID, content string) (Task, string, error)

	DeleteTask(ctx context.Context, taskID string) error
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
