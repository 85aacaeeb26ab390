package engine

import "time"

type Status string

const (
	StatusBlocked    Status = "blocked"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusBlocked, StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal statuses resolve dependencies and are never exited.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type TodoStatus string

const (
	TodoStatusPending   TodoStatus = "pending"
	TodoStatusCompleted TodoStatus = "completed"
)

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	WorkflowID  string     `json:"workflow_id,omitempty"`
	StepID      string     `json:"step_id,omitempty"`
	AgentType   string     `json:"agent_type,omitempty"`
	Priority    int        `json:"priority"`
	Assignee    string     `json:"assignee,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Workflow tasks derive status from dependency resolution, not from todos.
func (t Task) UsesWorkflowStatus() bool {
	return t.WorkflowID != ""
}

type Todo struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Content   string     `json:"content"`
	Status    TodoStatus `json:"status"`
	SortOrder int        `json:"sort_order"`
}

// Dependency is a directed edge: TaskID cannot activate until DependsOnTaskID
// reaches a terminal status.
type Dependency struct {
	TaskID          string `json:"task_id"`
	DependsOnTaskID string `json:"depends_on_task_id"`
}

type CreateRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status,omitempty"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
	StepID      string   `json:"step_id,omitempty"`
	AgentType   string   `json:"agent_type,omitempty"`
	Priority    int      `json:"priority"`
	Todos       []string `json:"todos,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// StatusMeta carries optional assignment fields updated together with a status.
type StatusMeta struct {
	Assignee  string
	ClaimedAt *time.Time
}

type EventType string

const (
	EventTaskCreated EventType = "task_created"
	EventTaskUpdated EventType = "task_updated"
	EventTaskDeleted EventType = "task_deleted"
)

type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`
	Task   *Task     `json:"task,omitempty"`
	At     time.Time `json:"at"`
}
