package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			step_id TEXT NOT NULL DEFAULT '',
			agent_type TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			assignee TEXT NULL,
			claimed_at TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks (status, priority DESC, created_at ASC);`,
		`CREATE TABLE IF NOT EXISTS todos (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			status TEXT NOT NULL,
			sort_order INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_todos_task_order ON todos (task_id, sort_order);`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			depends_on_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			PRIMARY KEY (task_id, depends_on_task_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_deps_parent ON task_dependencies (depends_on_task_id);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task, todos []Todo, dependsOn []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(dependsOn) > 0 {
		rows, err := tx.Query(ctx, `SELECT id FROM tasks WHERE id = ANY($1)`, dependsOn)
		if err != nil {
			return fmt.Errorf("check dependencies: %w", err)
		}
		found := make(map[string]bool, len(dependsOn))
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan dependency id: %w", err)
			}
			found[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate dependency ids: %w", err)
		}
		var missing []string
		for _, dep := range dependsOn {
			if !found[dep] {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			return &DependencyNotFoundError{Missing: missing}
		}
	}

	var assignee *string
	if task.Assignee != "" {
		assignee = &task.Assignee
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO tasks (id, title, description, status, workflow_id, step_id, agent_type, priority, assignee, claimed_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		task.ID, task.Title, task.Description, string(task.Status),
		task.WorkflowID, task.StepID, task.AgentType, task.Priority,
		assignee, task.ClaimedAt, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	for _, td := range todos {
		_, err := tx.Exec(ctx,
			`INSERT INTO todos (id, task_id, content, status, sort_order) VALUES ($1,$2,$3,$4,$5)`,
			td.ID, task.ID, td.Content, string(td.Status), td.SortOrder,
		)
		if err != nil {
			return fmt.Errorf("insert todo: %w", err)
		}
	}

	for _, dep := range dependsOn {
		_, err := tx.Exec(ctx,
			`INSERT INTO task_dependencies (task_id, depends_on_task_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
			task.ID, dep,
		)
		if err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const taskColumns = `id, title, description, status, workflow_id, step_id, agent_type, priority, assignee, claimed_at, created_at, updated_at`

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListTodos(ctx context.Context, taskID string) ([]Todo, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, content, status, sort_order FROM todos WHERE task_id=$1 ORDER BY sort_order ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	out := make([]Todo, 0, 4)
	for rows.Next() {
		var (
			td     Todo
			status string
		)
		if err := rows.Scan(&td.ID, &td.TaskID, &td.Content, &status, &td.SortOrder); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		td.Status = TodoStatus(status)
		out = append(out, td)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate todo rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListDependencies(ctx context.Context, taskID string) ([]Dependency, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, depends_on_task_id FROM task_dependencies WHERE task_id=$1`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	var out []Dependency
	for rows.Next() {
		var d Dependency
		if err := rows.Scan(&d.TaskID, &d.DependsOnTaskID); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependency rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, taskID string, status Status, meta StatusMeta) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	var tag pgconn.CommandTag
	if meta.Assignee != "" || meta.ClaimedAt != nil {
		var assignee *string
		if meta.Assignee != "" {
			assignee = &meta.Assignee
		}
		tag, err = tx.Exec(ctx,
			`UPDATE tasks SET status=$2, updated_at=$3, assignee=COALESCE($4, assignee), claimed_at=COALESCE($5, claimed_at) WHERE id=$1`,
			taskID, string(status), now, assignee, meta.ClaimedAt,
		)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE tasks SET status=$2, updated_at=$3 WHERE id=$1`,
			taskID, string(status), now,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	var activated []string
	if status.Terminal() {
		activated, err = activateDependentsTx(ctx, tx, taskID, now)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return activated, nil
}

// activateDependentsTx flips blocked dependents whose dependencies are all
// terminal. Runs inside the caller's transaction so the cascade commits
// atomically with the status change.
func activateDependentsTx(ctx context.Context, tx pgx.Tx, taskID string, now time.Time) ([]string, error) {
	rows, err := tx.Query(ctx,
		`SELECT d.task_id FROM task_dependencies d
		   JOIN tasks t ON t.id = d.task_id
		  WHERE d.depends_on_task_id = $1 AND t.status = 'blocked'
		  ORDER BY d.task_id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("find blocked dependents: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan dependent id: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependent rows: %w", err)
	}

	var activated []string
	for _, id := range candidates {
		var unresolved int
		err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM task_dependencies d
			   JOIN tasks p ON p.id = d.depends_on_task_id
			  WHERE d.task_id = $1 AND p.status NOT IN ('completed','failed')`,
			id,
		).Scan(&unresolved)
		if err != nil {
			return nil, fmt.Errorf("count unresolved dependencies: %w", err)
		}
		if unresolved > 0 {
			continue
		}
		tag, err := tx.Exec(ctx,
			`UPDATE tasks SET status='pending', updated_at=$2 WHERE id=$1 AND status='blocked'`,
			id, now,
		)
		if err != nil {
			return nil, fmt.Errorf("activate dependent: %w", err)
		}
		if tag.RowsAffected() > 0 {
			activated = append(activated, id)
		}
	}
	return activated, nil
}

func (s *PostgresStore) ClaimTask(ctx context.Context, taskID, agentID string) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status='in_progress', assignee=$2, claimed_at=$3, updated_at=$3
		  WHERE id=$1 AND status='pending' AND assignee IS NULL`,
		taskID, agentID, now,
	)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseTask(ctx context.Context, taskID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status='pending', assignee=NULL, claimed_at=NULL, updated_at=$2
		  WHERE id=$1 AND status='in_progress'`,
		taskID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("release task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) AvailableWork(ctx context.Context, agentType string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks t
		  WHERE t.status = 'pending' AND t.assignee IS NULL
		    AND ($1 = '' OR t.agent_type = '' OR t.agent_type = $1)
		    AND NOT EXISTS (
		        SELECT 1 FROM task_dependencies d
		          JOIN tasks p ON p.id = d.depends_on_task_id
		         WHERE d.task_id = t.id AND p.status NOT IN ('completed','failed'))
		  ORDER BY t.priority DESC, t.created_at ASC
		  LIMIT $2`,
		agentType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list available work: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SetTodoStatus(ctx context.Context, taskID, todoID string, status TodoStatus) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE todos SET status=$3 WHERE id=$2 AND task_id=$1`,
		taskID, todoID, string(status),
	)
	if err != nil {
		return Task{}, fmt.Errorf("update todo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Task{}, ErrNotFound
	}

	task, err := recomputeAggregateTx(ctx, tx, taskID)
	if err != nil {
		return Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("commit tx: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) CompleteTodoByContent(ctx context.Context, taskID, content string) (Task, string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var todoID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM todos WHERE task_id=$1 AND content=$2 AND status='pending' ORDER BY sort_order ASC LIMIT 1`,
		taskID, content,
	).Scan(&todoID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Task{}, "", ErrNotFound
		}
		return Task{}, "", fmt.Errorf("find pending todo: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE todos SET status='completed' WHERE id=$1`, todoID); err != nil {
		return Task{}, "", fmt.Errorf("complete todo: %w", err)
	}

	task, err := recomputeAggregateTx(ctx, tx, taskID)
	if err != nil {
		return Task{}, "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, "", fmt.Errorf("commit tx: %w", err)
	}
	return task, todoID, nil
}

func recomputeAggregateTx(ctx context.Context, tx pgx.Tx, taskID string) (Task, error) {
	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("load task for aggregate: %w", err)
	}
	if task.UsesWorkflowStatus() {
		return task, nil
	}

	var total, done int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status='completed') FROM todos WHERE task_id=$1`,
		taskID,
	).Scan(&total, &done)
	if err != nil {
		return Task{}, fmt.Errorf("count todos: %w", err)
	}
	if total == 0 {
		return task, nil
	}

	next := StatusInProgress
	if done == total {
		next = StatusCompleted
	}
	if next == task.Status {
		return task, nil
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE tasks SET status=$2, updated_at=$3 WHERE id=$1`, taskID, string(next), now); err != nil {
		return Task{}, fmt.Errorf("update aggregate status: %w", err)
	}
	task.Status = next
	task.UpdatedAt = now
	return task, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		task     Task
		status   string
		assignee *string
		claimed  *time.Time
	)
	if err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&status,
		&task.WorkflowID,
		&task.StepID,
		&task.AgentType,
		&task.Priority,
		&assignee,
		&claimed,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	task.Status = Status(status)
	if assignee != nil {
		task.Assignee = *assignee
	}
	task.ClaimedAt = claimed
	return task, nil
}
