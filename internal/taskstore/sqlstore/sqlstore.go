// Package sqlstore is the relational Task persistence back end, matching
// the `tasks`/`labels`/`namespaces` table layout used in production. It also
// implements labelclassifier.Store directly against the same tables.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ngaut/planengine/internal/planmodel"
	"github.com/ngaut/planengine/internal/taskstore"
)

//go:embed schema.sql
var schemaSQL string

// Store is a database/sql-backed implementation of taskstore.Store and
// labelclassifier.Store sharing one database.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens a sqlite3 database at path, applying
// the embedded schema.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlstore: create dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, taskID string) (planmodel.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, goal, status, meta, best_plan, namespace, label,
		evaluation_status, evaluation_reason, human_evaluation_status, human_evaluation_reason,
		created_at, updated_at FROM tasks WHERE id = ?`, taskID)
	return scanTask(row)
}

func (s *Store) Save(ctx context.Context, task planmodel.Task) error {
	meta, err := json.Marshal(task.Meta)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal meta: %w", err)
	}
	bestPlan, err := json.Marshal(task.BestPlan)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal best_plan: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET goal=?, status=?, meta=?, best_plan=?, namespace=?,
		label=?, evaluation_status=?, evaluation_reason=?, human_evaluation_status=?,
		human_evaluation_reason=?, updated_at=? WHERE id=?`,
		task.Goal, task.Status, string(meta), string(bestPlan), task.Namespace, task.Label,
		task.EvaluationStatus, task.EvaluationReason, task.HumanEvaluationStatus, task.HumanEvaluationReason,
		time.Now(), task.ID)
	if err != nil {
		return fmt.Errorf("sqlstore: save: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlstore: task %q not found", task.ID)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, task planmodel.Task) (planmodel.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = planmodel.TaskPending
	}
	if task.EvaluationStatus == "" {
		task.EvaluationStatus = planmodel.EvalNotEvaluated
	}
	if task.HumanEvaluationStatus == "" {
		task.HumanEvaluationStatus = planmodel.EvalNotEvaluated
	}
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt

	meta, err := json.Marshal(task.Meta)
	if err != nil {
		return planmodel.Task{}, fmt.Errorf("sqlstore: marshal meta: %w", err)
	}
	bestPlan, err := json.Marshal(task.BestPlan)
	if err != nil {
		return planmodel.Task{}, fmt.Errorf("sqlstore: marshal best_plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (id, goal, status, meta, best_plan, namespace, label,
		evaluation_status, evaluation_reason, human_evaluation_status, human_evaluation_reason,
		created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		task.ID, task.Goal, task.Status, string(meta), string(bestPlan), task.Namespace, task.Label,
		task.EvaluationStatus, task.EvaluationReason, task.HumanEvaluationStatus, task.HumanEvaluationReason,
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return planmodel.Task{}, fmt.Errorf("sqlstore: create: %w", err)
	}
	return task, nil
}

func (s *Store) List(ctx context.Context, limit, offset int) (taskstore.Page, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&total); err != nil {
		return taskstore.Page{}, fmt.Errorf("sqlstore: count: %w", err)
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, goal, status, meta, best_plan, namespace, label,
		evaluation_status, evaluation_reason, human_evaluation_status, human_evaluation_reason,
		created_at, updated_at FROM tasks ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return taskstore.Page{}, fmt.Errorf("sqlstore: list: %w", err)
	}
	defer rows.Close()
	items, err := scanTasks(rows)
	if err != nil {
		return taskstore.Page{}, err
	}
	return taskstore.Page{Items: items, Total: total}, nil
}

func (s *Store) ListEvaluation(ctx context.Context, filter taskstore.EvaluationFilter) ([]planmodel.Task, error) {
	query := `SELECT id, goal, status, meta, best_plan, namespace, label,
		evaluation_status, evaluation_reason, human_evaluation_status, human_evaluation_reason,
		created_at, updated_at FROM tasks WHERE 1=1`
	var args []any
	if !filter.StartTime.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, filter.EndTime)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND evaluation_status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list evaluation: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) ListBestPlans(ctx context.Context, limit, offset int) (taskstore.Page, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE best_plan != '[]'`).Scan(&total); err != nil {
		return taskstore.Page{}, fmt.Errorf("sqlstore: count best plans: %w", err)
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, goal, status, meta, best_plan, namespace, label,
		evaluation_status, evaluation_reason, human_evaluation_status, human_evaluation_reason,
		created_at, updated_at FROM tasks WHERE best_plan != '[]' ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return taskstore.Page{}, fmt.Errorf("sqlstore: list best plans: %w", err)
	}
	defer rows.Close()
	items, err := scanTasks(rows)
	if err != nil {
		return taskstore.Page{}, err
	}
	return taskstore.Page{Items: items, Total: total}, nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (planmodel.Task, error) {
	var t planmodel.Task
	var meta, bestPlan string
	if err := row.Scan(&t.ID, &t.Goal, &t.Status, &meta, &bestPlan, &t.Namespace, &t.Label,
		&t.EvaluationStatus, &t.EvaluationReason, &t.HumanEvaluationStatus, &t.HumanEvaluationReason,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return planmodel.Task{}, fmt.Errorf("sqlstore: task not found: %w", err)
		}
		return planmodel.Task{}, fmt.Errorf("sqlstore: scan task: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &t.Meta); err != nil {
		return planmodel.Task{}, fmt.Errorf("sqlstore: decode meta: %w", err)
	}
	if err := json.Unmarshal([]byte(bestPlan), &t.BestPlan); err != nil {
		return planmodel.Task{}, fmt.Errorf("sqlstore: decode best_plan: %w", err)
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]planmodel.Task, error) {
	var out []planmodel.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
