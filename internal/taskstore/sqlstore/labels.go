package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ngaut/planengine/internal/planmodel"
)

// LoadLabels returns every label in namespace, used by labelclassifier to
// build its in-memory tree for one GenerateLabelPath call.
func (s *Store) LoadLabels(ctx context.Context, namespace string) ([]planmodel.Label, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, best_practices, parent_id, namespace_name
		FROM labels WHERE namespace_name = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load labels: %w", err)
	}
	defer rows.Close()

	var out []planmodel.Label
	for rows.Next() {
		var l planmodel.Label
		if err := rows.Scan(&l.ID, &l.Name, &l.Description, &l.BestPractices, &l.ParentID, &l.Namespace); err != nil {
			return nil, fmt.Errorf("sqlstore: scan label: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// TasksUnderLabel returns every task currently attached to labelID.
func (s *Store) TasksUnderLabel(ctx context.Context, namespace, labelID string) ([]planmodel.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, goal, status, meta, best_plan, namespace, label,
		evaluation_status, evaluation_reason, human_evaluation_status, human_evaluation_reason,
		created_at, updated_at FROM tasks WHERE namespace = ? AND label = ?`, namespace, labelID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: tasks under label: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// InsertLabelPath creates any labels along path missing from namespace's
// tree and returns the leaf's ID.
func (s *Store) InsertLabelPath(ctx context.Context, namespace string, path []string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlstore: insert label path: %w", err)
	}
	defer tx.Rollback()

	parentID := ""
	for _, name := range path {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		var existingID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM labels WHERE namespace_name = ? AND parent_id = ? AND name = ?`,
			namespace, parentID, name).Scan(&existingID)
		switch {
		case err == nil:
			parentID = existingID
		case strings.Contains(err.Error(), "no rows"):
			newID := uuid.NewString()
			if _, err := tx.ExecContext(ctx, `INSERT INTO labels (id, name, description, best_practices, parent_id, namespace_name)
				VALUES (?,?,?,?,?,?)`, newID, name, "", "", parentID, namespace); err != nil {
				return "", fmt.Errorf("sqlstore: insert label %q: %w", name, err)
			}
			parentID = newID
		default:
			return "", fmt.Errorf("sqlstore: lookup label %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlstore: insert label path: commit: %w", err)
	}
	return parentID, nil
}

// AttachTask records labelID as taskID's classifier outcome.
func (s *Store) AttachTask(ctx context.Context, namespace, labelID, taskID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET namespace = ?, label = ? WHERE id = ?`, namespace, labelID, taskID)
	if err != nil {
		return fmt.Errorf("sqlstore: attach task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlstore: attach task: task %q not found", taskID)
	}
	return nil
}
