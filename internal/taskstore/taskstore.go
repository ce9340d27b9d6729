// Package taskstore defines the Task persistence contract used by the
// Task Manager and the HTTP surface, plus two implementations: an
// in-process map for tests and single-process deployments, and a
// relational store matching the `tasks` table layout for production use
// alongside the SQL commit-graph back end.
package taskstore

import (
	"context"
	"time"

	"github.com/ngaut/planengine/internal/planmodel"
)

// Page is a limit/offset window over a listing, along with the total
// matching row count for client-side pagination controls.
type Page struct {
	Items []planmodel.Task
	Total int
}

// EvaluationFilter narrows GET /api/tasks/evaluation.
type EvaluationFilter struct {
	StartTime time.Time
	EndTime   time.Time
	Statuses  []planmodel.EvaluationStatus
}

// Store is the full Task persistence contract: the taskmanager.TaskStore
// pair (Get/Save) plus the listing operations the HTTP surface needs.
type Store interface {
	Get(ctx context.Context, taskID string) (planmodel.Task, error)
	Save(ctx context.Context, task planmodel.Task) error
	Create(ctx context.Context, task planmodel.Task) (planmodel.Task, error)
	List(ctx context.Context, limit, offset int) (Page, error)
	ListEvaluation(ctx context.Context, filter EvaluationFilter) ([]planmodel.Task, error)
	ListBestPlans(ctx context.Context, limit, offset int) (Page, error)
}
