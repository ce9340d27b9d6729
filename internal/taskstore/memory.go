package taskstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ngaut/planengine/internal/planmodel"
)

// Memory is a thread-safe in-process Store, suitable for single-process
// deployments and tests.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]planmodel.Task
	order []string // insertion order, newest last
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]planmodel.Task)}
}

func (m *Memory) Get(ctx context.Context, taskID string) (planmodel.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return planmodel.Task{}, fmt.Errorf("taskstore: task %q not found", taskID)
	}
	return t, nil
}

func (m *Memory) Save(ctx context.Context, task planmodel.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return fmt.Errorf("taskstore: task %q not found", task.ID)
	}
	task.UpdatedAt = time.Now()
	m.tasks[task.ID] = task
	return nil
}

func (m *Memory) Create(ctx context.Context, task planmodel.Task) (planmodel.Task, error) {
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

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return planmodel.Task{}, fmt.Errorf("taskstore: task %q already exists", task.ID)
	}
	m.tasks[task.ID] = task
	m.order = append(m.order, task.ID)
	return task, nil
}

func (m *Memory) List(ctx context.Context, limit, offset int) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := append([]string(nil), m.order...)
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	total := len(ids)
	ids = window(ids, limit, offset)
	items := make([]planmodel.Task, 0, len(ids))
	for _, id := range ids {
		items = append(items, m.tasks[id])
	}
	return Page{Items: items, Total: total}, nil
}

func (m *Memory) ListEvaluation(ctx context.Context, filter EvaluationFilter) ([]planmodel.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []planmodel.Task
	for _, id := range m.order {
		t := m.tasks[id]
		if !filter.StartTime.IsZero() && t.CreatedAt.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && t.CreatedAt.After(filter.EndTime) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, t.EvaluationStatus) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *Memory) ListBestPlans(ctx context.Context, limit, offset int) (Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, id := range m.order {
		if len(m.tasks[id].BestPlan) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	total := len(ids)
	ids = window(ids, limit, offset)
	items := make([]planmodel.Task, 0, len(ids))
	for _, id := range ids {
		items = append(items, m.tasks[id])
	}
	return Page{Items: items, Total: total}, nil
}

func window(ids []string, limit, offset int) []string {
	if offset >= len(ids) {
		return nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}

func containsStatus(set []planmodel.EvaluationStatus, v planmodel.EvaluationStatus) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
