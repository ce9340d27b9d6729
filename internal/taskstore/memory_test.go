package taskstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ngaut/planengine/internal/planmodel"
)

func TestMemory_CreateAssignsIDAndDefaults(t *testing.T) {
	m := NewMemory()
	task, err := m.Create(context.Background(), planmodel.Task{Goal: "summarize the repo"})
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
	require.Equal(t, planmodel.TaskPending, task.Status)
	require.Equal(t, planmodel.EvalNotEvaluated, task.EvaluationStatus)
	require.False(t, task.CreatedAt.IsZero())
}

func TestMemory_GetUnknownTaskErrors(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), "missing")
	require.Error(t, err)
}

func TestMemory_SaveUpdatesExistingTask(t *testing.T) {
	m := NewMemory()
	task, err := m.Create(context.Background(), planmodel.Task{Goal: "goal"})
	require.NoError(t, err)

	task.Status = planmodel.TaskCompleted
	require.NoError(t, m.Save(context.Background(), task))

	got, err := m.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, planmodel.TaskCompleted, got.Status)
}

func TestMemory_SaveUnknownTaskErrors(t *testing.T) {
	m := NewMemory()
	err := m.Save(context.Background(), planmodel.Task{ID: "ghost"})
	require.Error(t, err)
}

func TestMemory_CreateDuplicateIDErrors(t *testing.T) {
	m := NewMemory()
	task, err := m.Create(context.Background(), planmodel.Task{ID: "fixed-id", Goal: "goal"})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), planmodel.Task{ID: task.ID, Goal: "other"})
	require.Error(t, err)
}

func TestMemory_ListReturnsAllCreatedTasks(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 3; i++ {
		_, err := m.Create(context.Background(), planmodel.Task{Goal: "goal"})
		require.NoError(t, err)
	}

	page, err := m.List(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 3)
}

func TestMemory_ListRespectsLimitAndOffset(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 5; i++ {
		_, err := m.Create(context.Background(), planmodel.Task{Goal: "goal"})
		require.NoError(t, err)
	}

	page, err := m.List(context.Background(), 2, 1)
	require.NoError(t, err)
	require.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
}

func TestMemory_ListBestPlansOnlyReturnsTasksWithAPlan(t *testing.T) {
	m := NewMemory()
	withPlan, err := m.Create(context.Background(), planmodel.Task{
		Goal:     "goal",
		BestPlan: []planmodel.PlanStep{{SeqNo: 0, Type: planmodel.StepReasoning}},
	})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), planmodel.Task{Goal: "no plan yet"})
	require.NoError(t, err)

	page, err := m.ListBestPlans(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, withPlan.ID, page.Items[0].ID)
}

func TestMemory_ListEvaluationFiltersByStatus(t *testing.T) {
	m := NewMemory()
	approved, err := m.Create(context.Background(), planmodel.Task{Goal: "goal"})
	require.NoError(t, err)
	approved.EvaluationStatus = planmodel.EvalApproved
	require.NoError(t, m.Save(context.Background(), approved))

	_, err = m.Create(context.Background(), planmodel.Task{Goal: "other"})
	require.NoError(t, err)

	out, err := m.ListEvaluation(context.Background(), EvaluationFilter{
		Statuses: []planmodel.EvaluationStatus{planmodel.EvalApproved},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, approved.ID, out[0].ID)
}
