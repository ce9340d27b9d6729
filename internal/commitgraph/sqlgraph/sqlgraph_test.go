package sqlgraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ngaut/planengine/internal/commitgraph"
	"github.com/ngaut/planengine/internal/planmodel"
)

func newGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestGraph_OpenCreatesInitialCommit(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	hash, err := g.GetCurrentCommitHash(ctx, "task-1")
	require.NoError(t, err)
	require.NotEmpty(t, hash)
}

func TestGraph_UpdateStateThenCommitChanges(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	state := planmodel.VMState{Goal: "summarize", Variables: map[string]any{"x": "1"}}
	require.NoError(t, g.UpdateState(ctx, "task-1", state))

	hash, err := g.CommitChanges(ctx, "task-1", planmodel.CommitMessage{
		Type: planmodel.CommitStepExecution, SeqNo: 0, Description: "first step",
	})
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	row, err := g.GetCommit(ctx, "task-1", hash)
	require.NoError(t, err)
	require.Equal(t, "summarize", row.VMState.Goal)
}

func TestGraph_CommitChangesWithNoChangesReturnsSentinel(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	_, err := g.CommitChanges(ctx, "task-1", planmodel.CommitMessage{Description: "no-op"})
	require.ErrorIs(t, err, commitgraph.ErrNoChanges)
}

func TestGraph_CheckoutBranchSwitchesToExistingBranch(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	head, err := g.GetCurrentCommitHash(ctx, "task-1")
	require.NoError(t, err)
	require.NoError(t, g.CheckoutBranchFromCommit(ctx, "task-1", "experiment", head))
	require.NoError(t, g.CheckoutBranch(ctx, "task-1", "main"))
	require.NoError(t, g.CheckoutBranch(ctx, "task-1", "experiment"))

	current, err := g.GetCurrentBranch(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "experiment", current)
}

func TestGraph_DeleteBranchRefusesOnlyBranch(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	err := g.DeleteBranch(ctx, "task-1", "main")
	require.ErrorIs(t, err, commitgraph.ErrOnlyBranch)
}

func TestGraph_MarkMilestoneIsListable(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	hash, err := g.GetCurrentCommitHash(ctx, "task-1")
	require.NoError(t, err)
	require.NoError(t, g.MarkMilestone(ctx, "task-1", hash, "checkpoint-1"))

	milestones, err := g.ListMilestones(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, milestones, 1)
	require.Equal(t, "checkpoint-1", milestones[0].Label)
}

func TestGraph_TasksAreIsolatedByID(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	require.NoError(t, g.UpdateState(ctx, "task-a", planmodel.VMState{Goal: "a"}))
	_, err := g.CommitChanges(ctx, "task-a", planmodel.CommitMessage{Description: "a"})
	require.NoError(t, err)

	hashB, err := g.GetCurrentCommitHash(ctx, "task-b")
	require.NoError(t, err)
	rowB, err := g.GetCommit(ctx, "task-b", hashB)
	require.NoError(t, err)
	require.Empty(t, rowB.VMState.Goal, "task-b must not see task-a's staged state")
}
