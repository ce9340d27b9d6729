package fsgraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ngaut/planengine/internal/commitgraph"
	"github.com/ngaut/planengine/internal/planmodel"
)

func newGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := Open(t.TempDir())
	require.NoError(t, err)
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
	require.NoError(t, g.CheckoutBranch(ctx, "task-1", defaultBranch))
	require.NoError(t, g.CheckoutBranch(ctx, "task-1", "experiment"))

	current, err := g.GetCurrentBranch(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "experiment", current)
}

func TestGraph_ListBranchesIncludesMain(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	head, err := g.GetCurrentCommitHash(ctx, "task-1")
	require.NoError(t, err)
	require.NoError(t, g.CheckoutBranchFromCommit(ctx, "task-1", "experiment", head))

	branches, err := g.ListBranches(ctx, "task-1")
	require.NoError(t, err)
	names := make([]string, len(branches))
	for i, b := range branches {
		names[i] = b.Name
	}
	require.Contains(t, names, defaultBranch)
	require.Contains(t, names, "experiment")
}

func TestGraph_DeleteBranchRemovesIt(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	head, err := g.GetCurrentCommitHash(ctx, "task-1")
	require.NoError(t, err)
	require.NoError(t, g.CheckoutBranchFromCommit(ctx, "task-1", "experiment", head))
	require.NoError(t, g.CheckoutBranch(ctx, "task-1", defaultBranch))
	require.NoError(t, g.DeleteBranch(ctx, "task-1", "experiment"))

	branches, err := g.ListBranches(ctx, "task-1")
	require.NoError(t, err)
	for _, b := range branches {
		require.NotEqual(t, "experiment", b.Name)
	}
}

func TestGraph_DeleteBranchRefusesOnlyBranch(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	err := g.DeleteBranch(ctx, "task-1", defaultBranch)
	require.ErrorIs(t, err, commitgraph.ErrOnlyBranch)
}

func TestGraph_GetParentCommitHashOfInitialCommitIsEmpty(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	root, err := g.GetCurrentCommitHash(ctx, "task-1")
	require.NoError(t, err)

	parent, err := g.GetParentCommitHash(ctx, "task-1", root)
	require.NoError(t, err)
	require.Empty(t, parent)
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
