// Package commitgraph defines the shared contract implemented by the two
// interchangeable commit-graph back ends: fsgraph (a git-backed DAG) and
// sqlgraph (a relational DAG over commits/branches tables).
package commitgraph

import (
	"context"
	"errors"

	"github.com/ngaut/planengine/internal/planmodel"
)

// ErrNoChanges is returned by CommitChanges when nothing was staged; it is
// not a failure, merely a signal to the caller that the head is unchanged.
var ErrNoChanges = errors.New("commitgraph: no staged changes")

// ErrOnlyBranch is returned by DeleteBranch when asked to delete a task's
// only remaining branch.
var ErrOnlyBranch = errors.New("commitgraph: cannot delete the only branch")

// ErrBranchNotFound is returned by any operation addressing a branch name
// that does not exist for the task.
var ErrBranchNotFound = errors.New("commitgraph: branch not found")

// ErrCommitNotFound is returned by any operation addressing a commit hash
// that does not exist for the task.
var ErrCommitNotFound = errors.New("commitgraph: commit not found")

// Graph is the per-task commit-graph contract shared by both back ends.
// Implementations serialize write operations internally (a per-repository
// lock guards write operations for fsgraph, a single transaction for
// sqlgraph); callers do not need an external lock for a single task, but
// concurrent access to two different tasks' graphs never
// blocks each other.
type Graph interface {
	ListBranches(ctx context.Context, taskID string) ([]planmodel.BranchSummary, error)
	CheckoutBranch(ctx context.Context, taskID, name string) error
	DeleteBranch(ctx context.Context, taskID, name string) error
	CheckoutBranchFromCommit(ctx context.Context, taskID, name, hash string) error

	GetCurrentBranch(ctx context.Context, taskID string) (string, error)
	GetCurrentCommitHash(ctx context.Context, taskID string) (string, error)
	GetParentCommitHash(ctx context.Context, taskID, hash string) (string, error)
	GetCommitHashes(ctx context.Context, taskID, branch string) ([]string, error)

	GetCommits(ctx context.Context, taskID, branch string) ([]planmodel.CommitRow, error)
	GetCommit(ctx context.Context, taskID, hash string) (planmodel.CommitRow, error)
	GetLatestCommit(ctx context.Context, taskID, branch string) (planmodel.CommitRow, error)

	LoadState(ctx context.Context, taskID, hash string) (planmodel.VMState, error)
	UpdateState(ctx context.Context, taskID string, state planmodel.VMState) error
	CommitChanges(ctx context.Context, taskID string, message planmodel.CommitMessage) (string, error)

	GetStateDiff(ctx context.Context, taskID, hash string) (string, error)

	// MarkMilestone records hash as a named checkpoint commit, distinct
	// from the every-step commit stream (supplemented feature: a
	// queryable subset of noteworthy progress points).
	MarkMilestone(ctx context.Context, taskID, hash, label string) error
	ListMilestones(ctx context.Context, taskID string) ([]Milestone, error)
}

// Milestone is a named checkpoint commit.
type Milestone struct {
	Hash  string
	Label string
}
