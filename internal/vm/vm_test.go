package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ngaut/planengine/internal/commitgraph"
	"github.com/ngaut/planengine/internal/instructions"
	"github.com/ngaut/planengine/internal/llm"
	"github.com/ngaut/planengine/internal/planmodel"
	"github.com/ngaut/planengine/internal/telemetry"
	"github.com/ngaut/planengine/internal/toolregistry"
)

// fakeGraph records the last UpdateState/CommitChanges call and otherwise
// satisfies commitgraph.Graph with no-op implementations.
type fakeGraph struct {
	lastState   planmodel.VMState
	commitCount int
	noChanges   bool
}

func (g *fakeGraph) ListBranches(ctx context.Context, taskID string) ([]planmodel.BranchSummary, error) {
	return nil, nil
}
func (g *fakeGraph) CheckoutBranch(ctx context.Context, taskID, name string) error { return nil }
func (g *fakeGraph) DeleteBranch(ctx context.Context, taskID, name string) error   { return nil }
func (g *fakeGraph) CheckoutBranchFromCommit(ctx context.Context, taskID, name, hash string) error {
	return nil
}
func (g *fakeGraph) GetCurrentBranch(ctx context.Context, taskID string) (string, error) {
	return "main", nil
}
func (g *fakeGraph) GetCurrentCommitHash(ctx context.Context, taskID string) (string, error) {
	return "root", nil
}
func (g *fakeGraph) GetParentCommitHash(ctx context.Context, taskID, hash string) (string, error) {
	return "", nil
}
func (g *fakeGraph) GetCommitHashes(ctx context.Context, taskID, branch string) ([]string, error) {
	return nil, nil
}
func (g *fakeGraph) GetCommits(ctx context.Context, taskID, branch string) ([]planmodel.CommitRow, error) {
	return nil, nil
}
func (g *fakeGraph) GetCommit(ctx context.Context, taskID, hash string) (planmodel.CommitRow, error) {
	return planmodel.CommitRow{}, nil
}
func (g *fakeGraph) GetLatestCommit(ctx context.Context, taskID, branch string) (planmodel.CommitRow, error) {
	return planmodel.CommitRow{}, nil
}
func (g *fakeGraph) LoadState(ctx context.Context, taskID, hash string) (planmodel.VMState, error) {
	return planmodel.VMState{}, nil
}
func (g *fakeGraph) UpdateState(ctx context.Context, taskID string, state planmodel.VMState) error {
	g.lastState = state
	return nil
}
func (g *fakeGraph) CommitChanges(ctx context.Context, taskID string, message planmodel.CommitMessage) (string, error) {
	g.commitCount++
	if g.noChanges {
		return "", commitgraph.ErrNoChanges
	}
	return "hash-1", nil
}
func (g *fakeGraph) GetStateDiff(ctx context.Context, taskID, hash string) (string, error) {
	return "", nil
}
func (g *fakeGraph) MarkMilestone(ctx context.Context, taskID, hash, label string) error { return nil }
func (g *fakeGraph) ListMilestones(ctx context.Context, taskID string) ([]commitgraph.Milestone, error) {
	return nil, nil
}

type silentLLM struct{}

func (silentLLM) Generate(ctx context.Context, prompt string) (llm.Response, error) {
	return llm.Response{}, nil
}
func (silentLLM) GenerateStream(ctx context.Context, prompt string) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}

func newVM(t *testing.T, plan []planmodel.PlanStep, graph commitgraph.Graph) *VM {
	t.Helper()
	deps := instructions.Deps{Tools: toolregistry.New(), LLM: silentLLM{}}
	state := planmodel.VMState{CurrentPlan: plan, Variables: map[string]any{}, VariablesRefs: map[string]int{}}
	return New("task-1", state, graph, deps, 2, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
}

func TestStep_AssignStepAdvancesProgramCounterAndCommits(t *testing.T) {
	graph := &fakeGraph{}
	plan := []planmodel.PlanStep{
		{SeqNo: 0, Type: planmodel.StepAssign, Parameters: map[string]any{"x": "1"}},
		// The later reference keeps x alive through garbage collection.
		{SeqNo: 1, Type: planmodel.StepAssign, Parameters: map[string]any{"y": "${x}"}},
	}
	vmInstance := newVM(t, plan, graph)

	outcome, err := vmInstance.Step(context.Background())
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, "hash-1", outcome.CommitHash)
	require.Equal(t, 1, vmInstance.State().ProgramCounter)
	require.Equal(t, "1", graph.lastState.Variables["x"])
}

func TestStep_FinalAnswerAssignMarksGoalCompleted(t *testing.T) {
	graph := &fakeGraph{}
	plan := []planmodel.PlanStep{
		{SeqNo: 0, Type: planmodel.StepAssign, Parameters: map[string]any{"final_answer": "done"}},
	}
	vmInstance := newVM(t, plan, graph)

	_, err := vmInstance.Step(context.Background())
	require.NoError(t, err)
	require.True(t, vmInstance.State().GoalCompleted)
}

func TestStep_FinalAnswerSurvivesGarbageCollectionIntoCommittedState(t *testing.T) {
	graph := &fakeGraph{}
	plan := []planmodel.PlanStep{
		{SeqNo: 0, Type: planmodel.StepAssign, Parameters: map[string]any{"final_answer": "done"}},
	}
	vmInstance := newVM(t, plan, graph)

	_, err := vmInstance.Step(context.Background())
	require.NoError(t, err)

	// final_answer has no later references (refs == 0), so it would be
	// deleted by GarbageCollect unless the VM floors its ref count.
	require.Equal(t, "done", vmInstance.State().Variables["final_answer"])
	require.Equal(t, "done", graph.lastState.Variables["final_answer"])
}

func TestStep_JmpTargetSeqJumpsProgramCounter(t *testing.T) {
	graph := &fakeGraph{}
	plan := []planmodel.PlanStep{
		{SeqNo: 0, Type: planmodel.StepJmp, Parameters: map[string]any{"target_seq": 2}},
		{SeqNo: 1, Type: planmodel.StepAssign, Parameters: map[string]any{"skipped": "yes"}},
		{SeqNo: 2, Type: planmodel.StepAssign, Parameters: map[string]any{"landed": "yes"}},
	}
	vmInstance := newVM(t, plan, graph)

	outcome, err := vmInstance.Step(context.Background())
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, 2, vmInstance.State().ProgramCounter)
}

func TestStep_FailedStepRecordsErrorAndDoesNotAdvance(t *testing.T) {
	graph := &fakeGraph{}
	plan := []planmodel.PlanStep{
		{SeqNo: 0, Type: planmodel.StepAssign, Parameters: map[string]any{}},
	}
	vmInstance := newVM(t, plan, graph)

	outcome, err := vmInstance.Step(context.Background())
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.NotNil(t, outcome.Err)
	require.Equal(t, 0, vmInstance.State().ProgramCounter)
	require.Len(t, vmInstance.State().Errors, 1)
}

func TestStep_ProgramCounterPastEndOfPlanErrors(t *testing.T) {
	graph := &fakeGraph{}
	plan := []planmodel.PlanStep{
		{SeqNo: 0, Type: planmodel.StepAssign, Parameters: map[string]any{"x": "1"}},
	}
	vmInstance := newVM(t, plan, graph)

	_, err := vmInstance.Step(context.Background())
	require.NoError(t, err)
	_, err = vmInstance.Step(context.Background())
	require.Error(t, err)
}

func TestStep_NoChangesCommitIsNotAnError(t *testing.T) {
	graph := &fakeGraph{noChanges: true}
	plan := []planmodel.PlanStep{
		{SeqNo: 0, Type: planmodel.StepReasoning, Parameters: map[string]any{
			"chain_of_thoughts":   "thinking",
			"dependency_analysis": "none",
		}},
	}
	vmInstance := newVM(t, plan, graph)

	outcome, err := vmInstance.Step(context.Background())
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Empty(t, outcome.CommitHash)
}

func TestParseFinalAnswer_FindsAssignStep(t *testing.T) {
	plan := []planmodel.PlanStep{
		{SeqNo: 0, Type: planmodel.StepReasoning},
		{SeqNo: 1, Type: planmodel.StepAssign, Parameters: map[string]any{"final_answer": "x"}},
	}
	require.Equal(t, 1, ParseFinalAnswer(plan))
}

func TestParseFinalAnswer_FindsCallingStepProducingFinalAnswer(t *testing.T) {
	plan := []planmodel.PlanStep{
		{SeqNo: 0, Type: planmodel.StepCalling, Parameters: map[string]any{
			"output_vars": []any{"final_answer"},
		}},
	}
	require.Equal(t, 0, ParseFinalAnswer(plan))
}

func TestParseFinalAnswer_NoProducerReturnsNegativeOne(t *testing.T) {
	plan := []planmodel.PlanStep{{SeqNo: 0, Type: planmodel.StepReasoning}}
	require.Equal(t, -1, ParseFinalAnswer(plan))
}

func TestParseDependencies_MapsNameToProducingSeqNo(t *testing.T) {
	plan := []planmodel.PlanStep{
		{SeqNo: 0, Type: planmodel.StepCalling, Parameters: map[string]any{
			"output_vars": []any{"a", "b"},
		}},
		{SeqNo: 1, Type: planmodel.StepCalling, Parameters: map[string]any{
			"output_vars": []any{"c"},
		}},
	}
	got := ParseDependencies(plan, []string{"a", "c", "missing"})
	require.Equal(t, 0, got["a"])
	require.Equal(t, 1, got["c"])
	require.NotContains(t, got, "missing")
}

func TestRecalculateVariableRefs_CountsReferencesFromProgramCounterForward(t *testing.T) {
	graph := &fakeGraph{}
	plan := []planmodel.PlanStep{
		{SeqNo: 0, Type: planmodel.StepAssign, Parameters: map[string]any{"unused": "0"}},
		{SeqNo: 1, Type: planmodel.StepCalling, Parameters: map[string]any{
			"tool_name":   "noop",
			"output_vars": []any{"ignored"},
			"tool_params": map[string]any{"arg": "${shared}"},
		}},
	}
	vmInstance := newVM(t, plan, graph)
	vmInstance.vars.Set("shared", "value", 0)
	vmInstance.state.ProgramCounter = 0

	vmInstance.RecalculateVariableRefs()
	_, refs := vmInstance.vars.GetAll()
	require.Equal(t, 1, refs["shared"])
}
