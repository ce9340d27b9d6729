package taskmanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ngaut/planengine/internal/commitgraph/fsgraph"
	"github.com/ngaut/planengine/internal/instructions"
	"github.com/ngaut/planengine/internal/labelclassifier"
	"github.com/ngaut/planengine/internal/llm"
	"github.com/ngaut/planengine/internal/planmodel"
	"github.com/ngaut/planengine/internal/plancache"
	"github.com/ngaut/planengine/internal/plangen"
	"github.com/ngaut/planengine/internal/telemetry"
	"github.com/ngaut/planengine/internal/taskstore"
	"github.com/ngaut/planengine/internal/toolregistry"
)

// fakeLLM returns canned responses in call order; extra calls repeat the
// last response.
type fakeLLM struct {
	responses []string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string) (llm.Response, error) {
	if len(f.responses) == 0 {
		return llm.Response{}, nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return llm.Response{Text: resp}, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, prompt string) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}

type spySink struct {
	finishReasons []string
	stepFinishes  []int
	finalAnswers  []string
}

func (s *spySink) ToolCall(seqNo int, toolCallID, toolName string, args map[string]any) {}
func (s *spySink) ToolResult(seqNo int, toolCallID string, result any)                  {}
func (s *spySink) FinalAnswerText(text string)                                          { s.finalAnswers = append(s.finalAnswers, text) }
func (s *spySink) Annotation(branch string, seqNo int)                                  {}
func (s *spySink) StepFinish(seqNo int, finishReason string)                            { s.stepFinishes = append(s.stepFinishes, seqNo) }
func (s *spySink) Finish(finishReason string)                                           { s.finishReasons = append(s.finishReasons, finishReason) }

func newManager(t *testing.T, planResponse string) (*Manager, *taskstore.Memory) {
	t.Helper()
	graph, err := fsgraph.Open(t.TempDir())
	require.NoError(t, err)

	tasks := taskstore.NewMemory()
	labels := taskstore.NewMemoryLabels(tasks)

	genFake := &fakeLLM{responses: []string{planResponse}}
	gen, err := plangen.NewGenerator(genFake, toolregistry.New(), "# spec\n\nsteps run in order.")
	require.NoError(t, err)

	classifier := labelclassifier.New(labels, &fakeLLM{responses: []string{"[]"}})
	cache := plancache.New(nil, nil, telemetry.NewNoopLogger())

	return New(graph, tasks, gen, &plangen.Optimizer{LLM: &fakeLLM{responses: []string{planResponse}}},
		classifier, cache, instructions.Deps{Tools: toolregistry.New(), LLM: &fakeLLM{}}, 2,
		telemetry.NewNoopLogger(), telemetry.NewNoopMetrics()), tasks
}

func TestExecute_RunsGeneratedPlanToCompletion(t *testing.T) {
	plan := `[{"seq_no": 0, "type": "assign", "parameters": {"final_answer": "42"}}]`
	m, tasks := newManager(t, plan)
	ctx := context.Background()

	task, err := tasks.Create(ctx, planmodel.Task{Goal: "answer the question"})
	require.NoError(t, err)

	require.NoError(t, m.Execute(ctx, task.ID, nil))

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, planmodel.TaskCompleted, got.Status)
}

func TestExecute_MarksMilestoneOnGeneratedPlanCommit(t *testing.T) {
	plan := `[{"seq_no": 0, "type": "assign", "parameters": {"final_answer": "42"}}]`
	m, tasks := newManager(t, plan)
	ctx := context.Background()

	task, err := tasks.Create(ctx, planmodel.Task{Goal: "answer the question"})
	require.NoError(t, err)
	require.NoError(t, m.Execute(ctx, task.ID, nil))

	milestones, err := m.Graph.ListMilestones(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, milestones, 1)
	require.Equal(t, "plan generated", milestones[0].Label)
}

func TestReExecute_MarksMilestoneOnSuccess(t *testing.T) {
	plan := `[{"seq_no": 0, "type": "assign", "parameters": {"final_answer": "42"}}]`
	m, tasks := newManager(t, plan)
	ctx := context.Background()

	task, err := tasks.Create(ctx, planmodel.Task{Goal: "answer the question"})
	require.NoError(t, err)
	require.NoError(t, m.Execute(ctx, task.ID, nil))

	branch, err := m.Graph.GetCurrentBranch(ctx, task.ID)
	require.NoError(t, err)
	hashes, err := m.Graph.GetCommitHashes(ctx, task.ID, branch)
	require.NoError(t, err)
	require.NoError(t, m.ReExecute(ctx, task.ID, hashes[len(hashes)-1], nil, nil))

	milestones, err := m.Graph.ListMilestones(ctx, task.ID)
	require.NoError(t, err)
	var labels []string
	for _, ms := range milestones {
		labels = append(labels, ms.Label)
	}
	require.Contains(t, labels, "re_execute succeeded")
}

func TestExecute_StreamsFinalAnswerAndFinishThroughSink(t *testing.T) {
	plan := `[{"seq_no": 0, "type": "assign", "parameters": {"final_answer": "42"}}]`
	m, tasks := newManager(t, plan)
	ctx := context.Background()

	task, err := tasks.Create(ctx, planmodel.Task{Goal: "answer the question"})
	require.NoError(t, err)

	sink := &spySink{}
	require.NoError(t, m.Execute(ctx, task.ID, sink))
	require.Equal(t, []string{"42"}, sink.finalAnswers)
	require.Equal(t, []string{"stop"}, sink.finishReasons)
}

func TestExecute_UnparseablePlanMarksTaskFailed(t *testing.T) {
	m, tasks := newManager(t, "not a plan at all")
	ctx := context.Background()

	task, err := tasks.Create(ctx, planmodel.Task{Goal: "goal"})
	require.NoError(t, err)

	err = m.Execute(ctx, task.ID, nil)
	require.Error(t, err)

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, planmodel.TaskFailed, got.Status)
}

func TestExecute_FailingStepMarksTaskFailed(t *testing.T) {
	plan := `[{"seq_no": 0, "type": "calling", "parameters": {}}]`
	m, tasks := newManager(t, plan)
	ctx := context.Background()

	task, err := tasks.Create(ctx, planmodel.Task{Goal: "goal"})
	require.NoError(t, err)

	require.NoError(t, m.Execute(ctx, task.ID, nil))

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, planmodel.TaskFailed, got.Status)
}

func TestSaveBestPlan_CopiesCurrentPlanFromCommitState(t *testing.T) {
	plan := `[{"seq_no": 0, "type": "assign", "parameters": {"final_answer": "42"}}]`
	m, tasks := newManager(t, plan)
	ctx := context.Background()

	task, err := tasks.Create(ctx, planmodel.Task{Goal: "goal"})
	require.NoError(t, err)
	require.NoError(t, m.Execute(ctx, task.ID, nil))

	branch, err := m.Graph.GetCurrentBranch(ctx, task.ID)
	require.NoError(t, err)
	hashes, err := m.Graph.GetCommitHashes(ctx, task.ID, branch)
	require.NoError(t, err)
	require.NotEmpty(t, hashes)

	require.NoError(t, m.SaveBestPlan(ctx, task.ID, hashes[len(hashes)-1]))

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.BestPlan, 1)
}

func TestDynamicUpdate_RunsWithoutReplanWhenJudgeSaysNo(t *testing.T) {
	plan := `[{"seq_no": 0, "type": "assign", "parameters": {"final_answer": "42"}}]`
	m, tasks := newManager(t, plan)
	ctx := context.Background()

	task, err := tasks.Create(ctx, planmodel.Task{Goal: "goal"})
	require.NoError(t, err)

	state := planmodel.VMState{
		Goal:          task.Goal,
		CurrentPlan:   []planmodel.PlanStep{{SeqNo: 0, Type: planmodel.StepAssign, Parameters: map[string]any{"final_answer": "42"}}},
		Variables:     map[string]any{},
		VariablesRefs: map[string]int{},
	}
	require.NoError(t, m.Graph.UpdateState(ctx, task.ID, state))
	hash, err := m.Graph.CommitChanges(ctx, task.ID, planmodel.CommitMessage{Description: "seed"})
	require.NoError(t, err)

	m.Optimizer.LLM = &fakeLLM{responses: []string{`{"should_update": false, "explanation": "fine as is"}`}}

	require.NoError(t, m.DynamicUpdate(ctx, task.ID, "dynamic-branch", hash, "keep going", 5, nil))

	got, err := tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, planmodel.TaskCompleted, got.Status)
}

func TestMetaStringMap_AcceptsLiteralAndJSONRoundTrippedShapes(t *testing.T) {
	literal := map[string]any{"response_format": map[string]string{"Lang": "fr"}}
	require.Equal(t, map[string]string{"Lang": "fr"}, metaStringMap(literal, "response_format"))

	roundTripped := map[string]any{"response_format": map[string]any{"Lang": "fr"}}
	require.Equal(t, map[string]string{"Lang": "fr"}, metaStringMap(roundTripped, "response_format"))
}

func TestMetaStringMap_MissingKeyReturnsNil(t *testing.T) {
	require.Nil(t, metaStringMap(map[string]any{}, "response_format"))
}

func TestMetaStringSlice_AcceptsLiteralAndJSONRoundTrippedShapes(t *testing.T) {
	literal := map[string]any{"allowed_tools": []string{"search", "fetch"}}
	require.Equal(t, []string{"search", "fetch"}, metaStringSlice(literal, "allowed_tools"))

	roundTripped := map[string]any{"allowed_tools": []any{"search", "fetch"}}
	require.Equal(t, []string{"search", "fetch"}, metaStringSlice(roundTripped, "allowed_tools"))
}

func TestMetaStringSlice_MissingKeyReturnsNil(t *testing.T) {
	require.Nil(t, metaStringSlice(map[string]any{}, "allowed_tools"))
}

func TestPickSuggestion_RemovesPickedFromRest(t *testing.T) {
	suggestions := []planmodel.OptimizationSuggestion{
		{Suggestion: "a"}, {Suggestion: "b"}, {Suggestion: "c"},
	}
	picked, rest := PickSuggestion(suggestions)
	require.Len(t, rest, 2)
	for _, r := range rest {
		require.NotEqual(t, picked.Suggestion, r.Suggestion)
	}
}
