package mcts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ngaut/planengine/internal/llm"
	"github.com/ngaut/planengine/internal/planmodel"
)

// fakeLLM returns canned responses in order, one per Generate call.
type fakeLLM struct {
	responses []string
	calls     []string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string) (llm.Response, error) {
	f.calls = append(f.calls, prompt)
	i := len(f.calls) - 1
	if i >= len(f.responses) {
		return llm.Response{}, context.DeadlineExceeded
	}
	return llm.Response{Text: f.responses[i]}, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, prompt string) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Text: "", Done: true}
	close(ch)
	return ch, nil
}

func TestEvaluateState_AcceptsFinalAnswer(t *testing.T) {
	fake := &fakeLLM{responses: []string{
		`{"accept": true, "plan_adjustment_suggestion": "", "goal_classification": "complete"}`,
	}}
	e := NewEvaluator(fake)

	n := &Node{Row: planmodel.CommitRow{VMState: planmodel.VMState{
		Variables: map[string]any{"final_answer": "Paris is the capital of France."},
	}}}

	got, err := e.EvaluateState(context.Background(), "what is the capital of France?", n)
	require.NoError(t, err)
	require.True(t, got.NeedBackprop)
	require.Equal(t, 1.0, got.Reward)
}

func TestEvaluateState_RejectsFinalAnswer(t *testing.T) {
	fake := &fakeLLM{responses: []string{
		`{"accept": false, "plan_adjustment_suggestion": "check the source again", "goal_classification": "incomplete"}`,
	}}
	e := NewEvaluator(fake)

	n := &Node{Row: planmodel.CommitRow{VMState: planmodel.VMState{
		Variables: map[string]any{"final_answer": "wrong answer"},
	}}}

	got, err := e.EvaluateState(context.Background(), "goal", n)
	require.NoError(t, err)
	require.Equal(t, 0.0, got.Reward)
	require.Equal(t, "check the source again", got.Feedback)
}

func TestEvaluateState_ExecutionErrorScoresZeroAndSuggestsAdjustment(t *testing.T) {
	fake := &fakeLLM{responses: []string{
		`{"suggestion": "retry with a smaller batch size"}`,
	}}
	e := NewEvaluator(fake)

	n := &Node{Row: planmodel.CommitRow{VMState: planmodel.VMState{
		Errors: []string{"tool timeout"},
	}}}

	got, err := e.EvaluateState(context.Background(), "goal", n)
	require.NoError(t, err)
	require.True(t, got.NeedBackprop)
	require.Equal(t, 0.0, got.Reward)
	require.Equal(t, "retry with a smaller batch size", got.Feedback)
}

func TestEvaluateState_NonTerminalLeafNeedsBackpropWithZeroReward(t *testing.T) {
	e := NewEvaluator(&fakeLLM{})
	n := &Node{Row: planmodel.CommitRow{VMState: planmodel.VMState{}}}

	got, err := e.EvaluateState(context.Background(), "goal", n)
	require.NoError(t, err)
	require.True(t, got.NeedBackprop)
	require.Equal(t, 0.0, got.Reward)
}

func TestEvaluateState_InternalNodeWithChildrenNeedsNoBackprop(t *testing.T) {
	e := NewEvaluator(&fakeLLM{})
	n := &Node{
		Row:      planmodel.CommitRow{VMState: planmodel.VMState{}},
		Children: []*Node{{}},
	}

	got, err := e.EvaluateState(context.Background(), "goal", n)
	require.NoError(t, err)
	require.False(t, got.NeedBackprop)
}

func TestReflectOnFinalAnswer_ParsesSuggestionArray(t *testing.T) {
	fake := &fakeLLM{responses: []string{
		`[{"should_optimize": true, "suggestion": "add a verification step"}]`,
	}}
	e := NewEvaluator(fake)

	ancestor := &Node{Row: planmodel.CommitRow{SeqNo: 1, VMState: planmodel.VMState{
		CurrentPlan: []planmodel.PlanStep{{SeqNo: 1, Type: planmodel.StepCalling}},
	}}}
	leaf := &Node{Row: planmodel.CommitRow{VMState: planmodel.VMState{
		Variables: map[string]any{"final_answer": "done"},
	}}}

	got, err := e.ReflectOnFinalAnswer(context.Background(), "goal", ancestor, leaf, "feedback")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].ShouldOptimize)
	require.Equal(t, "add a verification step", got[0].Suggestion)
}

func TestEvaluateMultipleAnswers_ParsesScoreMap(t *testing.T) {
	fake := &fakeLLM{responses: []string{
		`{"hash-a": 0.9, "hash-b": 0.4}`,
	}}
	e := NewEvaluator(fake)

	finalists := []*Node{
		{CommitHash: "hash-a", Row: planmodel.CommitRow{VMState: planmodel.VMState{Variables: map[string]any{"final_answer": "a"}}}},
		{CommitHash: "hash-b", Row: planmodel.CommitRow{VMState: planmodel.VMState{Variables: map[string]any{"final_answer": "b"}}}},
	}

	scores, err := e.EvaluateMultipleAnswers(context.Background(), "goal", finalists)
	require.NoError(t, err)
	require.Equal(t, 0.9, scores["hash-a"])
	require.Equal(t, 0.4, scores["hash-b"])
}

func TestFirstBalancedJSONObject_IgnoresBracesInsideStrings(t *testing.T) {
	obj, ok := firstBalancedJSONObject(`noise {"a": "value with } inside"} trailing`)
	require.True(t, ok)
	require.Equal(t, `{"a": "value with } inside"}`, obj)
}

func TestFirstBalancedJSONObject_NoObjectReturnsFalse(t *testing.T) {
	_, ok := firstBalancedJSONObject("no json here")
	require.False(t, ok)
}
