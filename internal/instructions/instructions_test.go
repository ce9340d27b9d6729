package instructions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ngaut/planengine/internal/llm"
	"github.com/ngaut/planengine/internal/planmodel"
	"github.com/ngaut/planengine/internal/toolregistry"
	"github.com/ngaut/planengine/internal/varstore"
	"github.com/ngaut/planengine/internal/vmerr"
)

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string) (llm.Response, error) {
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Text: f.response}, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, prompt string) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}

func newDeps(t *testing.T, llmClient llm.Client) Deps {
	t.Helper()
	tools := toolregistry.New()
	require.NoError(t, tools.Register(&toolregistry.Tool{
		Name:        "greet",
		Description: "Returns a JSON object with a greeting.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return `{"greeting": "hello", "unused": "x"}`, nil
		},
	}))
	return Deps{Vars: varstore.New(), Tools: tools, LLM: llmClient}
}

func TestCalling_MissingToolNameFails(t *testing.T) {
	deps := newDeps(t, &fakeLLM{})
	result := Calling(context.Background(), planmodel.PlanStep{Parameters: map[string]any{
		"output_vars": []any{"x"},
	}}, deps)
	require.True(t, result.Failed())
	require.Equal(t, vmerr.KindBadParams, result.Err.Kind)
}

func TestCalling_UnknownToolFails(t *testing.T) {
	deps := newDeps(t, &fakeLLM{})
	result := Calling(context.Background(), planmodel.PlanStep{Parameters: map[string]any{
		"tool_name":   "missing",
		"output_vars": []any{"x"},
	}}, deps)
	require.True(t, result.Failed())
}

func TestCalling_ExtractsRequestedOutputsFromJSONObject(t *testing.T) {
	deps := newDeps(t, &fakeLLM{})
	result := Calling(context.Background(), planmodel.PlanStep{Parameters: map[string]any{
		"tool_name":   "greet",
		"output_vars": []any{"greeting"},
	}}, deps)
	require.False(t, result.Failed())
	require.Equal(t, "hello", result.OutputVars["greeting"])
}

func TestJmp_DirectTargetSeqSkipsEvaluation(t *testing.T) {
	deps := newDeps(t, &fakeLLM{})
	result := Jmp(context.Background(), planmodel.PlanStep{Parameters: map[string]any{
		"target_seq": 3,
	}}, deps)
	require.False(t, result.Failed())
	require.True(t, result.HasTarget)
	require.Equal(t, 3, result.TargetSeq)
}

func TestJmp_ConditionalTrueFollowsJumpIfTrue(t *testing.T) {
	fake := &fakeLLM{response: `{"result": true, "explanation": "yes"}`}
	deps := newDeps(t, fake)
	result := Jmp(context.Background(), planmodel.PlanStep{Parameters: map[string]any{
		"condition_prompt": "is it done?",
		"jump_if_true":     5,
		"jump_if_false":    1,
	}}, deps)
	require.False(t, result.Failed())
	require.Equal(t, 5, result.TargetSeq)
}

func TestJmp_MissingConditionAndTargetFails(t *testing.T) {
	deps := newDeps(t, &fakeLLM{})
	result := Jmp(context.Background(), planmodel.PlanStep{Parameters: map[string]any{}}, deps)
	require.True(t, result.Failed())
}

func TestAssign_InterpolatesVariableReferences(t *testing.T) {
	deps := newDeps(t, &fakeLLM{})
	deps.Vars.Set("name", "Ada", 1)

	result := Assign(context.Background(), planmodel.PlanStep{Parameters: map[string]any{
		"greeting": "hello ${name}",
	}}, deps)
	require.False(t, result.Failed())
	require.Equal(t, "hello Ada", result.OutputVars["greeting"])
}

func TestAssign_EmptyParametersFails(t *testing.T) {
	deps := newDeps(t, &fakeLLM{})
	result := Assign(context.Background(), planmodel.PlanStep{Parameters: map[string]any{}}, deps)
	require.True(t, result.Failed())
}

func TestReasoning_RecordsBothFieldsAsMsgs(t *testing.T) {
	deps := newDeps(t, &fakeLLM{})
	result := Reasoning(context.Background(), planmodel.PlanStep{Parameters: map[string]any{
		"chain_of_thoughts":   "think step",
		"dependency_analysis": "depends on nothing",
	}}, deps)
	require.False(t, result.Failed())
	require.Equal(t, []string{"think step", "depends on nothing"}, result.Msgs)
}

func TestReasoning_NonStringFieldsFail(t *testing.T) {
	deps := newDeps(t, &fakeLLM{})
	result := Reasoning(context.Background(), planmodel.PlanStep{Parameters: map[string]any{
		"chain_of_thoughts":   42,
		"dependency_analysis": "x",
	}}, deps)
	require.True(t, result.Failed())
}

func TestDispatch_RoutesEachStepTypeToItsHandler(t *testing.T) {
	deps := newDeps(t, &fakeLLM{})
	result := Dispatch(context.Background(), planmodel.PlanStep{
		Type:       planmodel.StepAssign,
		Parameters: map[string]any{"x": "y"},
	}, deps)
	require.False(t, result.Failed())
	require.Equal(t, "y", result.OutputVars["x"])
}

func TestDispatch_UnrecognizedTypeFallsThroughToCalling(t *testing.T) {
	deps := newDeps(t, &fakeLLM{})
	result := Dispatch(context.Background(), planmodel.PlanStep{
		Type: "unknown",
		Parameters: map[string]any{
			"tool_name":   "greet",
			"output_vars": []any{"greeting"},
		},
	}, deps)
	require.False(t, result.Failed())
}
