// Package instructions implements the four instruction handler families a
// Plan VM dispatches to: calling, jmp, assign, and reasoning. Each handler
// takes the step's parameters plus a Deps bundle and returns a
// vmerr.StepResult; handlers never panic across the step boundary.
package instructions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ngaut/planengine/internal/llm"
	"github.com/ngaut/planengine/internal/planmodel"
	"github.com/ngaut/planengine/internal/toolregistry"
	"github.com/ngaut/planengine/internal/varstore"
	"github.com/ngaut/planengine/internal/vmerr"
)

// Deps bundles the collaborators a handler needs beyond the step's own
// parameters: the variable store, the tool registry, and an LLM client used
// by jmp's conditional evaluation.
type Deps struct {
	Vars  *varstore.Store
	Tools *toolregistry.Registry
	LLM   llm.Client
}

// Handler dispatches one plan step.
type Handler func(ctx context.Context, step planmodel.PlanStep, deps Deps) vmerr.StepResult

// Dispatch routes step to the handler for its declared Type, falling
// through to Calling for any unrecognized type to preserve compatibility
// with legacy plans (logged by the caller, not here).
func Dispatch(ctx context.Context, step planmodel.PlanStep, deps Deps) vmerr.StepResult {
	switch step.Type {
	case planmodel.StepJmp:
		return Jmp(ctx, step, deps)
	case planmodel.StepAssign:
		return Assign(ctx, step, deps)
	case planmodel.StepReasoning:
		return Reasoning(ctx, step, deps)
	case planmodel.StepCalling:
		return Calling(ctx, step, deps)
	default:
		return Calling(ctx, step, deps)
	}
}

// Calling resolves tool_params, invokes the named tool, and parses its
// return value into the requested output_vars.
func Calling(ctx context.Context, step planmodel.PlanStep, deps Deps) vmerr.StepResult {
	toolName, _ := step.Parameters["tool_name"].(string)
	if toolName == "" {
		return vmerr.Fail(vmerr.KindBadParams, "calling", "missing tool_name", step.Parameters)
	}
	outputVars, err := stringSlice(step.Parameters["output_vars"])
	if err != nil || len(outputVars) == 0 {
		return vmerr.Fail(vmerr.KindBadParams, "calling", "output_vars must be a non-empty list of names", step.Parameters)
	}

	rawParams, _ := step.Parameters["tool_params"].(map[string]any)
	resolved := resolveParams(rawParams, deps.Vars)

	if len(outputVars) >= 2 {
		example := make(map[string]any, len(outputVars))
		for _, name := range outputVars {
			example[name] = "<to be filled>"
		}
		resolved["response_format"] = example
	}

	if _, ok := deps.Tools.Lookup(toolName); !ok {
		return vmerr.Fail(vmerr.KindUnknownTool, "calling", fmt.Sprintf("unknown tool %q", toolName), step.Parameters)
	}

	result, err := deps.Tools.Invoke(ctx, toolName, resolved)
	if err != nil {
		return vmerr.Fail(vmerr.KindUpstream, "calling", err.Error(), step.Parameters)
	}

	outputs, err := extractOutputs(result, outputVars)
	if err != nil {
		return vmerr.Fail(vmerr.KindParseFailure, "calling", err.Error(), step.Parameters)
	}
	return vmerr.Ok(outputs)
}

// extractOutputs implements the calling-step return-value parsing: a string
// return is scanned for the first balanced JSON object; if it satisfies every
// requested name those become the outputs, otherwise a single requested
// name takes the whole return value verbatim.
func extractOutputs(result any, wanted []string) (map[string]any, error) {
	s, isString := result.(string)
	if !isString {
		if len(wanted) == 1 {
			return map[string]any{wanted[0]: result}, nil
		}
		if m, ok := result.(map[string]any); ok && hasAll(m, wanted) {
			return subset(m, wanted), nil
		}
		return nil, fmt.Errorf("tool result does not satisfy requested outputs %v", wanted)
	}

	if obj, ok := firstBalancedJSONObject(s); ok {
		var m map[string]any
		if err := json.Unmarshal([]byte(obj), &m); err == nil && hasAll(m, wanted) {
			return subset(m, wanted), nil
		}
	}
	if len(wanted) == 1 {
		return map[string]any{wanted[0]: s}, nil
	}
	return nil, fmt.Errorf("tool result does not satisfy requested outputs %v", wanted)
}

func hasAll(m map[string]any, names []string) bool {
	for _, n := range names {
		if _, ok := m[n]; !ok {
			return false
		}
	}
	return true
}

func subset(m map[string]any, names []string) map[string]any {
	out := make(map[string]any, len(names))
	for _, n := range names {
		out[n] = m[n]
	}
	return out
}

// firstBalancedJSONObject scans s for the first top-level balanced {...}
// span, respecting string literals and escapes.
func firstBalancedJSONObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// Jmp resolves to either a conditional LLM-judged branch or a direct
// unconditional target.
func Jmp(ctx context.Context, step planmodel.PlanStep, deps Deps) vmerr.StepResult {
	if target, ok := step.Parameters["target_seq"]; ok {
		seq, err := toInt(target)
		if err != nil {
			return vmerr.Fail(vmerr.KindBadParams, "jmp", "target_seq must be an integer", step.Parameters)
		}
		return vmerr.OkTarget(seq)
	}

	conditionPrompt, _ := step.Parameters["condition_prompt"].(string)
	if conditionPrompt == "" {
		return vmerr.Fail(vmerr.KindBadParams, "jmp", "missing condition_prompt or target_seq", step.Parameters)
	}
	jumpIfTrue, okT := step.Parameters["jump_if_true"]
	jumpIfFalse, okF := step.Parameters["jump_if_false"]
	if !okT || !okF {
		return vmerr.Fail(vmerr.KindBadParams, "jmp", "missing jump_if_true/jump_if_false", step.Parameters)
	}
	trueSeq, err1 := toInt(jumpIfTrue)
	falseSeq, err2 := toInt(jumpIfFalse)
	if err1 != nil || err2 != nil {
		return vmerr.Fail(vmerr.KindBadParams, "jmp", "jump_if_true/jump_if_false must be integers", step.Parameters)
	}

	condContext, _ := step.Parameters["context"].(string)
	prompt := deps.Vars.Interpolate(conditionPrompt)
	if condContext != "" {
		prompt = prompt + "\n\nContext:\n" + deps.Vars.Interpolate(condContext)
	}
	prompt += "\n\nRespond with a single JSON object {\"result\": true|false, \"explanation\": \"...\"} and nothing else."

	resp, err := deps.LLM.Generate(ctx, prompt)
	if err != nil {
		return vmerr.Fail(vmerr.KindUpstream, "jmp", err.Error(), step.Parameters)
	}
	obj, ok := firstBalancedJSONObject(resp.Text)
	if !ok {
		return vmerr.Fail(vmerr.KindParseFailure, "jmp", "no JSON object in evaluator response", step.Parameters)
	}
	var decision struct {
		Result      *bool  `json:"result"`
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(obj), &decision); err != nil || decision.Result == nil {
		return vmerr.Fail(vmerr.KindParseFailure, "jmp", "malformed {result, explanation} JSON", step.Parameters)
	}
	if *decision.Result {
		return vmerr.OkTarget(trueSeq)
	}
	return vmerr.OkTarget(falseSeq)
}

// Assign resolves each name→expression pair's textual interpolation,
// producing the output map the VM installs into the variable store.
func Assign(ctx context.Context, step planmodel.PlanStep, deps Deps) vmerr.StepResult {
	if len(step.Parameters) == 0 {
		return vmerr.Fail(vmerr.KindBadParams, "assign", "no assignments given", step.Parameters)
	}
	outputs := make(map[string]any, len(step.Parameters))
	for name, expr := range step.Parameters {
		if s, ok := expr.(string); ok {
			outputs[name] = deps.Vars.Interpolate(s)
		} else {
			outputs[name] = expr
		}
	}
	return vmerr.Ok(outputs)
}

// Reasoning always succeeds when both fields are strings, recording them
// into the VM's msgs trail.
func Reasoning(ctx context.Context, step planmodel.PlanStep, deps Deps) vmerr.StepResult {
	cot, ok1 := step.Parameters["chain_of_thoughts"].(string)
	dep, ok2 := step.Parameters["dependency_analysis"].(string)
	if !ok1 || !ok2 {
		return vmerr.Fail(vmerr.KindBadParams, "reasoning", "chain_of_thoughts and dependency_analysis must be strings", step.Parameters)
	}
	return vmerr.StepResult{
		OutputVars: map[string]any{},
		Msgs:       []string{cot, dep},
	}
}

// resolveParams decrements the reference count of every variable name
// referenced by a tool_params value, then interpolates the value.
func resolveParams(params map[string]any, vars *varstore.Store) map[string]any {
	resolved := make(map[string]any, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			resolved[k] = v
			continue
		}
		for name := range vars.FindRefs(s) {
			vars.DecreaseRefCount(name)
		}
		resolved[k] = vars.Interpolate(s)
	}
	return resolved
}

func stringSlice(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("output_vars entries must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		return []string{t}, nil
	default:
		return nil, fmt.Errorf("output_vars must be a list of strings")
	}
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
