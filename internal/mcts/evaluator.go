package mcts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ngaut/planengine/internal/llm"
	"github.com/ngaut/planengine/internal/planmodel"
)

// Evaluator wraps the judge LLM used by evaluate_state,
// reflect_on_final_answer, and evaluate_multiple_answers.
type Evaluator struct {
	LLM llm.Client
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(client llm.Client) *Evaluator {
	return &Evaluator{LLM: client}
}

// StateEval is evaluate_state's result.
type StateEval struct {
	NeedBackprop bool
	Reward       float64
	Feedback     string
}

// EvaluateState judges a node: a final answer is accepted or
// rejected by the judge LLM, an execution error always scores zero, a
// non-terminal leaf scores zero with backprop, and anything else needs no
// backprop (it already has descendants whose evaluation covers it).
func (e *Evaluator) EvaluateState(ctx context.Context, goal string, n *Node) (StateEval, error) {
	if answer, ok := n.FinalAnswer(); ok {
		return e.judgeFinalAnswer(ctx, goal, n, answer)
	}
	if execErr := n.ExecutionError(); execErr != "" {
		suggestion, err := e.planAdjustmentForError(ctx, goal, n, execErr)
		if err != nil {
			return StateEval{}, err
		}
		return StateEval{NeedBackprop: true, Reward: 0, Feedback: suggestion}, nil
	}
	if len(n.Children) == 0 {
		return StateEval{NeedBackprop: true, Reward: 0}, nil
	}
	return StateEval{NeedBackprop: false}, nil
}

func (e *Evaluator) judgeFinalAnswer(ctx context.Context, goal string, n *Node, answer string) (StateEval, error) {
	prompt := fmt.Sprintf(
		"Goal: %s\n\nFinal answer produced at step %d:\n%s\n\n"+
			"Judge whether this final answer fully satisfies the goal. "+
			`Respond with a single JSON object {"accept": true|false, "plan_adjustment_suggestion": "...", "goal_classification": "..."} and nothing else.`,
		goal, n.Row.SeqNo, answer,
	)
	resp, err := e.LLM.Generate(ctx, prompt)
	if err != nil {
		return StateEval{}, fmt.Errorf("mcts: evaluate_state: %w", err)
	}
	var decision struct {
		Accept                  *bool  `json:"accept"`
		PlanAdjustmentSuggestion string `json:"plan_adjustment_suggestion"`
		GoalClassification     string `json:"goal_classification"`
	}
	obj, ok := firstBalancedJSONObject(resp.Text)
	if !ok {
		return StateEval{}, fmt.Errorf("mcts: evaluate_state: no JSON object in judge response")
	}
	if err := json.Unmarshal([]byte(obj), &decision); err != nil || decision.Accept == nil {
		return StateEval{}, fmt.Errorf("mcts: evaluate_state: malformed judge response: %w", err)
	}
	reward := 0.0
	if *decision.Accept {
		reward = 1.0
	}
	return StateEval{NeedBackprop: true, Reward: reward, Feedback: decision.PlanAdjustmentSuggestion}, nil
}

func (e *Evaluator) planAdjustmentForError(ctx context.Context, goal string, n *Node, execErr string) (string, error) {
	prompt := fmt.Sprintf(
		"Goal: %s\n\nStep %d failed with error:\n%s\n\n"+
			`Suggest a plan adjustment to recover. Respond with a single JSON object {"suggestion": "..."} and nothing else.`,
		goal, n.Row.SeqNo, execErr,
	)
	resp, err := e.LLM.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("mcts: plan adjustment for error: %w", err)
	}
	obj, ok := firstBalancedJSONObject(resp.Text)
	if !ok {
		return "", fmt.Errorf("mcts: plan adjustment for error: no JSON object in response")
	}
	var decision struct {
		Suggestion string `json:"suggestion"`
	}
	if err := json.Unmarshal([]byte(obj), &decision); err != nil {
		return "", fmt.Errorf("mcts: plan adjustment for error: malformed response: %w", err)
	}
	return decision.Suggestion, nil
}

// ReflectionSuggestion is one element of reflect_on_final_answer's result.
type ReflectionSuggestion struct {
	ShouldOptimize bool
	Suggestion     string
}

// ReflectOnFinalAnswer prompts the judge with ancestor's position in the
// plan, the remaining steps, current variables, leaf's final answer (or
// execution error), and feedback, asking for candidate edits to ancestor's
// tail that preserve everything up to and including ancestor's step.
func (e *Evaluator) ReflectOnFinalAnswer(ctx context.Context, goal string, ancestor, leaf *Node, feedback string) ([]ReflectionSuggestion, error) {
	plan := ancestor.Row.VMState.CurrentPlan
	planJSON, _ := json.Marshal(plan)
	var remaining []planmodel.PlanStep
	for _, s := range plan {
		if s.SeqNo > ancestor.Row.SeqNo {
			remaining = append(remaining, s)
		}
	}
	remainingJSON, _ := json.Marshal(remaining)
	varsJSON, _ := json.Marshal(ancestor.Row.VMState.Variables)

	final, _ := leaf.FinalAnswer()
	if final == "" {
		final = leaf.ExecutionError()
	}

	prompt := fmt.Sprintf(
		"Goal: %s\n\nStep index: %d\nCurrent plan:\n%s\n\nRemaining steps:\n%s\n\n"+
			"Current variables:\n%s\n\nObserved outcome:\n%s\n",
		goal, ancestor.Row.SeqNo, planJSON, remainingJSON, varsJSON, final,
	)
	if strings.TrimSpace(feedback) != "" {
		prompt += fmt.Sprintf("\nEvaluator feedback:\n%s\n", feedback)
	}
	prompt += "\nPropose zero or more edits to the plan's tail that preserve every step up to and including " +
		"this step index. Respond with a JSON array of objects " +
		`[{"should_optimize": true|false, "suggestion": "..."}] and nothing else.`

	resp, err := e.LLM.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("mcts: reflect_on_final_answer: %w", err)
	}
	arr, ok := firstBalancedJSONArray(resp.Text)
	if !ok {
		return nil, fmt.Errorf("mcts: reflect_on_final_answer: no JSON array in response")
	}
	var raw []struct {
		ShouldOptimize bool   `json:"should_optimize"`
		Suggestion     string `json:"suggestion"`
	}
	if err := json.Unmarshal([]byte(arr), &raw); err != nil {
		return nil, fmt.Errorf("mcts: reflect_on_final_answer: malformed response: %w", err)
	}
	out := make([]ReflectionSuggestion, 0, len(raw))
	for _, r := range raw {
		out = append(out, ReflectionSuggestion{ShouldOptimize: r.ShouldOptimize, Suggestion: r.Suggestion})
	}
	return out, nil
}

// EvaluateMultipleAnswers runs the final tournament among finalist nodes,
// returning a numeric score per commit hash.
func (e *Evaluator) EvaluateMultipleAnswers(ctx context.Context, goal string, finalists []*Node) (map[string]float64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nCandidate final answers:\n", goal)
	for _, n := range finalists {
		answer, _ := n.FinalAnswer()
		fmt.Fprintf(&b, "- commit %s: %s\n", n.CommitHash, answer)
	}
	b.WriteString("\nScore each candidate from 0.0 to 1.0 on how well it satisfies the goal. " +
		`Respond with a single JSON object mapping each commit hash to its score, e.g. {"<hash>": 0.9}, and nothing else.`)

	resp, err := e.LLM.Generate(ctx, b.String())
	if err != nil {
		return nil, fmt.Errorf("mcts: evaluate_multiple_answers: %w", err)
	}
	obj, ok := firstBalancedJSONObject(resp.Text)
	if !ok {
		return nil, fmt.Errorf("mcts: evaluate_multiple_answers: no JSON object in response")
	}
	var scores map[string]float64
	if err := json.Unmarshal([]byte(obj), &scores); err != nil {
		return nil, fmt.Errorf("mcts: evaluate_multiple_answers: malformed response: %w", err)
	}
	return scores, nil
}

// firstBalancedJSONObject scans for the first top-level {...} span, aware
// of string literals so braces inside strings don't unbalance the scan.
func firstBalancedJSONObject(s string) (string, bool) {
	return firstBalancedSpan(s, '{', '}')
}

// firstBalancedJSONArray scans for the first top-level [...] span.
func firstBalancedJSONArray(s string) (string, bool) {
	return firstBalancedSpan(s, '[', ']')
}

func firstBalancedSpan(s string, open, close byte) (string, bool) {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
