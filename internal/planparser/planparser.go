// Package planparser extracts the reasoning and plan body from raw LLM
// output of the form <think>...</think><answer>```json [...] ```</answer>.
package planparser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ngaut/planengine/internal/planmodel"
)

var (
	thinkPattern  = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	answerPattern = regexp.MustCompile(`(?s)<answer>(.*?)</answer>`)
)

// Parsed is the result of Parse: the model's reasoning text and the plan it
// produced.
type Parsed struct {
	Reasoning string
	Plan      []planmodel.PlanStep
}

// Parse extracts reasoning and plan from raw LLM output. If no <answer> tag
// is present, the entire response is treated as the plan body.
func Parse(raw string) (Parsed, error) {
	reasoning := ""
	if m := thinkPattern.FindStringSubmatch(raw); m != nil {
		reasoning = strings.TrimSpace(m[1])
	}

	body := raw
	if m := answerPattern.FindStringSubmatch(raw); m != nil {
		body = m[1]
	}

	plan, err := parsePlanBody(body)
	if err != nil {
		return Parsed{}, fmt.Errorf("planparser: %w", err)
	}
	return Parsed{Reasoning: reasoning, Plan: plan}, nil
}

// parsePlanBody locates the first balanced [...] JSON array in body
// (stripping a fenced code block if present) and decodes it as a plan,
// retrying once with unicode escapes unescaped if the first decode fails.
func parsePlanBody(body string) ([]planmodel.PlanStep, error) {
	candidate := stripFence(body)
	arr, ok := firstBalancedJSONArray(candidate)
	if !ok {
		arr, ok = firstBalancedJSONArray(body)
	}
	if !ok {
		return nil, fmt.Errorf("no JSON array found in plan body")
	}

	plan, err := decodePlan(arr)
	if err == nil {
		return plan, nil
	}
	unescaped, unescapeErr := unescapeUnicode(arr)
	if unescapeErr == nil {
		if plan2, err2 := decodePlan(unescaped); err2 == nil {
			return plan2, nil
		}
	}
	return nil, err
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// firstBalancedJSONArray scans s for the first top-level balanced [...]
// span, respecting string literals and escapes.
func firstBalancedJSONArray(s string) (string, bool) {
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
		case '[':
			if depth == 0 {
				start = i
			}
			depth++
		case ']':
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

func decodePlan(jsonArr string) ([]planmodel.PlanStep, error) {
	var raw []map[string]any
	if err := json.Unmarshal([]byte(jsonArr), &raw); err != nil {
		return nil, err
	}
	plan := make([]planmodel.PlanStep, 0, len(raw))
	for _, item := range raw {
		step, err := decodeStep(item)
		if err != nil {
			return nil, err
		}
		plan = append(plan, step)
	}
	return plan, nil
}

func decodeStep(item map[string]any) (planmodel.PlanStep, error) {
	seqNo, err := toInt(item["seq_no"])
	if err != nil {
		return planmodel.PlanStep{}, fmt.Errorf("step missing numeric seq_no: %w", err)
	}
	typ, _ := item["type"].(string)
	if typ == "" {
		return planmodel.PlanStep{}, fmt.Errorf("step %d missing type", seqNo)
	}
	params, _ := item["parameters"].(map[string]any)
	if params == nil {
		params = make(map[string]any)
	}
	return planmodel.PlanStep{SeqNo: seqNo, Type: planmodel.StepType(typ), Parameters: params}, nil
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case int:
		return t, nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

// unescapeUnicode turns literal \uXXXX escapes that survived an initial
// decode failure into their corresponding UTF-8 bytes by round-tripping
// through a quoted-string decode.
func unescapeUnicode(s string) (string, error) {
	var out string
	if err := json.Unmarshal([]byte(`"`+strings.ReplaceAll(s, `"`, `\"`)+`"`), &out); err != nil {
		return "", err
	}
	return out, nil
}

// Stringify renders a plan back to compact JSON, the inverse of Parse's
// decodePlan step for the round-trip invariant parse(stringify(plan)) ==
// plan.
func Stringify(plan []planmodel.PlanStep) (string, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
