// Package plangen composes prompts for the Plan Generator and Optimizer and
// parses the resulting LLM output into plans via planparser.
package plangen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/ngaut/planengine/internal/llm"
	"github.com/ngaut/planengine/internal/planmodel"
	"github.com/ngaut/planengine/internal/planparser"
	"github.com/ngaut/planengine/internal/toolregistry"
)

// ErrPlanUnavailable is raised when the generator's response is empty or
// unparseable.
var ErrPlanUnavailable = fmt.Errorf("plangen: plan unavailable")

const fixedUserInstructions = `Produce a plan that fully satisfies the goal. Respond with <think>reasoning</think><answer>` + "```json" + ` [...] ` + "```" + `</answer>.`

// Generator assembles prompts from a goal, the tool catalog, a VM
// specification document, and optional few-shot examples, then invokes the
// reasoning LLM and parses its response.
type Generator struct {
	LLM      llm.Client
	Tools    *toolregistry.Registry
	VMSpecMD string // rendered once at construction via RenderMarkdown
}

// NewGenerator renders vmSpecMarkdown through goldmark once so every prompt
// reuses the rendered text instead of re-parsing markdown per call.
func NewGenerator(client llm.Client, tools *toolregistry.Registry, vmSpecMarkdown string) (*Generator, error) {
	rendered, err := RenderMarkdown(vmSpecMarkdown)
	if err != nil {
		return nil, err
	}
	return &Generator{LLM: client, Tools: tools, VMSpecMD: rendered}, nil
}

// RenderMarkdown converts md to HTML with goldmark's default renderer.
// Headings and emphasis are not stripped: they come out as HTML tags, and
// fenced code blocks come out as <pre><code> elements.
func RenderMarkdown(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("plangen: render markdown: %w", err)
	}
	return buf.String(), nil
}

// GenerateOpts carries the optional prompt ingredients beyond goal and
// allowed tools.
type GenerateOpts struct {
	AllowedTools  []string
	FewShotGoal   string
	FewShotPlan   string
	BestPractices string
}

// Generate synthesizes a plan for goal.
func (g *Generator) Generate(ctx context.Context, goal string, opts GenerateOpts) (planparser.Parsed, error) {
	prompt := g.buildPrompt(goal, opts)
	resp, err := g.LLM.Generate(ctx, prompt)
	if err != nil {
		return planparser.Parsed{}, fmt.Errorf("%w: %v", ErrPlanUnavailable, err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return planparser.Parsed{}, ErrPlanUnavailable
	}
	parsed, err := planparser.Parse(resp.Text)
	if err != nil {
		return planparser.Parsed{}, fmt.Errorf("%w: %v", ErrPlanUnavailable, err)
	}
	return parsed, nil
}

func (g *Generator) buildPrompt(goal string, opts GenerateOpts) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n", goal)
	b.WriteString("VM specification:\n")
	b.WriteString(g.VMSpecMD)
	b.WriteString("\n\nAvailable tools:\n")
	b.WriteString(g.Tools.Describe(opts.AllowedTools))
	if opts.FewShotGoal != "" {
		fmt.Fprintf(&b, "\nExample goal: %s\nExample plan:\n%s\n", opts.FewShotGoal, opts.FewShotPlan)
	}
	if opts.BestPractices != "" {
		fmt.Fprintf(&b, "\nBest practices:\n%s\n", opts.BestPractices)
	}
	b.WriteString("\n")
	b.WriteString(fixedUserInstructions)
	return b.String()
}

// Optimizer produces whole-plan or partial replacement plans guided by an
// evaluator's suggestion.
type Optimizer struct {
	LLM llm.Client
}

// WholePlanUpdate asks the LLM to produce a fully replacing plan given the
// goal, the previous plan, and a suggestion.
func (o *Optimizer) WholePlanUpdate(ctx context.Context, goal string, previousPlan []planmodel.PlanStep, suggestion string) (planparser.Parsed, error) {
	prev, err := planparser.Stringify(previousPlan)
	if err != nil {
		return planparser.Parsed{}, err
	}
	prompt := fmt.Sprintf(
		"Goal: %s\n\nPrevious plan:\n%s\n\nSuggested improvement:\n%s\n\nProduce a complete replacement plan. %s",
		goal, prev, suggestion, fixedUserInstructions,
	)
	return generateAndParse(ctx, o.LLM, prompt)
}

// PartialUpdate asks the LLM to merge a suggestion into the plan's tail
// while leaving every step up to programCounter unchanged.
func (o *Optimizer) PartialUpdate(ctx context.Context, goal string, plan []planmodel.PlanStep, programCounter int, suggestion string) (planparser.Parsed, error) {
	if programCounter > len(plan) {
		programCounter = len(plan)
	}
	prefix, err := planparser.Stringify(plan[:programCounter])
	if err != nil {
		return planparser.Parsed{}, err
	}
	prompt := fmt.Sprintf(
		"Goal: %s\n\nSteps already completed (must remain unchanged, seq_no %d and earlier):\n%s\n\nSuggested improvement:\n%s\n\nProduce a merged plan that preserves the completed steps and replaces the remainder. %s",
		goal, programCounter-1, prefix, suggestion, fixedUserInstructions,
	)
	return generateAndParse(ctx, o.LLM, prompt)
}

// ShouldUpdateResult is the judge's per-step verdict on whether the plan
// still fits the goal and suggestion, as consulted on every iteration of a
// dynamic update.
type ShouldUpdateResult struct {
	ShouldUpdate bool
	Explanation  string
}

// ShouldUpdate asks the LLM whether the plan, at its current position,
// still satisfies suggestion, or whether it should be regenerated before
// the next step runs.
func (o *Optimizer) ShouldUpdate(ctx context.Context, state planmodel.VMState, suggestion string) (ShouldUpdateResult, error) {
	plan, err := planparser.Stringify(state.CurrentPlan)
	if err != nil {
		return ShouldUpdateResult{}, err
	}
	prompt := fmt.Sprintf(
		"Goal: %s\n\nCurrent plan (position %d):\n%s\n\nSuggestion guiding this run:\n%s\n\n"+
			"Should the plan be revised before the next step executes? "+
			`Respond with a single JSON object {"should_update": true|false, "explanation": "..."} and nothing else.`,
		state.Goal, state.ProgramCounter, plan, suggestion,
	)
	resp, err := o.LLM.Generate(ctx, prompt)
	if err != nil {
		return ShouldUpdateResult{}, fmt.Errorf("%w: %v", ErrPlanUnavailable, err)
	}
	obj, ok := firstBalancedJSONObject(resp.Text)
	if !ok {
		return ShouldUpdateResult{}, fmt.Errorf("plangen: should_update: no JSON object in judge response")
	}
	var decision struct {
		ShouldUpdate *bool  `json:"should_update"`
		Explanation  string `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(obj), &decision); err != nil || decision.ShouldUpdate == nil {
		return ShouldUpdateResult{}, fmt.Errorf("plangen: should_update: malformed judge response: %w", err)
	}
	return ShouldUpdateResult{ShouldUpdate: *decision.ShouldUpdate, Explanation: decision.Explanation}, nil
}

// firstBalancedJSONObject scans s for the first top-level {...} span,
// tracking string-literal state so braces inside quoted text don't unbalance
// the scan.
func firstBalancedJSONObject(s string) (string, bool) {
	return firstBalancedSpan(s, '{', '}')
}

func firstBalancedSpan(s string, open, close byte) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
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
			if depth == 0 {
				start = i
			}
			depth++
		case close:
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

func generateAndParse(ctx context.Context, client llm.Client, prompt string) (planparser.Parsed, error) {
	resp, err := client.Generate(ctx, prompt)
	if err != nil {
		return planparser.Parsed{}, fmt.Errorf("%w: %v", ErrPlanUnavailable, err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return planparser.Parsed{}, ErrPlanUnavailable
	}
	parsed, err := planparser.Parse(resp.Text)
	if err != nil {
		return planparser.Parsed{}, fmt.Errorf("%w: %v", ErrPlanUnavailable, err)
	}
	return parsed, nil
}
