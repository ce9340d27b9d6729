// Package taskmanager implements per-task serialization and the top-level
// execute/update/optimize_step/re_execute/save_best_plan operations. For
// each active task, a dedicated mutex serializes write operations;
// read-only methods (listing commits, branches) never take it.
package taskmanager

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/ngaut/planengine/internal/commitgraph"
	"github.com/ngaut/planengine/internal/instructions"
	"github.com/ngaut/planengine/internal/labelclassifier"
	"github.com/ngaut/planengine/internal/planmodel"
	"github.com/ngaut/planengine/internal/plancache"
	"github.com/ngaut/planengine/internal/plangen"
	"github.com/ngaut/planengine/internal/planparser"
	"github.com/ngaut/planengine/internal/telemetry"
	"github.com/ngaut/planengine/internal/vm"
)

// TaskStore is the persistence contract the manager needs for Task rows
// themselves (as opposed to commit-graph state, which lives in Graph).
type TaskStore interface {
	Get(ctx context.Context, taskID string) (planmodel.Task, error)
	Save(ctx context.Context, task planmodel.Task) error
}

// StepSink receives per-step events during a streaming execution, letting
// the HTTP layer translate them to the wire protocol without coupling this
// package to it. A nil sink means the caller does not want streaming
// events, which is the case for every operation except stream_execute_vm.
type StepSink interface {
	// ToolCall announces a calling step about to run.
	ToolCall(seqNo int, toolCallID, toolName string, args map[string]any)
	// ToolResult announces a calling step's installed output variables.
	ToolResult(seqNo int, toolCallID string, result any)
	// FinalAnswerText is called once, with the full text, when a step
	// installs the final_answer variable. The caller is responsible for
	// any sentence-boundary splitting (no tool in this build forwards live
	// chunks to a stream_queue, so every stream_execute_vm call takes the
	// un-streamed fallback path).
	FinalAnswerText(text string)
	// Annotation reports the branch and seq_no a step just committed on.
	Annotation(branch string, seqNo int)
	// StepFinish closes out one step.
	StepFinish(seqNo int, finishReason string)
	// Finish closes out the whole run.
	Finish(finishReason string)
}

// Manager owns execute/update/optimize_step/re_execute/save_best_plan for
// every task, serialized per task ID via a dedicated mutex. None of these
// operations call back into each other within one goroutine, so a plain
// mutex per task ID is sufficient; two different tasks never block each
// other.
type Manager struct {
	Graph      commitgraph.Graph
	Tasks      TaskStore
	Generator  *plangen.Generator
	Optimizer  *plangen.Optimizer
	Classifier *labelclassifier.Classifier
	Cache      *plancache.Cache
	ToolDeps   instructions.Deps
	PoolSize   int
	Log        telemetry.Logger
	Metrics    telemetry.Metrics

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Manager.
func New(graph commitgraph.Graph, tasks TaskStore, generator *plangen.Generator, optimizer *plangen.Optimizer,
	classifier *labelclassifier.Classifier, cache *plancache.Cache, toolDeps instructions.Deps, poolSize int,
	log telemetry.Logger, metrics telemetry.Metrics) *Manager {
	return &Manager{
		Graph: graph, Tasks: tasks, Generator: generator, Optimizer: optimizer,
		Classifier: classifier, Cache: cache, ToolDeps: toolDeps, PoolSize: poolSize,
		Log: log, Metrics: metrics, locks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(taskID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[taskID] = l
	}
	return l
}

// Execute generates a plan for task (via cache → classifier → generator),
// attaches it to a fresh VM, and runs to completion or failure. sink may be
// nil; stream_execute_vm is the only caller that supplies one.
func (m *Manager) Execute(ctx context.Context, taskID string, sink StepSink) error {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := m.Tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("taskmanager: execute: load task: %w", err)
	}

	var lang string
	if rf := metaStringMap(task.Meta, "response_format"); rf != nil {
		lang = rf["Lang"]
	}
	opts := plangen.GenerateOpts{}
	if allowed := metaStringSlice(task.Meta, "allowed_tools"); allowed != nil {
		opts.AllowedTools = allowed
	}

	cached := m.Cache.Lookup(task.Goal, lang)
	if cached.Found {
		opts.FewShotGoal = cached.Entry.Goal
		if plan, err := planStepsToJSON(cached.Entry.BestPlan); err == nil {
			opts.FewShotPlan = plan
		}
	}
	if label, err := m.Classifier.GenerateLabelPath(ctx, task.Namespace, task.Goal); err == nil {
		opts.BestPractices = label.BestPractices
		if label.MostSimilarTask != nil && len(label.MostSimilarTask.BestPlan) > 0 {
			if plan, err := planStepsToJSON(label.MostSimilarTask.BestPlan); err == nil {
				opts.FewShotPlan = plan
				opts.FewShotGoal = label.MostSimilarTask.Goal
			}
		}
	}

	parsed, err := m.Generator.Generate(ctx, task.Goal, opts)
	if err != nil {
		task.Status = planmodel.TaskFailed
		_ = m.Tasks.Save(ctx, task)
		return fmt.Errorf("taskmanager: execute: generate plan: %w", err)
	}

	state := planmodel.VMState{Goal: task.Goal, CurrentPlan: parsed.Plan, Reasoning: parsed.Reasoning,
		Variables: map[string]any{}, VariablesRefs: map[string]int{}}
	if err := m.Graph.UpdateState(ctx, taskID, state); err != nil {
		return err
	}
	hash, err := m.Graph.CommitChanges(ctx, taskID, planmodel.CommitMessage{
		Type: planmodel.CommitGeneratePlan, Description: "generated plan",
	})
	if err != nil && err != commitgraph.ErrNoChanges {
		return err
	}
	if err == nil {
		if merr := m.Graph.MarkMilestone(ctx, taskID, hash, "plan generated"); merr != nil {
			m.Log.Warn(ctx, "taskmanager: mark milestone failed", "task", taskID, "err", merr)
		}
	}

	task.Status = planmodel.TaskInProgress
	_ = m.Tasks.Save(ctx, task)

	return m.runToCompletion(ctx, taskID, state, &task, sink)
}

// Update creates a new branch from a base commit/plan and invokes the
// partial optimizer, then continues execution to completion.
func (m *Manager) Update(ctx context.Context, taskID, newBranchName, commitHash, suggestion string, fromScratch bool, sourceBranch string, sink StepSink) error {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	baseHash := commitHash
	if fromScratch {
		hashes, err := m.Graph.GetCommitHashes(ctx, taskID, sourceBranch)
		if err != nil {
			return err
		}
		if len(hashes) > 0 {
			baseHash = hashes[len(hashes)-1]
		}
	}

	var baseState planmodel.VMState
	var err error
	if sourceBranch != "" {
		row, rerr := m.Graph.GetLatestCommit(ctx, taskID, sourceBranch)
		if rerr != nil {
			return rerr
		}
		baseState = row.VMState
	} else {
		baseState, err = m.Graph.LoadState(ctx, taskID, baseHash)
		if err != nil {
			return err
		}
	}

	if err := m.Graph.CheckoutBranchFromCommit(ctx, taskID, newBranchName, baseHash); err != nil {
		return err
	}

	task, err := m.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	parsed, err := m.Optimizer.PartialUpdate(ctx, task.Goal, baseState.CurrentPlan, baseState.ProgramCounter, suggestion)
	if err != nil {
		return fmt.Errorf("taskmanager: update: partial optimize: %w", err)
	}
	baseState.CurrentPlan = parsed.Plan
	baseState.Reasoning = parsed.Reasoning

	if err := m.Graph.UpdateState(ctx, taskID, baseState); err != nil {
		return err
	}
	if _, err := m.Graph.CommitChanges(ctx, taskID, planmodel.CommitMessage{
		Type: planmodel.CommitPlanUpdate, Description: "partial plan update: " + suggestion,
	}); err != nil && err != commitgraph.ErrNoChanges {
		return err
	}

	return m.runToCompletion(ctx, taskID, baseState, &task, sink)
}

// DynamicUpdate is update's self-reassessing variant: instead of replanning
// once up front and running to completion, it re-asks the optimizer at
// every step whether suggestion still holds against the current plan,
// regenerating and committing a fresh plan whenever the judge says so, for
// up to maxSteps iterations or until the goal completes or a step fails.
func (m *Manager) DynamicUpdate(ctx context.Context, taskID, newBranchName, commitHash, suggestion string, maxSteps int, sink StepSink) error {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	if maxSteps <= 0 {
		maxSteps = 20
	}

	state, err := m.Graph.LoadState(ctx, taskID, commitHash)
	if err != nil {
		return err
	}
	if err := m.Graph.CheckoutBranchFromCommit(ctx, taskID, newBranchName, commitHash); err != nil {
		return err
	}

	task, err := m.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	machine := vm.New(taskID, state, m.Graph, m.ToolDeps, m.PoolSize, m.Log, m.Metrics)
	branch, _ := m.Graph.GetCurrentBranch(ctx, taskID)

	for i := 0; i < maxSteps; i++ {
		cur := machine.State()
		if cur.GoalCompleted {
			task.Status = planmodel.TaskCompleted
			if sink != nil {
				sink.Finish("stop")
			}
			return m.Tasks.Save(ctx, task)
		}

		decision, err := m.Optimizer.ShouldUpdate(ctx, cur, suggestion)
		if err != nil {
			return fmt.Errorf("taskmanager: dynamic_update: %w", err)
		}
		if decision.ShouldUpdate {
			parsed, err := m.Optimizer.WholePlanUpdate(ctx, task.Goal, cur.CurrentPlan, suggestion)
			if err != nil {
				return fmt.Errorf("taskmanager: dynamic_update: whole optimize: %w", err)
			}
			cur.CurrentPlan = parsed.Plan
			cur.Reasoning = parsed.Reasoning
			if err := m.Graph.UpdateState(ctx, taskID, cur); err != nil {
				return err
			}
			if _, err := m.Graph.CommitChanges(ctx, taskID, planmodel.CommitMessage{
				Type: planmodel.CommitPlanUpdate, Description: "dynamic plan update: " + decision.Explanation,
			}); err != nil && err != commitgraph.ErrNoChanges {
				return err
			}
			machine = vm.New(taskID, cur, m.Graph, m.ToolDeps, m.PoolSize, m.Log, m.Metrics)
		}

		var step planmodel.PlanStep
		if cur.ProgramCounter < len(cur.CurrentPlan) {
			step = cur.CurrentPlan[cur.ProgramCounter]
		}
		toolCallID := ""
		if sink != nil && step.Type == planmodel.StepCalling {
			toolCallID = uuid.NewString()
			toolName, _ := step.Parameters["tool_name"].(string)
			toolParams, _ := step.Parameters["tool_params"].(map[string]any)
			sink.ToolCall(step.SeqNo, toolCallID, toolName, toolParams)
		}

		outcome, err := machine.Step(ctx)
		if err != nil {
			task.Status = planmodel.TaskFailed
			_ = m.Tasks.Save(ctx, task)
			if sink != nil {
				sink.Finish("error")
			}
			return err
		}
		if !outcome.Success {
			task.Status = planmodel.TaskFailed
			if sink != nil {
				sink.Finish("error")
			}
			return m.Tasks.Save(ctx, task)
		}

		if sink != nil {
			var result any
			if commit, cerr := m.Graph.GetCommit(ctx, taskID, outcome.CommitHash); cerr == nil {
				result = commit.Message.OutputVariables
				if fa, ok := commit.Message.OutputVariables["final_answer"]; ok {
					if text, ok := fa.(string); ok {
						sink.FinalAnswerText(text)
					}
				}
			}
			if toolCallID != "" {
				sink.ToolResult(step.SeqNo, toolCallID, result)
			}
			sink.Annotation(branch, step.SeqNo)
			sink.StepFinish(step.SeqNo, "stop")
		}
	}

	if machine.State().GoalCompleted {
		task.Status = planmodel.TaskCompleted
	} else {
		task.Status = planmodel.TaskInProgress
	}
	if sink != nil {
		sink.Finish("stop")
	}
	return m.Tasks.Save(ctx, task)
}

// OptimizeStep prompts the LLM for a single replacement step, branches from
// commitHash's parent, splices the new step at seqNo, and runs to
// completion.
func (m *Manager) OptimizeStep(ctx context.Context, taskID, commitHash string, seqNo int, suggestion string, sink StepSink) error {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	parentHash, err := m.Graph.GetParentCommitHash(ctx, taskID, commitHash)
	if err != nil {
		return err
	}
	branchName := fmt.Sprintf("optimize-%s-%d", commitHash[:8], seqNo)
	if err := m.Graph.CheckoutBranchFromCommit(ctx, taskID, branchName, parentHash); err != nil {
		return err
	}

	state, err := m.Graph.LoadState(ctx, taskID, parentHash)
	if err != nil {
		return err
	}

	task, err := m.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	parsed, err := m.Optimizer.PartialUpdate(ctx, task.Goal, state.CurrentPlan, seqNo, suggestion)
	if err != nil {
		return fmt.Errorf("taskmanager: optimize_step: %w", err)
	}
	newStep := findStepBySeq(parsed.Plan, seqNo)
	if newStep == nil {
		return fmt.Errorf("taskmanager: optimize_step: optimizer did not return a step for seq_no %d", seqNo)
	}
	state.CurrentPlan = spliceStep(state.CurrentPlan, *newStep, seqNo)
	state.ProgramCounter = indexOfSeq(state.CurrentPlan, seqNo)

	if err := m.Graph.UpdateState(ctx, taskID, state); err != nil {
		return err
	}
	if _, err := m.Graph.CommitChanges(ctx, taskID, planmodel.CommitMessage{
		Type: planmodel.CommitStepOptimization, SeqNo: seqNo, Description: "step optimization: " + suggestion,
	}); err != nil && err != commitgraph.ErrNoChanges {
		return err
	}

	return m.runToCompletion(ctx, taskID, state, &task, sink)
}

// ReExecute creates a fresh branch from either a named commit or the
// earliest commit on the current head, optionally overriding the plan.
func (m *Manager) ReExecute(ctx context.Context, taskID, commitHash string, overridePlan []planmodel.PlanStep, sink StepSink) error {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	hash := commitHash
	if hash == "" {
		branch, err := m.Graph.GetCurrentBranch(ctx, taskID)
		if err != nil {
			return err
		}
		hashes, err := m.Graph.GetCommitHashes(ctx, taskID, branch)
		if err != nil {
			return err
		}
		if len(hashes) == 0 {
			return fmt.Errorf("taskmanager: re_execute: no commits on current branch")
		}
		hash = hashes[len(hashes)-1]
	}

	state, err := m.Graph.LoadState(ctx, taskID, hash)
	if err != nil {
		return err
	}
	if overridePlan != nil {
		state.CurrentPlan = overridePlan
		state.ProgramCounter = 0
	}

	branchName := fmt.Sprintf("re-execute-%s", hash[:8])
	if err := m.Graph.CheckoutBranchFromCommit(ctx, taskID, branchName, hash); err != nil {
		return err
	}

	task, err := m.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if err := m.runToCompletion(ctx, taskID, state, &task, sink); err != nil {
		return err
	}
	if task.Status == planmodel.TaskCompleted {
		if head, err := m.Graph.GetCurrentCommitHash(ctx, taskID); err == nil {
			if merr := m.Graph.MarkMilestone(ctx, taskID, head, "re_execute succeeded"); merr != nil {
				m.Log.Warn(ctx, "taskmanager: mark milestone failed", "task", taskID, "err", merr)
			}
		}
	}
	return nil
}

// SaveBestPlan reads the current_plan from commitHash's state and writes it
// to the task's best_plan.
func (m *Manager) SaveBestPlan(ctx context.Context, taskID, commitHash string) error {
	state, err := m.Graph.LoadState(ctx, taskID, commitHash)
	if err != nil {
		return err
	}
	task, err := m.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	task.BestPlan = state.CurrentPlan
	return m.Tasks.Save(ctx, task)
}

// runToCompletion drives the VM forward until goal_completed or a failed
// step, recording the final task status. When sink is non-nil, it is fed
// the following events in order: tool-call (if
// calling) → final-answer text (if this step installs one) → tool-result
// (if calling) → annotation → step-finish, then a terminal finish event.
func (m *Manager) runToCompletion(ctx context.Context, taskID string, state planmodel.VMState, task *planmodel.Task, sink StepSink) error {
	machine := vm.New(taskID, state, m.Graph, m.ToolDeps, m.PoolSize, m.Log, m.Metrics)
	branch, _ := m.Graph.GetCurrentBranch(ctx, taskID)

	for {
		cur := machine.State()
		if cur.GoalCompleted {
			task.Status = planmodel.TaskCompleted
			if sink != nil {
				sink.Finish("stop")
			}
			return m.Tasks.Save(ctx, *task)
		}

		var step planmodel.PlanStep
		if cur.ProgramCounter < len(cur.CurrentPlan) {
			step = cur.CurrentPlan[cur.ProgramCounter]
		}
		toolCallID := ""
		if sink != nil && step.Type == planmodel.StepCalling {
			toolCallID = uuid.NewString()
			toolName, _ := step.Parameters["tool_name"].(string)
			toolParams, _ := step.Parameters["tool_params"].(map[string]any)
			sink.ToolCall(step.SeqNo, toolCallID, toolName, toolParams)
		}

		outcome, err := machine.Step(ctx)
		if err != nil {
			task.Status = planmodel.TaskFailed
			_ = m.Tasks.Save(ctx, *task)
			if sink != nil {
				sink.Finish("error")
			}
			return err
		}
		if !outcome.Success {
			task.Status = planmodel.TaskFailed
			if sink != nil {
				sink.Finish("error")
			}
			return m.Tasks.Save(ctx, *task)
		}

		if sink != nil {
			var result any
			if commit, cerr := m.Graph.GetCommit(ctx, taskID, outcome.CommitHash); cerr == nil {
				result = commit.Message.OutputVariables
				if fa, ok := commit.Message.OutputVariables["final_answer"]; ok {
					if text, ok := fa.(string); ok {
						sink.FinalAnswerText(text)
					}
				}
			}
			if toolCallID != "" {
				sink.ToolResult(step.SeqNo, toolCallID, result)
			}
			sink.Annotation(branch, step.SeqNo)
			sink.StepFinish(step.SeqNo, "stop")
		}
	}
}

func planStepsToJSON(plan []planmodel.PlanStep) (string, error) {
	if len(plan) == 0 {
		return "", fmt.Errorf("empty plan")
	}
	return planparser.Stringify(plan)
}

func findStepBySeq(plan []planmodel.PlanStep, seqNo int) *planmodel.PlanStep {
	for i := range plan {
		if plan[i].SeqNo == seqNo {
			return &plan[i]
		}
	}
	if len(plan) > 0 {
		return &plan[0]
	}
	return nil
}

// metaStringMap reads a string-keyed, string-valued map out of task.Meta at
// key. Meta set in-process holds a literal map[string]string, but a SQL
// round-trip deserializes it as map[string]any, so both shapes are
// accepted; any other shape (or a missing key) returns nil.
func metaStringMap(meta map[string]any, key string) map[string]string {
	switch v := meta[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			s, ok := val.(string)
			if !ok {
				return nil
			}
			out[k] = s
		}
		return out
	default:
		return nil
	}
}

// metaStringSlice reads a string slice out of task.Meta at key, accepting
// both the in-process []string shape and the []any shape a SQL round-trip
// produces.
func metaStringSlice(meta map[string]any, key string) []string {
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, val := range v {
			s, ok := val.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}

func spliceStep(plan []planmodel.PlanStep, newStep planmodel.PlanStep, seqNo int) []planmodel.PlanStep {
	out := make([]planmodel.PlanStep, 0, len(plan))
	replaced := false
	for _, s := range plan {
		if s.SeqNo == seqNo {
			out = append(out, newStep)
			replaced = true
			continue
		}
		out = append(out, s)
	}
	if !replaced {
		out = append(out, newStep)
	}
	return out
}

func indexOfSeq(plan []planmodel.PlanStep, seqNo int) int {
	for i, s := range plan {
		if s.SeqNo == seqNo {
			return i
		}
	}
	return 0
}

// PickSuggestion returns a random suggestion from the set, used by the MCTS
// expansion step when a selected node has multiple pending suggestions.
func PickSuggestion(suggestions []planmodel.OptimizationSuggestion) (planmodel.OptimizationSuggestion, []planmodel.OptimizationSuggestion) {
	i := rand.Intn(len(suggestions))
	picked := suggestions[i]
	rest := make([]planmodel.OptimizationSuggestion, 0, len(suggestions)-1)
	rest = append(rest, suggestions[:i]...)
	rest = append(rest, suggestions[i+1:]...)
	return picked, rest
}
