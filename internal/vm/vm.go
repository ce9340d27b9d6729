// Package vm implements the Plan VM: step materialization, lookahead
// concurrency among independent tool calls, reference-counted garbage
// collection, and state save/load against a commit graph.
package vm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ngaut/planengine/internal/commitgraph"
	"github.com/ngaut/planengine/internal/instructions"
	"github.com/ngaut/planengine/internal/planmodel"
	"github.com/ngaut/planengine/internal/telemetry"
	"github.com/ngaut/planengine/internal/varstore"
	"github.com/ngaut/planengine/internal/vmerr"
)

type stepStatus string

const (
	statusPending    stepStatus = "pending"
	statusSubmitted  stepStatus = "submitted"
	statusRunning    stepStatus = "running"
	statusSuccessful stepStatus = "successful"
	statusFailed     stepStatus = "failed"
)

type stepExec struct {
	status stepStatus
	result vmerr.StepResult
	done   chan struct{}
}

// VM is a single task's plan interpreter. Instances are transient: owned by
// one executor call, bound to one task's commit graph.
type VM struct {
	mu    sync.Mutex
	state planmodel.VMState
	vars  *varstore.Store

	steps    map[int]*stepExec // index into state.CurrentPlan -> execution record
	seqIndex map[int]int       // seq_no -> index

	pool chan struct{} // worker pool semaphore

	graph  commitgraph.Graph
	taskID string
	deps   instructions.Deps

	log     telemetry.Logger
	metrics telemetry.Metrics
}

// New constructs a VM bound to taskID's commit graph and seeded with state.
// poolSize bounds the number of concurrently executing lookahead steps.
// deps.Vars is replaced by the VM's own variable store.
func New(taskID string, state planmodel.VMState, graph commitgraph.Graph, deps instructions.Deps, poolSize int, log telemetry.Logger, metrics telemetry.Metrics) *VM {
	if poolSize <= 0 {
		poolSize = 4
	}
	store := varstore.New()
	store.SetAll(state.Variables, state.VariablesRefs)
	deps.Vars = store
	return &VM{
		state:   state,
		vars:    store,
		steps:   make(map[int]*stepExec),
		pool:    make(chan struct{}, poolSize),
		graph:   graph,
		taskID:  taskID,
		deps:    deps,
		log:     log,
		metrics: metrics,
	}
}

// StepOutcome is the result of one VM.Step call.
type StepOutcome struct {
	Success    bool
	CommitHash string
	Err        *vmerr.StepError
}

func (vm *VM) materialize() {
	if vm.seqIndex != nil {
		return
	}
	vm.seqIndex = make(map[int]int, len(vm.state.CurrentPlan))
	for i, step := range vm.state.CurrentPlan {
		vm.seqIndex[step.SeqNo] = i
		if _, ok := vm.steps[i]; !ok {
			vm.steps[i] = &stepExec{status: statusPending, done: make(chan struct{})}
		}
	}
}

// Step advances the VM by exactly one plan step.
func (vm *VM) Step(ctx context.Context) (StepOutcome, error) {
	start := time.Now()
	vm.mu.Lock()
	vm.materialize()
	pc := vm.state.ProgramCounter
	if pc >= len(vm.state.CurrentPlan) {
		vm.mu.Unlock()
		return StepOutcome{}, fmt.Errorf("vm: %w", vmerr.ErrProgramCounterOOB)
	}
	current := vm.state.CurrentPlan[pc]
	currentExec := vm.steps[pc]

	if currentExec.status == statusPending && current.Type != planmodel.StepJmp {
		vm.submitRun(ctx, pc)
		for _, idx := range vm.lookaheadIndices(pc) {
			vm.submitRun(ctx, idx)
		}
	} else if currentExec.status == statusPending {
		vm.submitRun(ctx, pc)
	}
	vm.mu.Unlock()

	<-currentExec.done
	result := currentExec.result

	if result.Failed() {
		commitHash, cerr := vm.commitFailure(ctx, current, result.Err)
		if cerr != nil {
			vm.log.Error(ctx, "vm: failed to write failure commit", "task", vm.taskID, "err", cerr)
		}
		vm.metrics.IncCounter("vm.step.failed", 1, "type", string(current.Type))
		vm.metrics.RecordTimer("vm.step.duration", time.Since(start), "type", string(current.Type))
		return StepOutcome{Success: false, CommitHash: commitHash, Err: result.Err}, nil
	}

	outcome, err := vm.installAndAdvance(ctx, pc, current, result)
	vm.metrics.IncCounter("vm.step.succeeded", 1, "type", string(current.Type))
	vm.metrics.RecordTimer("vm.step.duration", time.Since(start), "type", string(current.Type))
	return outcome, err
}

// lookaheadIndices collects the maximal contiguous run of calling steps
// after pc whose ${...} references all resolve to variables currently
// present in the store, stopping at the first non-calling step or unmet
// dependency.
func (vm *VM) lookaheadIndices(pc int) []int {
	var out []int
	for i := pc + 1; i < len(vm.state.CurrentPlan); i++ {
		step := vm.state.CurrentPlan[i]
		if step.Type != planmodel.StepCalling {
			break
		}
		if vm.steps[i] == nil {
			vm.steps[i] = &stepExec{status: statusPending, done: make(chan struct{})}
		}
		if vm.steps[i].status != statusPending {
			break
		}
		if !vm.depsSatisfied(step) {
			break
		}
		out = append(out, i)
	}
	return out
}

func (vm *VM) depsSatisfied(step planmodel.PlanStep) bool {
	params, _ := step.Parameters["tool_params"].(map[string]any)
	for _, v := range params {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for name := range vm.vars.FindRefs(s) {
			if _, ok := vm.vars.Get(name); !ok {
				return false
			}
		}
	}
	return true
}

// submitRun transitions idx from pending to submitted and launches its
// execution on the worker pool. Must be called with vm.mu held.
func (vm *VM) submitRun(ctx context.Context, idx int) {
	exec := vm.steps[idx]
	if exec.status != statusPending {
		return
	}
	exec.status = statusSubmitted
	step := vm.state.CurrentPlan[idx]
	go func() {
		vm.pool <- struct{}{}
		defer func() { <-vm.pool }()

		vm.mu.Lock()
		exec.status = statusRunning
		vm.mu.Unlock()

		result := vm.runOne(ctx, step)

		vm.mu.Lock()
		if result.Failed() {
			exec.status = statusFailed
		} else {
			exec.status = statusSuccessful
		}
		exec.result = result
		vm.mu.Unlock()
		close(exec.done)
	}()
}

func (vm *VM) runOne(ctx context.Context, step planmodel.PlanStep) (result vmerr.StepResult) {
	defer func() {
		if r := recover(); r != nil {
			result = vmerr.Fail(vmerr.KindPanic, string(step.Type), fmt.Sprintf("panic: %v", r), step.Parameters)
		}
	}()
	return instructions.Dispatch(ctx, step, vm.deps)
}

// installAndAdvance installs a successful step's outputs, advances the
// program counter, runs garbage collection, and commits the new state.
func (vm *VM) installAndAdvance(ctx context.Context, pc int, step planmodel.PlanStep, result vmerr.StepResult) (StepOutcome, error) {
	vm.mu.Lock()
	for name, value := range result.OutputVars {
		refs := vm.countLaterReferences(pc, name)
		if name == "final_answer" {
			vm.state.GoalCompleted = true
			if refs < 1 {
				refs = 1 // the terminal output must survive GC to land in the commit
			}
		}
		vm.vars.Set(name, value, refs)
	}
	vm.state.Msgs = append(vm.state.Msgs, result.Msgs...)

	if result.HasTarget {
		idx, ok := vm.seqIndex[result.TargetSeq]
		if !ok {
			vm.mu.Unlock()
			return StepOutcome{}, fmt.Errorf("vm: target seq_no %d not found", result.TargetSeq)
		}
		vm.state.ProgramCounter = idx
	} else {
		vm.state.ProgramCounter = pc + 1
	}

	vm.vars.GarbageCollect()
	values, refs := vm.vars.GetAll()
	vm.state.Variables = values
	vm.state.VariablesRefs = refs
	snapshot := vm.state
	vm.mu.Unlock()

	msg := planmodel.CommitMessage{
		Type:            planmodel.CommitStepExecution,
		SeqNo:           step.SeqNo,
		Description:     fmt.Sprintf("step %d (%s)", step.SeqNo, step.Type),
		InputParameters: truncateMap(step.Parameters),
		OutputVariables: truncateMap(result.OutputVars),
	}
	if err := vm.graph.UpdateState(ctx, vm.taskID, snapshot); err != nil {
		return StepOutcome{}, fmt.Errorf("vm: update state: %w", err)
	}
	hash, err := vm.graph.CommitChanges(ctx, vm.taskID, msg)
	if err != nil && err != commitgraph.ErrNoChanges {
		return StepOutcome{}, fmt.Errorf("vm: commit changes: %w", err)
	}
	return StepOutcome{Success: true, CommitHash: hash}, nil
}

func (vm *VM) commitFailure(ctx context.Context, step planmodel.PlanStep, stepErr *vmerr.StepError) (string, error) {
	vm.mu.Lock()
	vm.state.Errors = append(vm.state.Errors, stepErr.Error())
	snapshot := vm.state
	vm.mu.Unlock()

	msg := planmodel.CommitMessage{
		Type:            planmodel.CommitStepExecution,
		SeqNo:           step.SeqNo,
		Description:     fmt.Sprintf("step %d (%s) failed", step.SeqNo, step.Type),
		InputParameters: truncateMap(step.Parameters),
		ExecutionError:  stepErr.Error(),
	}
	if err := vm.graph.UpdateState(ctx, vm.taskID, snapshot); err != nil {
		return "", err
	}
	hash, err := vm.graph.CommitChanges(ctx, vm.taskID, msg)
	if err == commitgraph.ErrNoChanges {
		return hash, nil
	}
	return hash, err
}

// countLaterReferences scans every plan step after pc and counts how many
// of its parameter strings (including strings one level inside a map
// parameter such as tool_params) reference name, used as the initial
// reference count for a newly installed variable.
func (vm *VM) countLaterReferences(pc int, name string) int {
	count := 0
	for i := pc + 1; i < len(vm.state.CurrentPlan); i++ {
		for _, v := range vm.state.CurrentPlan[i].Parameters {
			values := []any{v}
			if nested, ok := v.(map[string]any); ok {
				values = values[:0]
				for _, nv := range nested {
					values = append(values, nv)
				}
			}
			for _, nv := range values {
				s, ok := nv.(string)
				if !ok {
					continue
				}
				if _, ok := vm.vars.FindRefs(s)[name]; ok {
					count++
				}
			}
		}
	}
	return count
}

// RecalculateVariableRefs resets every known variable's reference count to
// zero and re-scans the plan from ProgramCounter forward, counting one
// reference per parameter string that mentions ${name} (including strings
// one level inside a map parameter such as tool_params).
func (vm *VM) RecalculateVariableRefs() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	values, _ := vm.vars.GetAll()
	refs := make(map[string]int, len(values))
	for name := range values {
		refs[name] = 0
	}
	for i := vm.state.ProgramCounter; i < len(vm.state.CurrentPlan); i++ {
		for _, v := range vm.state.CurrentPlan[i].Parameters {
			texts := []any{v}
			if nested, ok := v.(map[string]any); ok {
				texts = texts[:0]
				for _, nv := range nested {
					texts = append(texts, nv)
				}
			}
			for _, nv := range texts {
				s, ok := nv.(string)
				if !ok {
					continue
				}
				for name := range vm.vars.FindRefs(s) {
					refs[name]++
				}
			}
		}
	}
	vm.vars.SetAll(values, refs)
}

// ParseFinalAnswer reverse-scans the plan for an assign to final_answer
// (template mode) or a calling step producing final_answer among its
// outputs (non-template), returning the producing step's index or -1.
func ParseFinalAnswer(plan []planmodel.PlanStep) int {
	for i := len(plan) - 1; i >= 0; i-- {
		step := plan[i]
		switch step.Type {
		case planmodel.StepAssign:
			if _, ok := step.Parameters["final_answer"]; ok {
				return i
			}
		case planmodel.StepCalling:
			if names, err := outputVarNames(step); err == nil {
				for _, n := range names {
					if n == "final_answer" {
						return i
					}
				}
			}
		}
	}
	return -1
}

func outputVarNames(step planmodel.PlanStep) ([]string, error) {
	raw, ok := step.Parameters["output_vars"]
	if !ok {
		return nil, fmt.Errorf("no output_vars")
	}
	switch t := raw.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported output_vars shape")
	}
}

// ParseDependencies returns, for each requested variable name, the seq_no
// of the step that produces it.
func ParseDependencies(plan []planmodel.PlanStep, names []string) map[string]int {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	out := make(map[string]int, len(names))
	for _, step := range plan {
		if step.Type != planmodel.StepCalling {
			continue
		}
		produced, err := outputVarNames(step)
		if err != nil {
			continue
		}
		for _, p := range produced {
			if _, ok := want[p]; ok {
				out[p] = step.SeqNo
			}
		}
	}
	return out
}

func truncateMap(m map[string]any) map[string]any {
	const maxLen = 256
	out := make(map[string]any, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok && len(s) > maxLen {
			out[k] = s[:maxLen] + "..."
			continue
		}
		out[k] = v
	}
	return out
}

// State returns a copy of the VM's current state snapshot.
func (vm *VM) State() planmodel.VMState {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}
