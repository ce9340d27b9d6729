// Package vmerr defines the StepResult sum type returned by every
// instruction handler and the sentinel errors raised across the engine.
// Handlers never panic or propagate exceptions across the step boundary;
// they return a StepResult and let the caller decide how to react.
package vmerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failed step result.
type Kind string

const (
	KindUnknownTool     Kind = "unknown_tool"
	KindBadParams       Kind = "bad_params"
	KindParseFailure    Kind = "parse_failure"
	KindUpstream        Kind = "upstream_error"
	KindProgramCounter  Kind = "program_counter_out_of_range"
	KindBranchNotFound  Kind = "branch_not_found"
	KindCommitNotFound  Kind = "commit_not_found"
	KindPlanUnavailable Kind = "plan_unavailable"
	KindPanic           Kind = "panic"
)

var (
	ErrUnknownTool     = errors.New("unknown tool")
	ErrProgramCounterOOB = errors.New("program counter out of range")
	ErrPlanUnavailable = errors.New("plan unavailable")
	ErrBranchNotFound  = errors.New("branch not found")
	ErrCommitNotFound  = errors.New("commit not found")
	ErrNoChanges       = errors.New("no staged changes")
)

// StepResult is the outcome of one instruction handler invocation. Exactly
// one of OutputVars or TargetSeq is meaningful on success, selected by
// HasTarget; Err is non-nil on failure.
type StepResult struct {
	OutputVars map[string]any
	TargetSeq  int
	HasTarget  bool
	Msgs       []string
	Err        *StepError
}

// StepError is the failure payload of a StepResult.
type StepError struct {
	Kind        Kind
	Message     string
	Instruction string
	Params      map[string]any
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s (instruction=%s)", e.Kind, e.Message, e.Instruction)
}

// Ok builds a successful StepResult carrying output variables.
func Ok(outputVars map[string]any) StepResult {
	return StepResult{OutputVars: outputVars}
}

// OkTarget builds a successful StepResult carrying a jump target.
func OkTarget(seq int) StepResult {
	return StepResult{TargetSeq: seq, HasTarget: true}
}

// Fail builds a failed StepResult.
func Fail(kind Kind, instruction, message string, params map[string]any) StepResult {
	return StepResult{Err: &StepError{Kind: kind, Message: message, Instruction: instruction, Params: params}}
}

// Failed reports whether the result represents a failure.
func (r StepResult) Failed() bool { return r.Err != nil }
