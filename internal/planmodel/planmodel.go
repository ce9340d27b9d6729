// Package planmodel defines the data types shared across the engine: tasks,
// commits, branches, VM state snapshots, plan steps, labels, and the shapes
// used by the MCTS optimizer.
package planmodel

import "time"

// TaskStatus enumerates the lifecycle states of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskDeleted    TaskStatus = "deleted"
)

// EvaluationStatus enumerates human/auto evaluation outcomes for a Task.
type EvaluationStatus string

const (
	EvalNotEvaluated        EvaluationStatus = "NOT_EVALUATED"
	EvalWaitingForEvaluation EvaluationStatus = "WAITING_FOR_EVALUATION"
	EvalApproved             EvaluationStatus = "APPROVED"
	EvalRejected             EvaluationStatus = "REJECTED"
)

// Task is the top-level unit of work: a goal submitted by a user, executed
// by exactly one serialized executor at a time.
type Task struct {
	ID                     string
	Goal                   string
	Status                 TaskStatus
	Meta                   map[string]any
	BestPlan               []PlanStep
	Namespace              string
	Label                  string
	EvaluationStatus       EvaluationStatus
	EvaluationReason       string
	HumanEvaluationStatus  EvaluationStatus
	HumanEvaluationReason  string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// CommitType classifies the event that produced a Commit.
type CommitType string

const (
	CommitStepExecution   CommitType = "StepExecution"
	CommitPlanUpdate      CommitType = "PlanUpdate"
	CommitStepOptimization CommitType = "StepOptimization"
	CommitGeneratePlan    CommitType = "GeneratePlan"
)

// CommitMessage is the structured description carried by every Commit.
type CommitMessage struct {
	Type            CommitType     `json:"type"`
	SeqNo           int            `json:"seq_no"`
	Description     string         `json:"description"`
	InputParameters map[string]any `json:"input_parameters,omitempty"`
	OutputVariables map[string]any `json:"output_variables,omitempty"`
	ExecutionError  string         `json:"execution_error,omitempty"`
}

// Commit is an immutable, content-addressed snapshot in a task's history
// DAG.
type Commit struct {
	Hash        string
	ParentHash  string
	Message     CommitMessage
	VMState     VMState
	CommittedAt time.Time
	TaskID      string
}

// Branch is a named, mutable pointer to a head commit within one task.
type Branch struct {
	Name           string
	TaskID         string
	HeadCommitHash string
}

// BranchSummary is the denormalized row returned by list_branches.
type BranchSummary struct {
	Name            string
	HeadCommitHash  string
	HeadCommitTime  time.Time
	MessagePreview  string
	IsActive        bool
}

// CommitRow is the denormalized row returned by get_commits/get_commit.
type CommitRow struct {
	Time       time.Time
	Title      string
	Details    string
	CommitHash string
	SeqNo      int
	VMState    VMState
	CommitType CommitType
	Message    CommitMessage
}

// VMState is the serializable snapshot of a Plan VM's working memory.
type VMState struct {
	Goal           string         `json:"goal"`
	CurrentPlan    []PlanStep     `json:"current_plan"`
	Reasoning      string         `json:"reasoning"`
	ProgramCounter int            `json:"program_counter"`
	GoalCompleted  bool           `json:"goal_completed"`
	Errors         []string       `json:"errors"`
	Msgs           []string       `json:"msgs"`
	Variables      map[string]any `json:"variables"`
	VariablesRefs  map[string]int `json:"variables_refs"`
}

// StepType enumerates the four instruction families a PlanStep can carry.
type StepType string

const (
	StepCalling   StepType = "calling"
	StepJmp       StepType = "jmp"
	StepAssign    StepType = "assign"
	StepReasoning StepType = "reasoning"
)

// PlanStep is one element of a plan. Parameters holds the type-specific
// payload, whose shape depends on Type.
type PlanStep struct {
	SeqNo      int            `json:"seq_no"`
	Type       StepType       `json:"type"`
	Parameters map[string]any `json:"parameters"`
}

// Label is one node of a per-namespace hierarchical category tree.
type Label struct {
	ID            string
	Name          string
	Description   string
	BestPractices string
	ParentID      string
	Namespace     string
}

// Namespace scopes which tools a task may use.
type Namespace struct {
	Name         string
	AllowedTools []string
	Description  string
}

// MCTSNodeState is the state payload carried by one MCTS tree node.
type MCTSNodeState struct {
	Plan            []PlanStep
	SeqNo           int
	VMState         VMState
	CommitHash      string
	FinalAnswer     string
	HasFinalAnswer  bool
	Evaluation      string
	ExecutionError  string
}

// OptimizationSuggestion is a reflection-derived candidate edit to a plan's
// tail, pending selection by the MCTS optimizer.
type OptimizationSuggestion struct {
	Suggestion string
	BranchName string
}
