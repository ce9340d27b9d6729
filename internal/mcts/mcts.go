// Package mcts implements the MCTS plan optimizer: a search tree built
// directly from a task's commit graph, UCB1 selection among reflection-
// derived suggestions, expansion via the Task Manager's update/re_execute,
// evaluation by an LLM judge, and back-propagation that generates further
// suggestions for every ancestor.
package mcts

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ngaut/planengine/internal/commitgraph"
	"github.com/ngaut/planengine/internal/planmodel"
	"github.com/ngaut/planengine/internal/taskmanager"
	"github.com/ngaut/planengine/internal/telemetry"
)

// explorationConstant is UCB1's c, fixed at √2 per the default policy.
var explorationConstant = math.Sqrt2

// Node is one attached MCTS tree node: a StepExecution commit together with
// its search statistics. Non-execution commits (GeneratePlan, PlanUpdate,
// StepOptimization) are transparent during construction and never get a
// Node of their own; their descendants attach to the nearest executed
// ancestor.
type Node struct {
	Parent   *Node
	Children []*Node

	CommitHash string
	Branch     string
	Row        planmodel.CommitRow

	Visits      int
	Value       float64
	Suggestions []planmodel.OptimizationSuggestion

	evaluated bool
}

// FinalAnswer returns the node's final_answer variable, if any.
func (n *Node) FinalAnswer() (string, bool) {
	v, ok := n.Row.VMState.Variables["final_answer"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ExecutionError returns the most recent error recorded against this
// commit's state, if any.
func (n *Node) ExecutionError() string {
	if len(n.Row.VMState.Errors) == 0 {
		return ""
	}
	return n.Row.VMState.Errors[len(n.Row.VMState.Errors)-1]
}

// ucb1 scores n for selection given its parent's visit count. Unvisited
// nodes score positive infinity so they are always preferred once reached.
func (n *Node) ucb1() float64 {
	if n.Visits == 0 {
		return math.Inf(1)
	}
	exploit := n.Value / float64(n.Visits)
	parentVisits := 1
	if n.Parent != nil && n.Parent.Visits > 0 {
		parentVisits = n.Parent.Visits
	}
	explore := explorationConstant * math.Sqrt(math.Log(float64(parentVisits))/float64(n.Visits))
	return exploit + explore
}

// commitRow is the raw forest-building record before the transparent pass
// collapses non-execution commits.
type commitRow struct {
	hash       string
	parentHash string
	branch     string
	row        planmodel.CommitRow
	children   []string
}

// Optimizer runs MCTS over one task's commit graph.
type Optimizer struct {
	Graph         commitgraph.Graph
	Manager       *taskmanager.Manager
	Eval          *Evaluator
	MaxIterations int
	Budget        time.Duration
	Log           telemetry.Logger
	Metrics       telemetry.Metrics
}

// New constructs an Optimizer. maxIterations and budget both bound a single
// Run call; whichever is reached first stops the search.
func New(graph commitgraph.Graph, manager *taskmanager.Manager, eval *Evaluator, maxIterations int, budget time.Duration, log telemetry.Logger, metrics telemetry.Metrics) *Optimizer {
	if maxIterations <= 0 {
		maxIterations = 32
	}
	return &Optimizer{Graph: graph, Manager: manager, Eval: eval, MaxIterations: maxIterations, Budget: budget, Log: log, Metrics: metrics}
}

// Run builds the tree, repeatedly selects and expands nodes until the
// iteration or wall-clock budget is exhausted, then promotes the
// highest-scoring final answer via save_best_plan.
func (o *Optimizer) Run(ctx context.Context, taskID, goal string) error {
	start := time.Now()
	defer func() { o.Metrics.RecordTimer("mcts.run.duration", time.Since(start)) }()

	root, all, err := o.buildTree(ctx, taskID)
	if err != nil {
		return fmt.Errorf("mcts: build tree: %w", err)
	}
	if root == nil {
		return fmt.Errorf("mcts: task %s has no executed commits to search", taskID)
	}
	for _, n := range all {
		o.attachEvaluate(ctx, goal, n)
	}

	deadline := time.Time{}
	if o.Budget > 0 {
		deadline = time.Now().Add(o.Budget)
	}
	iterations := 0
	for iter := 0; iter < o.MaxIterations; iter++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			o.Log.Info(ctx, "mcts: wall-clock budget exhausted", "task", taskID, "iteration", iter)
			break
		}
		node := o.selectNode(root, all)
		if node == nil {
			break
		}
		iterations++
		grafted, err := o.expand(ctx, taskID, node, iter)
		if err != nil {
			o.Metrics.IncCounter("mcts.expand.failed", 1)
			o.Log.Warn(ctx, "mcts: expansion failed", "task", taskID, "err", err)
			continue
		}
		all = append(all, grafted...)
		for _, n := range grafted {
			o.attachEvaluate(ctx, goal, n)
		}
	}
	o.Metrics.IncCounter("mcts.run.iterations", float64(iterations))

	return o.finalize(ctx, taskID, goal, all)
}

// buildTree walks every branch's commit history, links commits into a
// forest by parent hash, then collapses non-execution commits so only
// StepExecution commits become Nodes.
func (o *Optimizer) buildTree(ctx context.Context, taskID string) (*Node, []*Node, error) {
	branches, err := o.Graph.ListBranches(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	rows := make(map[string]*commitRow)
	for _, b := range branches {
		hashes, err := o.Graph.GetCommitHashes(ctx, taskID, b.Name)
		if err != nil {
			return nil, nil, err
		}
		for _, h := range hashes {
			if _, ok := rows[h]; ok {
				continue
			}
			row, err := o.Graph.GetCommit(ctx, taskID, h)
			if err != nil {
				return nil, nil, err
			}
			parent, err := o.Graph.GetParentCommitHash(ctx, taskID, h)
			if err != nil {
				return nil, nil, err
			}
			rows[h] = &commitRow{hash: h, parentHash: parent, branch: b.Name, row: row}
		}
	}

	var rootHash string
	for h, r := range rows {
		if r.parentHash == "" {
			rootHash = h
			continue
		}
		if p, ok := rows[r.parentHash]; ok {
			p.children = append(p.children, h)
		}
	}
	if rootHash == "" {
		return nil, nil, nil
	}

	var all []*Node
	var walk func(hash string, parent *Node) []*Node
	walk = func(hash string, parent *Node) []*Node {
		r := rows[hash]
		next := parent
		var attached []*Node
		if r.row.CommitType == planmodel.CommitStepExecution {
			n := &Node{Parent: parent, CommitHash: hash, Branch: r.branch, Row: r.row}
			if parent != nil {
				parent.Children = append(parent.Children, n)
			}
			all = append(all, n)
			attached = append(attached, n)
			next = n
		}
		for _, c := range r.children {
			attached = append(attached, walk(c, next)...)
		}
		return attached
	}
	walk(rootHash, nil)

	if len(all) == 0 {
		return nil, nil, nil
	}
	// The first attached node(s) have Parent == nil structurally; give them
	// a synthetic root so UCB1 and back-propagation termination have a
	// common ancestor to stop at.
	root := &Node{}
	for _, n := range all {
		if n.Parent == nil {
			n.Parent = root
			root.Children = append(root.Children, n)
		}
	}
	return root, all, nil
}

// attachEvaluate runs evaluate_state on a newly attached node and
// immediately backpropagates if it returned backprop-worthy signal.
func (o *Optimizer) attachEvaluate(ctx context.Context, goal string, n *Node) {
	if n.evaluated {
		return
	}
	n.evaluated = true

	eval, err := o.Eval.EvaluateState(ctx, goal, n)
	if err != nil {
		o.Log.Warn(ctx, "mcts: evaluate_state failed", "commit", n.CommitHash, "err", err)
		return
	}
	if eval.NeedBackprop {
		o.backpropagate(ctx, goal, n, eval.Reward, eval.Feedback)
	}
}

// backpropagate walks from n up to the synthetic root, incrementing visits
// and value, and asks the evaluator for fresh per-ancestor suggestions.
func (o *Optimizer) backpropagate(ctx context.Context, goal string, n *Node, reward float64, feedback string) {
	for ancestor := n.Parent; ancestor != nil; ancestor = ancestor.Parent {
		ancestor.Visits++
		ancestor.Value += reward
		if ancestor.CommitHash == "" {
			continue // synthetic root carries no plan to reflect on
		}
		suggestions, err := o.Eval.ReflectOnFinalAnswer(ctx, goal, ancestor, n, feedback)
		if err != nil {
			o.Log.Warn(ctx, "mcts: reflect_on_final_answer failed", "commit", ancestor.CommitHash, "err", err)
			continue
		}
		for _, s := range suggestions {
			if !s.ShouldOptimize {
				continue
			}
			ancestor.Suggestions = append(ancestor.Suggestions, planmodel.OptimizationSuggestion{
				Suggestion: s.Suggestion,
				BranchName: n.Branch,
			})
		}
	}
}

// selectNode returns the eligible node (pending suggestions, or a
// non-terminal leaf) with the highest UCB1 score.
func (o *Optimizer) selectNode(root *Node, all []*Node) *Node {
	var best *Node
	var bestScore float64
	for _, n := range all {
		_, hasFinal := n.FinalAnswer()
		isNonTerminalLeaf := len(n.Children) == 0 && !hasFinal && n.ExecutionError() == ""
		if len(n.Suggestions) == 0 && !isNonTerminalLeaf {
			continue
		}
		score := n.ucb1()
		if best == nil || score > bestScore {
			best, bestScore = n, score
		}
	}
	return best
}

// expand applies one unit of search effort to node: if it has pending
// suggestions, pop one at random and graft the Task Manager's update
// result; otherwise, if it is a non-terminal leaf, re-execute from it.
func (o *Optimizer) expand(ctx context.Context, taskID string, node *Node, iteration int) ([]*Node, error) {
	if len(node.Suggestions) > 0 {
		picked, rest := taskmanager.PickSuggestion(node.Suggestions)
		node.Suggestions = rest
		newBranch := fmt.Sprintf("mcts-%s-%d", shortHash(node.CommitHash), iteration)
		if err := o.Manager.Update(ctx, taskID, newBranch, node.CommitHash, picked.Suggestion, false, picked.BranchName, nil); err != nil {
			return nil, err
		}
		return o.graftBranch(ctx, taskID, newBranch, node)
	}

	newBranch := fmt.Sprintf("re-execute-%s", shortHash(node.CommitHash))
	if err := o.Manager.ReExecute(ctx, taskID, node.CommitHash, nil, nil); err != nil {
		return nil, err
	}
	return o.graftBranch(ctx, taskID, newBranch, node)
}

// graftBranch attaches the commits newly produced on branch (beyond
// node's own commit) as descendants of node.
func (o *Optimizer) graftBranch(ctx context.Context, taskID, branch string, node *Node) ([]*Node, error) {
	hashes, err := o.Graph.GetCommitHashes(ctx, taskID, branch)
	if err != nil {
		return nil, err
	}
	// hashes is head-first; walk it tail-first (toward the new head) and
	// stop once node's own commit is reached.
	var fresh []string
	for i := len(hashes) - 1; i >= 0; i-- {
		if hashes[i] == node.CommitHash {
			fresh = hashes[:i]
			break
		}
	}
	if fresh == nil {
		fresh = hashes
	}

	var grafted []*Node
	parent := node
	for i := len(fresh) - 1; i >= 0; i-- {
		hash := fresh[i]
		row, err := o.Graph.GetCommit(ctx, taskID, hash)
		if err != nil {
			return nil, err
		}
		if row.CommitType != planmodel.CommitStepExecution {
			continue
		}
		n := &Node{Parent: parent, CommitHash: hash, Branch: branch, Row: row}
		parent.Children = append(parent.Children, n)
		grafted = append(grafted, n)
		parent = n
	}
	return grafted, nil
}

// finalize scores every leaf by value/visits, runs the final tournament
// among leaves carrying a final_answer, and promotes the winner.
func (o *Optimizer) finalize(ctx context.Context, taskID, goal string, all []*Node) error {
	var leaves []*Node
	for _, n := range all {
		if len(n.Children) == 0 {
			leaves = append(leaves, n)
		}
	}
	sort.SliceStable(leaves, func(i, j int) bool { return score(leaves[i]) > score(leaves[j]) })

	var finalists []*Node
	for _, n := range leaves {
		if _, ok := n.FinalAnswer(); ok {
			finalists = append(finalists, n)
		}
	}
	if len(finalists) == 0 {
		return nil
	}
	if len(finalists) == 1 {
		return o.Manager.SaveBestPlan(ctx, taskID, finalists[0].CommitHash)
	}

	scores, err := o.Eval.EvaluateMultipleAnswers(ctx, goal, finalists)
	if err != nil {
		return fmt.Errorf("mcts: evaluate_multiple_answers: %w", err)
	}
	best := finalists[0]
	bestScore := scores[best.CommitHash]
	for _, n := range finalists[1:] {
		if s := scores[n.CommitHash]; s > bestScore {
			best, bestScore = n, s
		}
	}
	return o.Manager.SaveBestPlan(ctx, taskID, best.CommitHash)
}

func score(n *Node) float64 {
	if n.Visits == 0 {
		return 0
	}
	return n.Value / float64(n.Visits)
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
