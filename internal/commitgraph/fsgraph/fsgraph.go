// Package fsgraph is the filesystem commit-graph back end: one git
// repository per task, with branches as native refs and vm_state.json as
// the single tracked state document. A per-repository flock guards write
// operations; the underlying git index is used to detect "no changes".
package fsgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/gofrs/flock"

	"github.com/ngaut/planengine/internal/commitgraph"
	"github.com/ngaut/planengine/internal/planmodel"
)

const (
	stateFileName    = "vm_state.json"
	readmeFileName   = "README.md"
	defaultBranch    = "main"
	milestonesFile   = "milestones.json"
)

// Graph is a commitgraph.Graph implementation with one git repository per
// task, rooted under root.
type Graph struct {
	root string

	mu    sync.Mutex
	repos map[string]*taskRepo
}

type taskRepo struct {
	repo *git.Repository
	dir  string
	lock *flock.Flock

	staged *planmodel.VMState
}

// Open constructs a Graph rooted at dir, creating it if necessary.
func Open(dir string) (*Graph, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsgraph: create root: %w", err)
	}
	return &Graph{root: dir, repos: make(map[string]*taskRepo)}, nil
}

func (g *Graph) taskDir(taskID string) string { return filepath.Join(g.root, taskID) }

func (g *Graph) repoFor(taskID string) (*taskRepo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if tr, ok := g.repos[taskID]; ok {
		return tr, nil
	}

	dir := g.taskDir(taskID)
	lockPath := filepath.Join(g.root, taskID+".lock")
	lk := flock.New(lockPath)

	repo, err := git.PlainOpen(dir)
	if err == git.ErrRepositoryNotExists {
		repo, err = initTaskRepo(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("fsgraph: open repo for task %s: %w", taskID, err)
	}
	tr := &taskRepo{repo: repo, dir: dir, lock: lk}
	g.repos[taskID] = tr
	return tr, nil
}

func initTaskRepo(dir string) (*git.Repository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, readmeFileName), []byte("# task state\n"), 0o644); err != nil {
		return nil, err
	}
	initial := planmodel.VMState{Variables: map[string]any{}, VariablesRefs: map[string]int{}}
	if err := writeState(dir, initial); err != nil {
		return nil, err
	}
	if _, err := wt.Add(readmeFileName); err != nil {
		return nil, err
	}
	if _, err := wt.Add(stateFileName); err != nil {
		return nil, err
	}
	msg := commitMessageJSON(planmodel.CommitMessage{Type: planmodel.CommitGeneratePlan, Description: "initial commit"})
	sig := signature()
	if _, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, err
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(defaultBranch), head.Hash())
	if err := repo.Storer.SetReference(ref); err != nil {
		return nil, err
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, ref.Name())); err != nil {
		return nil, err
	}
	return repo, nil
}

func signature() *object.Signature {
	return &object.Signature{Name: "planengine", Email: "planengine@localhost", When: time.Now()}
}

func writeState(dir string, state planmodel.VMState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, stateFileName), data, 0o644)
}

func commitMessageJSON(m planmodel.CommitMessage) string {
	data, _ := json.Marshal(m)
	return string(data)
}

func parseCommitMessage(s string) planmodel.CommitMessage {
	var m planmodel.CommitMessage
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

// ListBranches returns every branch ref, active first then most-recent
// commit time descending.
func (g *Graph) ListBranches(ctx context.Context, taskID string) ([]planmodel.BranchSummary, error) {
	tr, err := g.repoFor(taskID)
	if err != nil {
		return nil, err
	}
	current, err := g.GetCurrentBranch(ctx, taskID)
	if err != nil {
		return nil, err
	}

	refs, err := tr.repo.Branches()
	if err != nil {
		return nil, err
	}
	var out []planmodel.BranchSummary
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		commit, err := tr.repo.CommitObject(ref.Hash())
		if err != nil {
			return err
		}
		out = append(out, planmodel.BranchSummary{
			Name:           name,
			HeadCommitHash: ref.Hash().String(),
			HeadCommitTime: commit.Author.When,
			MessagePreview: preview(parseCommitMessage(commit.Message).Description),
			IsActive:       name == current,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsActive != out[j].IsActive {
			return out[i].IsActive
		}
		return out[i].HeadCommitTime.After(out[j].HeadCommitTime)
	})
	return out, nil
}

// CheckoutBranch switches the task's worktree to branch name.
func (g *Graph) CheckoutBranch(ctx context.Context, taskID, name string) error {
	tr, err := g.repoFor(taskID)
	if err != nil {
		return err
	}
	tr.lock.Lock()
	defer tr.lock.Unlock()
	wt, err := tr.repo.Worktree()
	if err != nil {
		return err
	}
	err = wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(name)})
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("fsgraph: checkout %q: %w", name, commitgraph.ErrBranchNotFound)
	}
	return err
}

// DeleteBranch removes branch name, switching away from it first if it was
// active. Deleting the only branch fails.
func (g *Graph) DeleteBranch(ctx context.Context, taskID, name string) error {
	branches, err := g.ListBranches(ctx, taskID)
	if err != nil {
		return err
	}
	if len(branches) <= 1 {
		return commitgraph.ErrOnlyBranch
	}
	var wasActive bool
	for _, b := range branches {
		if b.Name == name {
			wasActive = b.IsActive
		}
	}
	if wasActive {
		next := defaultBranch
		if next == name {
			for _, b := range branches {
				if b.Name != name {
					next = b.Name
					break
				}
			}
		}
		if err := g.CheckoutBranch(ctx, taskID, next); err != nil {
			return err
		}
	}
	tr, err := g.repoFor(taskID)
	if err != nil {
		return err
	}
	tr.lock.Lock()
	defer tr.lock.Unlock()
	return tr.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name))
}

// CheckoutBranchFromCommit creates branch name at hash and switches to it.
func (g *Graph) CheckoutBranchFromCommit(ctx context.Context, taskID, name, hash string) error {
	tr, err := g.repoFor(taskID)
	if err != nil {
		return err
	}
	tr.lock.Lock()
	defer tr.lock.Unlock()

	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), plumbing.NewHash(hash))
	if err := tr.repo.Storer.SetReference(ref); err != nil {
		return err
	}
	wt, err := tr.repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(name)})
}

// GetCurrentBranch returns the branch HEAD currently points at.
func (g *Graph) GetCurrentBranch(ctx context.Context, taskID string) (string, error) {
	tr, err := g.repoFor(taskID)
	if err != nil {
		return "", err
	}
	head, err := tr.repo.Head()
	if err != nil {
		return "", err
	}
	return head.Name().Short(), nil
}

// GetCurrentCommitHash returns the current HEAD commit hash.
func (g *Graph) GetCurrentCommitHash(ctx context.Context, taskID string) (string, error) {
	tr, err := g.repoFor(taskID)
	if err != nil {
		return "", err
	}
	head, err := tr.repo.Head()
	if err != nil {
		return "", err
	}
	return head.Hash().String(), nil
}

// GetParentCommitHash returns hash's first parent, or "" for a root commit.
func (g *Graph) GetParentCommitHash(ctx context.Context, taskID, hash string) (string, error) {
	tr, err := g.repoFor(taskID)
	if err != nil {
		return "", err
	}
	commit, err := tr.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return "", err
	}
	if commit.NumParents() == 0 {
		return "", nil
	}
	return commit.ParentHashes[0].String(), nil
}

// GetCommitHashes walks branch's head toward the root.
func (g *Graph) GetCommitHashes(ctx context.Context, taskID, branch string) ([]string, error) {
	tr, err := g.repoFor(taskID)
	if err != nil {
		return nil, err
	}
	ref, err := tr.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("fsgraph: branch %q: %w", branch, commitgraph.ErrBranchNotFound)
	}
	var hashes []string
	cur := ref.Hash()
	for !cur.IsZero() {
		hashes = append(hashes, cur.String())
		commit, err := tr.repo.CommitObject(cur)
		if err != nil {
			return nil, err
		}
		if commit.NumParents() == 0 {
			break
		}
		cur = commit.ParentHashes[0]
	}
	return hashes, nil
}

// GetCommits returns the denormalized rows for branch, head first.
func (g *Graph) GetCommits(ctx context.Context, taskID, branch string) ([]planmodel.CommitRow, error) {
	hashes, err := g.GetCommitHashes(ctx, taskID, branch)
	if err != nil {
		return nil, err
	}
	rows := make([]planmodel.CommitRow, 0, len(hashes))
	for _, h := range hashes {
		row, err := g.GetCommit(ctx, taskID, h)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// GetCommit returns the denormalized row for hash.
func (g *Graph) GetCommit(ctx context.Context, taskID, hash string) (planmodel.CommitRow, error) {
	tr, err := g.repoFor(taskID)
	if err != nil {
		return planmodel.CommitRow{}, err
	}
	commit, err := tr.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return planmodel.CommitRow{}, fmt.Errorf("fsgraph: commit %s: %w", hash, commitgraph.ErrCommitNotFound)
	}
	state, err := readStateFromCommit(commit)
	if err != nil {
		return planmodel.CommitRow{}, err
	}
	msg := parseCommitMessage(commit.Message)
	return planmodel.CommitRow{
		Time:       commit.Author.When,
		Title:      string(msg.Type),
		Details:    msg.Description,
		CommitHash: hash,
		SeqNo:      msg.SeqNo,
		VMState:    state,
		CommitType: msg.Type,
		Message:    msg,
	}, nil
}

func readStateFromCommit(commit *object.Commit) (planmodel.VMState, error) {
	tree, err := commit.Tree()
	if err != nil {
		return planmodel.VMState{}, err
	}
	f, err := tree.File(stateFileName)
	if err != nil {
		return planmodel.VMState{}, err
	}
	reader, err := f.Reader()
	if err != nil {
		return planmodel.VMState{}, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return planmodel.VMState{}, err
	}
	var state planmodel.VMState
	if err := json.Unmarshal(data, &state); err != nil {
		return planmodel.VMState{}, err
	}
	return state, nil
}

// GetLatestCommit returns branch's head commit row.
func (g *Graph) GetLatestCommit(ctx context.Context, taskID, branch string) (planmodel.CommitRow, error) {
	tr, err := g.repoFor(taskID)
	if err != nil {
		return planmodel.CommitRow{}, err
	}
	ref, err := tr.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return planmodel.CommitRow{}, err
	}
	return g.GetCommit(ctx, taskID, ref.Hash().String())
}

// LoadState returns the VM state snapshot stored at hash.
func (g *Graph) LoadState(ctx context.Context, taskID, hash string) (planmodel.VMState, error) {
	row, err := g.GetCommit(ctx, taskID, hash)
	if err != nil {
		return planmodel.VMState{}, err
	}
	return row.VMState, nil
}

// UpdateState stages state as the next commit's worktree contents.
func (g *Graph) UpdateState(ctx context.Context, taskID string, state planmodel.VMState) error {
	tr, err := g.repoFor(taskID)
	if err != nil {
		return err
	}
	tr.lock.Lock()
	defer tr.lock.Unlock()
	st := state
	tr.staged = &st
	return writeState(tr.dir, state)
}

// CommitChanges stages the working tree and commits if the git status shows
// changes, else returns the current head unchanged.
func (g *Graph) CommitChanges(ctx context.Context, taskID string, message planmodel.CommitMessage) (string, error) {
	tr, err := g.repoFor(taskID)
	if err != nil {
		return "", err
	}
	tr.lock.Lock()
	defer tr.lock.Unlock()

	wt, err := tr.repo.Worktree()
	if err != nil {
		return "", err
	}
	status, err := wt.Status()
	if err != nil {
		return "", err
	}
	head, err := tr.repo.Head()
	if err != nil {
		return "", err
	}
	if status.IsClean() {
		tr.staged = nil
		return head.Hash().String(), commitgraph.ErrNoChanges
	}
	if _, err := wt.Add(stateFileName); err != nil {
		return "", err
	}
	sig := signature()
	hash, err := wt.Commit(commitMessageJSON(message), &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return "", err
	}
	branchRef := head.Name()
	if err := tr.repo.Storer.SetReference(plumbing.NewHashReference(branchRef, hash)); err != nil {
		return "", err
	}
	tr.staged = nil
	return hash.String(), nil
}

// GetStateDiff renders an additions/removals/modifications diff of hash's
// variables against its parent's.
func (g *Graph) GetStateDiff(ctx context.Context, taskID, hash string) (string, error) {
	row, err := g.GetCommit(ctx, taskID, hash)
	if err != nil {
		return "", err
	}
	parentHash, err := g.GetParentCommitHash(ctx, taskID, hash)
	if err != nil {
		return "", err
	}
	if parentHash == "" {
		return diffVariables(nil, row.VMState.Variables), nil
	}
	parentRow, err := g.GetCommit(ctx, taskID, parentHash)
	if err != nil {
		return "", err
	}
	return diffVariables(parentRow.VMState.Variables, row.VMState.Variables), nil
}

func diffVariables(before, after map[string]any) string {
	var added, removed, modified []string
	for k, v := range after {
		old, existed := before[k]
		if !existed {
			added = append(added, k)
		} else if fmt.Sprintf("%v", old) != fmt.Sprintf("%v", v) {
			modified = append(modified, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(modified)
	return fmt.Sprintf("added=%v removed=%v modified=%v", added, removed, modified)
}

func preview(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

type milestoneFile struct {
	Milestones []commitgraph.Milestone `json:"milestones"`
}

// MarkMilestone records hash as a named checkpoint, persisted in a sidecar
// JSON file alongside the repository (not tracked by git, since milestones
// are metadata about the graph rather than part of its history).
func (g *Graph) MarkMilestone(ctx context.Context, taskID, hash, label string) error {
	tr, err := g.repoFor(taskID)
	if err != nil {
		return err
	}
	tr.lock.Lock()
	defer tr.lock.Unlock()

	path := filepath.Join(tr.dir, "..", taskID+"."+milestonesFile)
	var mf milestoneFile
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &mf)
	}
	mf.Milestones = append(mf.Milestones, commitgraph.Milestone{Hash: hash, Label: label})
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ListMilestones returns every milestone recorded for taskID.
func (g *Graph) ListMilestones(ctx context.Context, taskID string) ([]commitgraph.Milestone, error) {
	tr, err := g.repoFor(taskID)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(tr.dir, "..", taskID+"."+milestonesFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var mf milestoneFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, err
	}
	return mf.Milestones, nil
}

var _ commitgraph.Graph = (*Graph)(nil)
