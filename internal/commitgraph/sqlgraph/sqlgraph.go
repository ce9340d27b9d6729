// Package sqlgraph is the relational commit-graph back end: two tables,
// commits and branches, with a milestones side-table for named checkpoint
// commits. A task with no commits on first use synthesizes an initial empty
// commit and a main branch pointing at it.
package sqlgraph

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ngaut/planengine/internal/commitgraph"
	"github.com/ngaut/planengine/internal/planmodel"
)

//go:embed schema.sql
var schemaSQL string

// Graph is a commitgraph.Graph implementation backed by database/sql and
// the mattn/go-sqlite3 driver.
type Graph struct {
	db *sql.DB

	mu     sync.Mutex
	staged map[string]planmodel.VMState // task_id -> staged next-commit snapshot
}

// Open opens (creating if necessary) the SQLite database at path and
// initializes the schema. path may be ":memory:" for an ephemeral graph.
func Open(path string) (*Graph, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlgraph: create database directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlgraph: open database: %w", err)
	}
	g := &Graph{db: db, staged: make(map[string]planmodel.VMState)}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlgraph: init schema: %w", err)
	}
	return g, nil
}

// Close releases the underlying database connection.
func (g *Graph) Close() error { return g.db.Close() }

func (g *Graph) ensureInitialized(ctx context.Context, taskID string) error {
	var count int
	if err := g.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM branches WHERE task_id = ?`, taskID).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	initial := planmodel.VMState{Variables: map[string]any{}, VariablesRefs: map[string]int{}}
	hash := newHash()
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stateJSON, err := json.Marshal(initial)
	if err != nil {
		return err
	}
	msgJSON, _ := json.Marshal(planmodel.CommitMessage{Type: planmodel.CommitGeneratePlan, Description: "initial commit"})
	if _, err := tx.ExecContext(ctx, `INSERT INTO commits (commit_hash, task_id, parent_hash, message, vm_state, committed_at) VALUES (?, ?, NULL, ?, ?, ?)`,
		hash, taskID, string(msgJSON), string(stateJSON), time.Now()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO branches (name, task_id, head_commit_hash, is_active) VALUES ('main', ?, ?, 1)`, taskID, hash); err != nil {
		return err
	}
	return tx.Commit()
}

func newHash() string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:])[:16]
}

// ListBranches returns every branch for taskID, active branch first, then
// ordered by most recent commit time.
func (g *Graph) ListBranches(ctx context.Context, taskID string) ([]planmodel.BranchSummary, error) {
	if err := g.ensureInitialized(ctx, taskID); err != nil {
		return nil, err
	}
	rows, err := g.db.QueryContext(ctx, `
		SELECT b.name, b.head_commit_hash, b.is_active, c.committed_at, c.message
		FROM branches b JOIN commits c ON c.commit_hash = b.head_commit_hash
		WHERE b.task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []planmodel.BranchSummary
	for rows.Next() {
		var (
			name, head, msgJSON string
			active               bool
			committedAt          time.Time
		)
		if err := rows.Scan(&name, &head, &active, &committedAt, &msgJSON); err != nil {
			return nil, err
		}
		var msg planmodel.CommitMessage
		_ = json.Unmarshal([]byte(msgJSON), &msg)
		out = append(out, planmodel.BranchSummary{
			Name:           name,
			HeadCommitHash: head,
			HeadCommitTime: committedAt,
			MessagePreview: preview(msg.Description),
			IsActive:       active,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsActive != out[j].IsActive {
			return out[i].IsActive
		}
		return out[i].HeadCommitTime.After(out[j].HeadCommitTime)
	})
	return out, rows.Err()
}

// CheckoutBranch switches taskID's active branch to name.
func (g *Graph) CheckoutBranch(ctx context.Context, taskID, name string) error {
	var exists int
	if err := g.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM branches WHERE task_id = ? AND name = ?`, taskID, name).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("sqlgraph: checkout %q: %w", name, commitgraph.ErrBranchNotFound)
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE branches SET is_active = 0 WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE branches SET is_active = 1 WHERE task_id = ? AND name = ?`, taskID, name); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteBranch removes a branch. Deleting the active branch first switches
// to main (or any other branch); deleting the only branch fails.
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
		next := "main"
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
	_, err = g.db.ExecContext(ctx, `DELETE FROM branches WHERE task_id = ? AND name = ?`, taskID, name)
	return err
}

// CheckoutBranchFromCommit creates a new branch at hash and switches to it.
func (g *Graph) CheckoutBranchFromCommit(ctx context.Context, taskID, name, hash string) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE branches SET is_active = 0 WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO branches (name, task_id, head_commit_hash, is_active) VALUES (?, ?, ?, 1)
		ON CONFLICT(name, task_id) DO UPDATE SET head_commit_hash = excluded.head_commit_hash, is_active = 1`,
		name, taskID, hash); err != nil {
		return err
	}
	return tx.Commit()
}

// GetCurrentBranch returns the active branch name for taskID.
func (g *Graph) GetCurrentBranch(ctx context.Context, taskID string) (string, error) {
	if err := g.ensureInitialized(ctx, taskID); err != nil {
		return "", err
	}
	var name string
	err := g.db.QueryRowContext(ctx, `SELECT name FROM branches WHERE task_id = ? AND is_active = 1`, taskID).Scan(&name)
	return name, err
}

// GetCurrentCommitHash returns the active branch's head commit hash.
func (g *Graph) GetCurrentCommitHash(ctx context.Context, taskID string) (string, error) {
	if err := g.ensureInitialized(ctx, taskID); err != nil {
		return "", err
	}
	var hash string
	err := g.db.QueryRowContext(ctx, `SELECT head_commit_hash FROM branches WHERE task_id = ? AND is_active = 1`, taskID).Scan(&hash)
	return hash, err
}

// GetParentCommitHash returns the parent hash of hash, or "" for a root
// commit.
func (g *Graph) GetParentCommitHash(ctx context.Context, taskID, hash string) (string, error) {
	var parent sql.NullString
	err := g.db.QueryRowContext(ctx, `SELECT parent_hash FROM commits WHERE task_id = ? AND commit_hash = ?`, taskID, hash).Scan(&parent)
	if err != nil {
		return "", err
	}
	return parent.String, nil
}

// GetCommitHashes walks branch's head toward the root, returning hashes
// most-recent-first.
func (g *Graph) GetCommitHashes(ctx context.Context, taskID, branch string) ([]string, error) {
	var head string
	if err := g.db.QueryRowContext(ctx, `SELECT head_commit_hash FROM branches WHERE task_id = ? AND name = ?`, taskID, branch).Scan(&head); err != nil {
		return nil, fmt.Errorf("sqlgraph: branch %q: %w", branch, commitgraph.ErrBranchNotFound)
	}
	var hashes []string
	cur := head
	for cur != "" {
		hashes = append(hashes, cur)
		parent, err := g.GetParentCommitHash(ctx, taskID, cur)
		if err != nil {
			return nil, err
		}
		cur = parent
	}
	return hashes, nil
}

// GetCommits returns the denormalized commit rows for branch, head first.
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

// GetCommit returns the denormalized row for a single commit hash.
func (g *Graph) GetCommit(ctx context.Context, taskID, hash string) (planmodel.CommitRow, error) {
	var (
		msgJSON, stateJSON string
		committedAt        time.Time
	)
	err := g.db.QueryRowContext(ctx, `SELECT message, vm_state, committed_at FROM commits WHERE task_id = ? AND commit_hash = ?`, taskID, hash).
		Scan(&msgJSON, &stateJSON, &committedAt)
	if err == sql.ErrNoRows {
		return planmodel.CommitRow{}, fmt.Errorf("sqlgraph: commit %s: %w", hash, commitgraph.ErrCommitNotFound)
	}
	if err != nil {
		return planmodel.CommitRow{}, err
	}
	var msg planmodel.CommitMessage
	if err := json.Unmarshal([]byte(msgJSON), &msg); err != nil {
		return planmodel.CommitRow{}, err
	}
	var state planmodel.VMState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return planmodel.CommitRow{}, err
	}
	return planmodel.CommitRow{
		Time:       committedAt,
		Title:      string(msg.Type),
		Details:    msg.Description,
		CommitHash: hash,
		SeqNo:      msg.SeqNo,
		VMState:    state,
		CommitType: msg.Type,
		Message:    msg,
	}, nil
}

// GetLatestCommit returns branch's head commit row.
func (g *Graph) GetLatestCommit(ctx context.Context, taskID, branch string) (planmodel.CommitRow, error) {
	var head string
	if err := g.db.QueryRowContext(ctx, `SELECT head_commit_hash FROM branches WHERE task_id = ? AND name = ?`, taskID, branch).Scan(&head); err != nil {
		return planmodel.CommitRow{}, err
	}
	return g.GetCommit(ctx, taskID, head)
}

// LoadState returns the VM state snapshot stored at hash.
func (g *Graph) LoadState(ctx context.Context, taskID, hash string) (planmodel.VMState, error) {
	row, err := g.GetCommit(ctx, taskID, hash)
	if err != nil {
		return planmodel.VMState{}, err
	}
	return row.VMState, nil
}

// UpdateState stages state as the next commit's snapshot.
func (g *Graph) UpdateState(ctx context.Context, taskID string, state planmodel.VMState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.staged[taskID] = state
	return nil
}

// CommitChanges writes the staged state as a new commit extending the
// active branch, or returns the current head unchanged if nothing was
// staged or the staged state equals the current head's state.
func (g *Graph) CommitChanges(ctx context.Context, taskID string, message planmodel.CommitMessage) (string, error) {
	g.mu.Lock()
	staged, ok := g.staged[taskID]
	g.mu.Unlock()

	head, err := g.GetCurrentCommitHash(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !ok {
		return head, commitgraph.ErrNoChanges
	}
	headRow, err := g.GetCommit(ctx, taskID, head)
	if err != nil {
		return "", err
	}
	if reflect.DeepEqual(headRow.VMState, staged) {
		return head, commitgraph.ErrNoChanges
	}

	branch, err := g.GetCurrentBranch(ctx, taskID)
	if err != nil {
		return "", err
	}
	hash := newHash()
	stateJSON, err := json.Marshal(staged)
	if err != nil {
		return "", err
	}
	msgJSON, err := json.Marshal(message)
	if err != nil {
		return "", err
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO commits (commit_hash, task_id, parent_hash, message, vm_state, committed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		hash, taskID, head, string(msgJSON), string(stateJSON), time.Now()); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE branches SET head_commit_hash = ? WHERE task_id = ? AND name = ?`, hash, taskID, branch); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	g.mu.Lock()
	delete(g.staged, taskID)
	g.mu.Unlock()
	return hash, nil
}

// GetStateDiff renders a human-readable additions/removals/modifications
// diff of hash's variables against its parent's.
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
		} else if !reflect.DeepEqual(old, v) {
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

// MarkMilestone records hash as a named checkpoint commit.
func (g *Graph) MarkMilestone(ctx context.Context, taskID, hash, label string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO milestones (task_id, commit_hash, label) VALUES (?, ?, ?)
		ON CONFLICT(task_id, commit_hash) DO UPDATE SET label = excluded.label`, taskID, hash, label)
	return err
}

// ListMilestones returns every milestone recorded for taskID.
func (g *Graph) ListMilestones(ctx context.Context, taskID string) ([]commitgraph.Milestone, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT commit_hash, label FROM milestones WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []commitgraph.Milestone
	for rows.Next() {
		var m commitgraph.Milestone
		if err := rows.Scan(&m.Hash, &m.Label); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

var _ commitgraph.Graph = (*Graph)(nil)
