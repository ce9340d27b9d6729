// Package labelclassifier loads a per-namespace label forest and uses an
// LLM to place a new goal into that tree, surfacing the most similar prior
// task and the nearest inherited best-practices text as few-shot material
// for the Plan Generator.
package labelclassifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ngaut/planengine/internal/llm"
	"github.com/ngaut/planengine/internal/planmodel"
)

// Store is the label/task persistence the classifier needs: reads for
// GenerateLabelPath, and label insertion plus task attachment for
// InsertLabelPath.
// A concrete implementation backs it with whichever commit-graph or
// relational store holds labels and tasks for a namespace.
type Store interface {
	LoadLabels(ctx context.Context, namespace string) ([]planmodel.Label, error)
	TasksUnderLabel(ctx context.Context, namespace, labelID string) ([]planmodel.Task, error)
	InsertLabelPath(ctx context.Context, namespace string, path []string) (leafID string, err error)
	AttachTask(ctx context.Context, namespace, labelID, taskID string) error
}

// Classifier generates label paths for goals within a namespace.
type Classifier struct {
	Store Store
	LLM   llm.Client
}

// New constructs a Classifier.
func New(store Store, client llm.Client) *Classifier {
	return &Classifier{Store: store, LLM: client}
}

// Result is what GenerateLabelPath returns: the resolved path, the most
// similar prior task (if any), and the nearest inherited best practices.
type Result struct {
	LabelPath         []string
	MostSimilarTask   *planmodel.Task
	BestPractices     string
}

// GenerateLabelPath prompts the LLM with the label tree and known tasks,
// parses the returned path, finds the longest existing prefix, and
// collects the transitively-owned tasks and nearest best practices.
func (c *Classifier) GenerateLabelPath(ctx context.Context, namespace, goal string) (Result, error) {
	labels, err := c.Store.LoadLabels(ctx, namespace)
	if err != nil {
		return Result{}, fmt.Errorf("labelclassifier: load labels: %w", err)
	}
	byID := make(map[string]planmodel.Label, len(labels))
	byNameByParent := make(map[string]map[string]planmodel.Label)
	for _, l := range labels {
		byID[l.ID] = l
		if byNameByParent[l.ParentID] == nil {
			byNameByParent[l.ParentID] = make(map[string]planmodel.Label)
		}
		byNameByParent[l.ParentID][l.Name] = l
	}

	prompt := c.buildPrompt(namespace, goal, labels)
	resp, err := c.LLM.Generate(ctx, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("labelclassifier: generate: %w", err)
	}
	names, err := parsePath(resp.Text)
	if err != nil {
		return Result{}, fmt.Errorf("labelclassifier: parse path: %w", err)
	}

	// Locate the longest existing prefix of names in the tree.
	parent := ""
	var resolvedPath []string
	var leaf *planmodel.Label
	for _, name := range names {
		children, ok := byNameByParent[parent]
		if !ok {
			break
		}
		label, ok := children[name]
		if !ok {
			break
		}
		resolvedPath = append(resolvedPath, label.Name)
		leaf = &label
		parent = label.ID
	}

	if leaf == nil {
		return Result{LabelPath: resolvedPath}, nil
	}

	var tasks []planmodel.Task
	pending := []string{leaf.ID}
	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]
		under, err := c.Store.TasksUnderLabel(ctx, namespace, id)
		if err != nil {
			return Result{}, fmt.Errorf("labelclassifier: tasks under label: %w", err)
		}
		tasks = append(tasks, under...)
		for _, child := range byNameByParent[id] {
			pending = append(pending, child.ID)
		}
	}
	mostSimilar := mostSimilarTask(goal, tasks)
	bestPractices := nearestBestPractices(*leaf, byID)

	return Result{LabelPath: resolvedPath, MostSimilarTask: mostSimilar, BestPractices: bestPractices}, nil
}

// InsertLabelPath creates any missing labels along path and attaches taskID
// to the leaf.
func (c *Classifier) InsertLabelPath(ctx context.Context, namespace, taskID string, path []string) error {
	leafID, err := c.Store.InsertLabelPath(ctx, namespace, path)
	if err != nil {
		return fmt.Errorf("labelclassifier: insert label path: %w", err)
	}
	return c.Store.AttachTask(ctx, namespace, leafID, taskID)
}

// nearestBestPractices walks parent_id from label until a non-empty
// best_practices is found or the root is reached.
func nearestBestPractices(label planmodel.Label, byID map[string]planmodel.Label) string {
	cur := label
	for {
		if strings.TrimSpace(cur.BestPractices) != "" {
			return cur.BestPractices
		}
		if cur.ParentID == "" {
			return ""
		}
		parent, ok := byID[cur.ParentID]
		if !ok {
			return ""
		}
		cur = parent
	}
}

func mostSimilarTask(goal string, tasks []planmodel.Task) *planmodel.Task {
	if len(tasks) == 0 {
		return nil
	}
	for i := range tasks {
		if strings.EqualFold(strings.TrimSpace(tasks[i].Goal), strings.TrimSpace(goal)) {
			return &tasks[i]
		}
	}
	return &tasks[0]
}

func (c *Classifier) buildPrompt(namespace, goal string, labels []planmodel.Label) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Namespace: %s\nGoal: %s\n\nLabel tree:\n", namespace, goal)
	for _, l := range labels {
		fmt.Fprintf(&b, "- id=%s name=%q parent=%s\n", l.ID, l.Name, l.ParentID)
	}
	b.WriteString("\nRespond with a JSON array describing the label path from root to leaf, " +
		`either ["A","B"] or [{"label":"A"},{"label":"B"}].`)
	return b.String()
}

// parsePath accepts both ["A","B"] and [{"label":"A"}, ...] shapes.
func parsePath(text string) ([]string, error) {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in response")
	}
	raw := text[start : end+1]

	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err == nil {
		return names, nil
	}

	var objs []map[string]string
	if err := json.Unmarshal([]byte(raw), &objs); err != nil {
		return nil, fmt.Errorf("label path is neither a string array nor an object array: %w", err)
	}
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		if v, ok := o["label"]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}
