package taskstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ngaut/planengine/internal/planmodel"
)

// MemoryLabels is an in-process labelclassifier.Store, pairing with Memory
// for single-process deployments that don't need the relational store.
type MemoryLabels struct {
	mu     sync.RWMutex
	labels map[string]planmodel.Label // by ID
	tasks  *Memory
}

// NewMemoryLabels constructs an empty label forest backed by tasks for
// TasksUnderLabel/AttachTask.
func NewMemoryLabels(tasks *Memory) *MemoryLabels {
	return &MemoryLabels{labels: make(map[string]planmodel.Label), tasks: tasks}
}

func (m *MemoryLabels) LoadLabels(ctx context.Context, namespace string) ([]planmodel.Label, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []planmodel.Label
	for _, l := range m.labels {
		if l.Namespace == namespace {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *MemoryLabels) TasksUnderLabel(ctx context.Context, namespace, labelID string) ([]planmodel.Task, error) {
	m.tasks.mu.RLock()
	defer m.tasks.mu.RUnlock()
	var out []planmodel.Task
	for _, id := range m.tasks.order {
		t := m.tasks.tasks[id]
		if t.Namespace == namespace && t.Label == labelID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryLabels) InsertLabelPath(ctx context.Context, namespace string, path []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parentID := ""
	for _, name := range path {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		found := ""
		for _, l := range m.labels {
			if l.Namespace == namespace && l.ParentID == parentID && l.Name == name {
				found = l.ID
				break
			}
		}
		if found == "" {
			id := uuid.NewString()
			m.labels[id] = planmodel.Label{ID: id, Name: name, ParentID: parentID, Namespace: namespace}
			found = id
		}
		parentID = found
	}
	return parentID, nil
}

func (m *MemoryLabels) AttachTask(ctx context.Context, namespace, labelID, taskID string) error {
	m.tasks.mu.Lock()
	defer m.tasks.mu.Unlock()
	t, ok := m.tasks.tasks[taskID]
	if !ok {
		return fmt.Errorf("taskstore: attach task: task %q not found", taskID)
	}
	t.Namespace = namespace
	t.Label = labelID
	m.tasks.tasks[taskID] = t
	return nil
}
