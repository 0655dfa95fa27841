// Package memory implements an in-memory store driver.
//
// It backs --driver=memory (demo mode) and the engine test suites. Values
// round-trip through JSON on the way in and out so that aliasing and value
// normalisation behave exactly like the JSONB-backed SQL drivers.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/taskforge/taskforge/internal/profile"
	"github.com/taskforge/taskforge/internal/util"
	"github.com/taskforge/taskforge/store"
)

type DB struct {
	profile *profile.Profile

	mu    sync.RWMutex
	tasks map[string]*store.Task
	seq   map[string]int // insertion order, tie-break for equal timestamps
	next  int
}

// NewDB creates an empty in-memory driver.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	return &DB{
		profile: profile,
		tasks:   make(map[string]*store.Task),
		seq:     make(map[string]int),
	}, nil
}

func (d *DB) Migrate(ctx context.Context) error { return nil }

func (d *DB) Close() error { return nil }

func (d *DB) CreateTask(ctx context.Context, create *store.CreateTask) (*store.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	uid := create.UID
	if uid == "" {
		uid = util.GenUUID()
	}
	if _, exists := d.tasks[uid]; exists {
		return nil, errors.Errorf("task %s already exists", uid)
	}

	status := create.Status
	if status == "" {
		status = store.TaskStatusPending
	}
	priority := create.Priority
	if priority == 0 {
		priority = store.DefaultPriority
	}

	now := time.Now().Unix()
	task := &store.Task{
		ID:             uid,
		ParentID:       cloneStringPtr(create.ParentID),
		OriginalTaskID: cloneStringPtr(create.OriginalTaskID),
		UserID:         create.UserID,
		Name:           create.Name,
		Status:         status,
		Priority:       priority,
		Progress:       0,
		Dependencies:   cloneDeps(create.Dependencies),
		Inputs:         cloneMap(create.Inputs),
		Params:         cloneMap(create.Params),
		Schemas:        cloneMap(create.Schemas),
		CreatedTs:      now,
		UpdatedTs:      now,
	}

	d.tasks[uid] = task
	d.seq[uid] = d.next
	d.next++

	return cloneTask(task), nil
}

func (d *DB) GetTaskByID(ctx context.Context, id string) (*store.Task, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, ok := d.tasks[id]
	if !ok {
		return nil, nil
	}
	return cloneTask(task), nil
}

func (d *DB) UpdateTask(ctx context.Context, update *store.UpdateTask) (*store.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[update.ID]
	if !ok {
		return nil, errors.Errorf("task %s not found", update.ID)
	}

	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.Error != nil {
		task.Error = *update.Error
	}
	if update.Result != nil {
		task.Result = cloneMap(*update.Result)
	}
	if update.Progress != nil {
		task.Progress = *update.Progress
	}
	if update.StartedTs != nil {
		task.StartedTs = *update.StartedTs
	}
	if update.CompletedTs != nil {
		task.CompletedTs = *update.CompletedTs
	}
	if update.Inputs != nil {
		task.Inputs = cloneMap(*update.Inputs)
	}
	if update.Dependencies != nil {
		task.Dependencies = cloneDeps(*update.Dependencies)
	}
	if update.ParentID != nil {
		parentID := *update.ParentID
		task.ParentID = &parentID
	}
	if update.HasChildren != nil {
		task.HasChildren = *update.HasChildren
	}
	if update.HasCopy != nil {
		task.HasCopy = *update.HasCopy
	}
	task.UpdatedTs = time.Now().Unix()

	return cloneTask(task), nil
}

func (d *DB) ListTasks(ctx context.Context, find *store.FindTask) ([]*store.Task, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var matched []*store.Task
	for _, task := range d.tasks {
		if find.ID != nil && task.ID != *find.ID {
			continue
		}
		if find.UserID != nil && task.UserID != *find.UserID {
			continue
		}
		if find.Status != nil && task.Status != *find.Status {
			continue
		}
		if find.ParentID != nil {
			if *find.ParentID == store.RootParentSentinel {
				if !task.IsRoot() {
					continue
				}
			} else if task.ParentID == nil || *task.ParentID != *find.ParentID {
				continue
			}
		}
		matched = append(matched, task)
	}

	d.sortTasks(matched, find.OrderBy, find.Desc)

	if find.Offset > 0 {
		if find.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[find.Offset:]
		}
	}
	if find.Limit > 0 && find.Limit < len(matched) {
		matched = matched[:find.Limit]
	}

	result := make([]*store.Task, 0, len(matched))
	for _, task := range matched {
		result = append(result, cloneTask(task))
	}
	return result, nil
}

func (d *DB) DeleteTasks(ctx context.Context, ids []string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		if _, ok := d.tasks[id]; ok {
			delete(d.tasks, id)
			delete(d.seq, id)
			deleted++
		}
	}
	return deleted, nil
}

func (d *DB) sortTasks(tasks []*store.Task, orderBy string, desc bool) {
	less := func(a, b *store.Task) bool {
		switch orderBy {
		case "updated_ts":
			if a.UpdatedTs != b.UpdatedTs {
				return a.UpdatedTs < b.UpdatedTs
			}
		case "priority":
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
		case "name":
			if a.Name != b.Name {
				return a.Name < b.Name
			}
		default:
			if a.CreatedTs != b.CreatedTs {
				return a.CreatedTs < b.CreatedTs
			}
		}
		return d.seq[a.ID] < d.seq[b.ID]
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if desc {
			return less(tasks[j], tasks[i])
		}
		return less(tasks[i], tasks[j])
	})
}

func cloneTask(t *store.Task) *store.Task {
	clone := *t
	clone.ParentID = cloneStringPtr(t.ParentID)
	clone.OriginalTaskID = cloneStringPtr(t.OriginalTaskID)
	clone.Dependencies = cloneDeps(t.Dependencies)
	clone.Inputs = cloneMap(t.Inputs)
	clone.Params = cloneMap(t.Params)
	clone.Schemas = cloneMap(t.Schemas)
	clone.Result = cloneMap(t.Result)
	return &clone
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneDeps(deps []store.TaskDependency) []store.TaskDependency {
	if deps == nil {
		return nil
	}
	clone := make([]store.TaskDependency, len(deps))
	copy(clone, deps)
	return clone
}

// cloneMap deep-copies through JSON, matching JSONB round-trip semantics.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	var clone map[string]any
	if err := json.Unmarshal(raw, &clone); err != nil {
		return map[string]any{}
	}
	return clone
}
