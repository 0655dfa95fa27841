// Package copier builds re-executable clones of task subtrees together with
// the tasks that depend on them.
package copier

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/taskforge/taskforge/internal/util"
	"github.com/taskforge/taskforge/store"
)

// Options configures one copy operation.
type Options struct {
	// Children explicitly extends the copy set by every direct child's
	// subtree so cross-branch dependents of any child are considered.
	Children bool
	// Save persists the clones. When false the clone tree is assembled in
	// memory only, as a preview.
	Save bool
}

// Copier clones subgraphs for re-execution.
type Copier struct{}

// New creates a Copier.
func New() *Copier {
	return &Copier{}
}

// CopyTaskTree clones the minimal enclosing subtree around taskID and its
// dependent closure. Clones start pending with reset progress and
// timestamps, each linked to its original through original_task_id; every
// copied original is marked has_copy.
func (c *Copier) CopyTaskTree(ctx context.Context, st *store.Store, taskID string, opts Options) (*store.TaskTreeNode, error) {
	task, err := st.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errors.Errorf("task %s not found", taskID)
	}

	root, err := st.GetRootTask(ctx, task)
	if err != nil {
		return nil, err
	}
	all, err := st.GetAllTasksInTree(ctx, root)
	if err != nil {
		return nil, err
	}
	byID, childrenOf := index(all)

	subtree := collectSubtree(task.ID, childrenOf)
	if opts.Children {
		for _, child := range childrenOf[task.ID] {
			for id := range collectSubtree(child.ID, childrenOf) {
				subtree[id] = true
			}
		}
	}

	dependents := dependentClosure(all, subtree, byID)

	// A failed member dooms its pending transitive dependents: their
	// prerequisite never succeeded, so cloning them alongside the copy would
	// schedule work that cannot run. This prunes dependents both outside and
	// inside the copied subtree.
	failed := make(map[string]bool)
	for id := range subtree {
		if byID[id].Status == store.TaskStatusFailed {
			failed[id] = true
		}
	}
	if len(failed) > 0 {
		for id := range dependentClosure(all, failed, byID) {
			doomed := byID[id]
			if doomed == nil || doomed.Status != store.TaskStatusPending {
				continue
			}
			doomedSubtree := collectSubtree(id, childrenOf)
			if doomedSubtree[task.ID] {
				// Never prune the copy target out of its own copy.
				continue
			}
			for sub := range doomedSubtree {
				delete(subtree, sub)
				delete(dependents, sub)
			}
		}
	}

	include := make(map[string]bool, len(subtree)+len(dependents))
	for id := range subtree {
		include[id] = true
	}
	for id := range dependents {
		include[id] = true
		// A dependent is cloned with its whole subtree.
		for sub := range collectSubtree(id, childrenOf) {
			include[sub] = true
		}
	}

	cloneRootID := enclose(include, byID)

	return c.clone(ctx, st, cloneRootID, include, byID, childrenOf, opts.Save)
}

// collectSubtree returns the id set of a task and all its descendants.
func collectSubtree(rootID string, childrenOf map[string][]*store.Task) map[string]bool {
	set := map[string]bool{rootID: true}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range childrenOf[id] {
			if !set[child.ID] {
				set[child.ID] = true
				queue = append(queue, child.ID)
			}
		}
	}
	return set
}

// dependentClosure finds every task of the tree that transitively depends on
// a member of seed, matching dependency references by id and by name.
func dependentClosure(all []*store.Task, seed map[string]bool, byID map[string]*store.Task) map[string]bool {
	names := make(map[string]bool, len(seed))
	for id := range seed {
		if t := byID[id]; t != nil {
			names[t.Name] = true
		}
	}
	targets := make(map[string]bool, len(seed))
	for id := range seed {
		targets[id] = true
	}

	dependents := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for _, t := range all {
			if targets[t.ID] || dependents[t.ID] {
				continue
			}
			for _, dep := range t.Dependencies {
				if targets[dep.ID] || dependents[dep.ID] || names[dep.ID] {
					dependents[t.ID] = true
					changed = true
					break
				}
			}
		}
	}
	return dependents
}

// enclose grows include to the minimal connected subtree containing all of
// its members and returns the id of that subtree's root: the deepest common
// ancestor of the members.
func enclose(include map[string]bool, byID map[string]*store.Task) string {
	// Ancestor chains from each member up to the tree root.
	var chains [][]string
	for id := range include {
		var chain []string
		for current := byID[id]; current != nil; {
			chain = append([]string{current.ID}, chain...)
			if current.ParentID == nil || *current.ParentID == "" {
				break
			}
			current = byID[*current.ParentID]
		}
		chains = append(chains, chain)
	}

	// Longest common prefix of all root-down chains.
	common := 0
	for depth := 0; ; depth++ {
		var candidate string
		ok := true
		for _, chain := range chains {
			if depth >= len(chain) {
				ok = false
				break
			}
			if candidate == "" {
				candidate = chain[depth]
			} else if chain[depth] != candidate {
				ok = false
				break
			}
		}
		if !ok {
			break
		}
		common = depth + 1
	}
	cloneRootID := chains[0][common-1]

	// Connector nodes between the clone root and each member.
	for _, chain := range chains {
		for depth := common - 1; depth < len(chain); depth++ {
			include[chain[depth]] = true
		}
	}
	return cloneRootID
}

// clone materialises the copy: first pass creates every node, the second
// pass wires parent links and flags the originals.
func (c *Copier) clone(ctx context.Context, st *store.Store, cloneRootID string, include map[string]bool, byID map[string]*store.Task, childrenOf map[string][]*store.Task, save bool) (*store.TaskTreeNode, error) {
	// Breadth-first over the included set keeps parents ahead of children.
	order := []string{cloneRootID}
	for i := 0; i < len(order); i++ {
		for _, child := range childrenOf[order[i]] {
			if include[child.ID] {
				order = append(order, child.ID)
			}
		}
	}

	newID := make(map[string]string, len(order))
	clones := make(map[string]*store.Task, len(order))

	for _, id := range order {
		original := byID[id]
		originalID := original.ID
		copyTask := &store.Task{
			ID:             util.GenUUID(),
			OriginalTaskID: &originalID,
			UserID:         original.UserID,
			Name:           original.Name,
			Status:         store.TaskStatusPending,
			Priority:       original.Priority,
			Dependencies:   cloneDependencies(original.Dependencies),
			Inputs:         deepCopyMap(original.Inputs),
			Params:         deepCopyMap(original.Params),
			Schemas:        deepCopyMap(original.Schemas),
		}
		newID[id] = copyTask.ID
		clones[id] = copyTask
	}

	// Dependencies among cloned tasks point at the clones; references to
	// tasks outside the copy set keep their original target.
	for _, copyTask := range clones {
		for i, dep := range copyTask.Dependencies {
			if mapped, ok := newID[dep.ID]; ok {
				copyTask.Dependencies[i].ID = mapped
			}
		}
	}
	for _, id := range order {
		original := byID[id]
		if original.ParentID != nil && include[*original.ParentID] {
			parentCloneID := newID[*original.ParentID]
			clones[id].ParentID = &parentCloneID
			clones[*original.ParentID].HasChildren = true
		}
	}

	if !save {
		return assemble(order, clones, cloneRootID), nil
	}

	created := make([]string, 0, len(order))
	rollback := func() {
		if len(created) == 0 {
			return
		}
		if _, err := st.DeleteTasks(ctx, created); err != nil {
			slog.Error("copier: rollback failed", "error", err, "tasks", len(created))
		}
	}

	for _, id := range order {
		copyTask := clones[id]
		persisted, err := st.CreateTask(ctx, &store.CreateTask{
			UID:            copyTask.ID,
			OriginalTaskID: copyTask.OriginalTaskID,
			UserID:         copyTask.UserID,
			Name:           copyTask.Name,
			Status:         store.TaskStatusPending,
			Priority:       copyTask.Priority,
			Dependencies:   copyTask.Dependencies,
			Inputs:         copyTask.Inputs,
			Params:         copyTask.Params,
			Schemas:        copyTask.Schemas,
		})
		if err != nil {
			rollback()
			return nil, errors.Wrapf(err, "failed to clone task %q", copyTask.Name)
		}
		created = append(created, persisted.ID)
	}

	flag := true
	for _, id := range order {
		copyTask := clones[id]
		update := &store.UpdateTask{ID: copyTask.ID}
		changed := false
		if copyTask.ParentID != nil {
			update.ParentID = copyTask.ParentID
			changed = true
		}
		if copyTask.HasChildren {
			update.HasChildren = &flag
			changed = true
		}
		if changed {
			if _, err := st.UpdateTask(ctx, update); err != nil {
				rollback()
				return nil, errors.Wrapf(err, "failed to link clone of %q", copyTask.Name)
			}
		}
		if _, err := st.UpdateTask(ctx, &store.UpdateTask{ID: id, HasCopy: &flag}); err != nil {
			rollback()
			return nil, errors.Wrapf(err, "failed to flag original %s", id)
		}
	}

	cloneRoot, err := st.GetTaskByID(ctx, newID[cloneRootID])
	if err != nil {
		return nil, err
	}
	return st.BuildTaskTree(ctx, cloneRoot)
}

// assemble builds the in-memory tree of an unsaved copy preview.
func assemble(order []string, clones map[string]*store.Task, cloneRootID string) *store.TaskTreeNode {
	now := time.Now().Unix()
	tasks := make([]*store.Task, 0, len(order))
	for _, id := range order {
		t := clones[id]
		t.CreatedTs = now
		t.UpdatedTs = now
		tasks = append(tasks, t)
	}
	return store.BuildTree(tasks, clones[cloneRootID].ID)
}

func cloneDependencies(deps []store.TaskDependency) []store.TaskDependency {
	if deps == nil {
		return nil
	}
	out := make([]store.TaskDependency, len(deps))
	copy(out, deps)
	return out
}

func index(tasks []*store.Task) (map[string]*store.Task, map[string][]*store.Task) {
	byID := make(map[string]*store.Task, len(tasks))
	childrenOf := make(map[string][]*store.Task)
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		if t.ParentID != nil && *t.ParentID != "" {
			childrenOf[*t.ParentID] = append(childrenOf[*t.ParentID], t)
		}
	}
	return byID, childrenOf
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for key, value := range m {
			out[key] = value
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}
