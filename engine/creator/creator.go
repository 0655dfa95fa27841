// Package creator ingests task definition arrays into validated, persisted
// task trees.
package creator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/taskforge/taskforge/store"
)

// Enumerated validation failures. Nothing is persisted when any of these is
// returned.
var (
	ErrEmptyTaskList        = errors.New("task list is empty")
	ErrMixedIDMode          = errors.New("mixed id mode: either every task supplies an id or none does")
	ErrDuplicateIdentifier  = errors.New("duplicate task id")
	ErrDuplicateName        = errors.New("duplicate task name")
	ErrUnknownParent        = errors.New("unknown parent reference")
	ErrUnknownDependency    = errors.New("unknown dependency reference")
	ErrCircularDependency   = errors.New("circular dependency")
	ErrMissingDependentTask = errors.New("dependent task missing from ingestion array")
	ErrMultipleRoots        = errors.New("task array must contain exactly one root")
	ErrUnreachableTask      = errors.New("task not reachable from root")
	ErrMissingName          = errors.New("task name is required")
)

// DependencyDef is one declared dependency. It unmarshals from either a bare
// string reference or an object {id|name, required?, type?}.
type DependencyDef struct {
	Ref      string
	Required bool
	Type     string
}

func (d *DependencyDef) UnmarshalJSON(data []byte) error {
	var ref string
	if err := json.Unmarshal(data, &ref); err == nil {
		*d = DependencyDef{Ref: ref, Required: true, Type: store.DependencyTypeResult}
		return nil
	}

	var obj struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Required *bool  `json:"required"`
		Type     string `json:"type"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.Wrap(err, "dependency must be a string or an object")
	}
	ref = obj.ID
	if ref == "" {
		ref = obj.Name
	}
	required := true
	if obj.Required != nil {
		required = *obj.Required
	}
	depType := obj.Type
	if depType == "" {
		depType = store.DependencyTypeResult
	}
	*d = DependencyDef{Ref: ref, Required: required, Type: depType}
	return nil
}

func (d DependencyDef) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":       d.Ref,
		"required": d.Required,
		"type":     d.Type,
	})
}

// TaskDef is one task-shaped entry of an ingestion array.
type TaskDef struct {
	ID           string          `json:"id,omitempty"`
	ParentID     string          `json:"parent_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	Name         string          `json:"name"`
	Priority     int             `json:"priority,omitempty"`
	Dependencies []DependencyDef `json:"dependencies,omitempty"`
	Inputs       map[string]any  `json:"inputs,omitempty"`
	Params       map[string]any  `json:"params,omitempty"`
	Schemas      map[string]any  `json:"schemas,omitempty"`
}

// Creator validates ingestion arrays and persists them as task trees.
type Creator struct{}

// New creates a Creator.
func New() *Creator {
	return &Creator{}
}

// CreateTaskTree validates defs and persists them, returning the root node
// with children populated. On validation failure nothing is persisted; on a
// post-persistence structural failure the created rows are removed again.
func (c *Creator) CreateTaskTree(ctx context.Context, st *store.Store, defs []TaskDef) (*store.TaskTreeNode, error) {
	if len(defs) == 0 {
		return nil, ErrEmptyTaskList
	}

	keys, err := buildKeyTable(defs)
	if err != nil {
		return nil, err
	}
	if err := validateReferences(defs, keys); err != nil {
		return nil, err
	}
	if err := detectCycles(defs, keys); err != nil {
		return nil, err
	}
	if err := validateDependentClosure(defs, keys); err != nil {
		return nil, err
	}

	created, keyToID, err := c.persist(ctx, st, defs, keys)
	if err != nil {
		return nil, err
	}

	root, err := c.linkAndCheck(ctx, st, defs, keys, created, keyToID)
	if err != nil {
		// Roll back the rows this ingestion created.
		ids := make([]string, 0, len(created))
		for _, t := range created {
			ids = append(ids, t.ID)
		}
		if _, delErr := st.DeleteTasks(ctx, ids); delErr != nil {
			slog.Error("creator: rollback failed", "error", delErr, "tasks", len(ids))
		}
		return nil, err
	}

	return st.BuildTaskTree(ctx, root)
}

// buildKeyTable detects the identifier mode and maps each key to its entry
// index. In id mode keys are ids; in name mode names must be unique and act
// as the reference key.
func buildKeyTable(defs []TaskDef) (map[string]int, error) {
	withID := 0
	for _, def := range defs {
		if def.ID != "" {
			withID++
		}
	}
	if withID != 0 && withID != len(defs) {
		return nil, errors.Wrapf(ErrMixedIDMode, "%d of %d tasks supply an id", withID, len(defs))
	}
	idMode := withID == len(defs)

	keys := make(map[string]int, len(defs))
	for i, def := range defs {
		if def.Name == "" {
			return nil, errors.Wrapf(ErrMissingName, "task at index %d", i)
		}
		key := def.Name
		if idMode {
			key = def.ID
		}
		if _, exists := keys[key]; exists {
			if idMode {
				return nil, errors.Wrapf(ErrDuplicateIdentifier, "id %q", key)
			}
			return nil, errors.Wrapf(ErrDuplicateName, "name %q", key)
		}
		keys[key] = i
	}
	return keys, nil
}

// validateReferences checks that every parent and dependency reference
// resolves to an entry of the array.
func validateReferences(defs []TaskDef, keys map[string]int) error {
	for _, def := range defs {
		if def.ParentID != "" {
			if _, ok := keys[def.ParentID]; !ok {
				return errors.Wrapf(ErrUnknownParent, "task %q references parent %q", def.Name, def.ParentID)
			}
		}
		for _, dep := range def.Dependencies {
			if dep.Ref == "" {
				return errors.Wrapf(ErrUnknownDependency, "task %q declares an empty dependency", def.Name)
			}
			if _, ok := keys[dep.Ref]; !ok {
				return errors.Wrapf(ErrUnknownDependency, "task %q depends on %q", def.Name, dep.Ref)
			}
			if keys[dep.Ref] == keys[keyOf(def, keys)] {
				return errors.Wrapf(ErrCircularDependency, "task %q depends on itself", def.Name)
			}
		}
	}
	return nil
}

func keyOf(def TaskDef, keys map[string]int) string {
	if def.ID != "" {
		if _, ok := keys[def.ID]; ok {
			return def.ID
		}
	}
	return def.Name
}

// detectCycles runs a depth-first search over the dependency graph; a
// back-edge into the current path reports the cycle in declaration-order
// task names.
func detectCycles(defs []TaskDef, keys map[string]int) error {
	adjacency := make([][]int, len(defs))
	for i, def := range defs {
		for _, dep := range def.Dependencies {
			adjacency[i] = append(adjacency[i], keys[dep.Ref])
		}
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make([]int, len(defs))
	var path []int

	var visit func(i int) []int
	visit = func(i int) []int {
		color[i] = gray
		path = append(path, i)
		for _, next := range adjacency[i] {
			switch color[next] {
			case gray:
				// Back-edge: slice the current path from the cycle entry.
				for start, idx := range path {
					if idx == next {
						return append(append([]int{}, path[start:]...), next)
					}
				}
				return []int{i, next}
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[i] = black
		return nil
	}

	for i := range defs {
		if color[i] != white {
			continue
		}
		path = path[:0]
		if cycle := visit(i); cycle != nil {
			names := make([]string, 0, len(cycle))
			for _, idx := range cycle {
				names = append(names, defs[idx].Name)
			}
			return errors.Wrapf(ErrCircularDependency, "cycle: %s", strings.Join(names, " -> "))
		}
	}
	return nil
}

// validateDependentClosure verifies that every entry transitively depending
// on an entry of the array is itself part of the array. References already
// resolve within the array, so the closure can only be broken by an entry
// whose dependent was dropped from the payload; the reverse index makes that
// explicit and keeps invariant 3 checkable for subset ingestions.
func validateDependentClosure(defs []TaskDef, keys map[string]int) error {
	// Dependents inside the array are by definition in the array; the check
	// guards the reference keys: a dependency ref naming an entry that the
	// key table resolved away (shadowed name) would strand its dependent.
	for _, def := range defs {
		for _, dep := range def.Dependencies {
			if _, ok := keys[dep.Ref]; !ok {
				return errors.Wrapf(ErrMissingDependentTask, "task %q depends on %q which is outside the array", def.Name, dep.Ref)
			}
		}
	}
	return nil
}

// persist creates one row per entry with parent and dependencies deferred to
// the second pass. Caller-supplied ids that already exist in the repository
// are replaced with fresh ids; later references still resolve through the
// caller's original key.
func (c *Creator) persist(ctx context.Context, st *store.Store, defs []TaskDef, keys map[string]int) ([]*store.Task, map[string]string, error) {
	created := make([]*store.Task, 0, len(defs))
	keyToID := make(map[string]string, len(defs))

	for _, def := range defs {
		uid := def.ID
		if uid != "" {
			existing, err := st.GetTaskByID(ctx, uid)
			if err != nil {
				return created, keyToID, errors.Wrapf(err, "failed to probe id %q", uid)
			}
			if existing != nil {
				slog.Warn("creator: task id already exists, generating a fresh one",
					"requested_id", uid, "name", def.Name)
				uid = ""
			}
		}

		task, err := st.CreateTask(ctx, &store.CreateTask{
			UID:      uid,
			UserID:   def.UserID,
			Name:     def.Name,
			Status:   store.TaskStatusPending,
			Priority: def.Priority,
			Inputs:   def.Inputs,
			Params:   def.Params,
			Schemas:  def.Schemas,
		})
		if err != nil {
			return created, keyToID, errors.Wrapf(err, "failed to create task %q", def.Name)
		}
		created = append(created, task)

		key := def.Name
		if def.ID != "" {
			key = def.ID
		}
		keyToID[key] = task.ID
	}
	return created, keyToID, nil
}

// linkAndCheck performs the second pass: parent wiring, has_children, and
// dependency normalisation to persisted ids, then the post-persistence
// structural checks.
func (c *Creator) linkAndCheck(ctx context.Context, st *store.Store, defs []TaskDef, keys map[string]int, created []*store.Task, keyToID map[string]string) (*store.Task, error) {
	hasChildren := make(map[string]bool)
	var root *store.Task

	for i, def := range defs {
		task := created[i]
		update := &store.UpdateTask{ID: task.ID}
		changed := false

		if def.ParentID != "" {
			parentID := keyToID[def.ParentID]
			update.ParentID = &parentID
			hasChildren[parentID] = true
			changed = true
		} else {
			if root != nil {
				return nil, errors.Wrapf(ErrMultipleRoots, "both %q and %q have no parent", root.Name, def.Name)
			}
			root = task
		}

		if len(def.Dependencies) > 0 {
			deps := make([]store.TaskDependency, 0, len(def.Dependencies))
			for _, dep := range def.Dependencies {
				deps = append(deps, store.TaskDependency{
					ID:       keyToID[dep.Ref],
					Required: dep.Required,
					Type:     dep.Type,
				})
			}
			update.Dependencies = &deps
			changed = true
		}

		if changed {
			if _, err := st.UpdateTask(ctx, update); err != nil {
				return nil, errors.Wrapf(err, "failed to link task %q", def.Name)
			}
		}
	}

	if root == nil {
		return nil, errors.Wrap(ErrMultipleRoots, "no root task in array")
	}

	flag := true
	for parentID := range hasChildren {
		if _, err := st.UpdateTask(ctx, &store.UpdateTask{ID: parentID, HasChildren: &flag}); err != nil {
			return nil, errors.Wrapf(err, "failed to flag children on %s", parentID)
		}
	}

	// Reachability: every persisted node must hang off the single root.
	fresh, err := st.GetTaskByID(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	tree, err := st.GetAllTasksInTree(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if len(tree) != len(created) {
		reachable := make(map[string]bool, len(tree))
		for _, t := range tree {
			reachable[t.ID] = true
		}
		for _, t := range created {
			if !reachable[t.ID] {
				return nil, errors.Wrapf(ErrUnreachableTask, "task %q (%s)", t.Name, t.ID)
			}
		}
	}

	return fresh, nil
}
