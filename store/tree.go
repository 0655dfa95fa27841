package store

// TaskTreeNode wraps a task plus its ordered child nodes.
type TaskTreeNode struct {
	Task     *Task
	Children []*TaskTreeNode
}

// Walk visits the node and every descendant depth-first, parents before
// children. Returning false from fn stops the walk.
func (n *TaskTreeNode) Walk(fn func(node *TaskTreeNode) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, child := range n.Children {
		if !child.Walk(fn) {
			return false
		}
	}
	return true
}

// Flatten returns all tasks of the subtree in depth-first order.
func (n *TaskTreeNode) Flatten() []*Task {
	var tasks []*Task
	n.Walk(func(node *TaskTreeNode) bool {
		tasks = append(tasks, node.Task)
		return true
	})
	return tasks
}

// Find returns the node holding the task with the given id, or nil.
func (n *TaskTreeNode) Find(id string) *TaskTreeNode {
	var found *TaskTreeNode
	n.Walk(func(node *TaskTreeNode) bool {
		if node.Task.ID == id {
			found = node
			return false
		}
		return true
	})
	return found
}

// Size returns the number of tasks in the subtree.
func (n *TaskTreeNode) Size() int {
	count := 0
	n.Walk(func(*TaskTreeNode) bool {
		count++
		return true
	})
	return count
}

// ToMap renders the subtree as a nested mapping for API responses.
func (n *TaskTreeNode) ToMap() map[string]any {
	if n == nil || n.Task == nil {
		return nil
	}
	m := taskToMap(n.Task)
	children := make([]map[string]any, 0, len(n.Children))
	for _, child := range n.Children {
		children = append(children, child.ToMap())
	}
	m["children"] = children
	return m
}

func taskToMap(t *Task) map[string]any {
	deps := make([]map[string]any, 0, len(t.Dependencies))
	for _, d := range t.Dependencies {
		deps = append(deps, map[string]any{"id": d.ID, "required": d.Required, "type": d.Type})
	}
	m := map[string]any{
		"id":           t.ID,
		"name":         t.Name,
		"user_id":      t.UserID,
		"status":       string(t.Status),
		"priority":     t.Priority,
		"has_children": t.HasChildren,
		"has_copy":     t.HasCopy,
		"progress":     t.Progress,
		"dependencies": deps,
		"inputs":       t.Inputs,
		"params":       t.Params,
		"schemas":      t.Schemas,
		"result":       t.Result,
		"created_ts":   t.CreatedTs,
		"updated_ts":   t.UpdatedTs,
	}
	if t.ParentID != nil {
		m["parent_id"] = *t.ParentID
	}
	if t.OriginalTaskID != nil {
		m["original_task_id"] = *t.OriginalTaskID
	}
	if t.Error != "" {
		m["error"] = t.Error
	}
	if t.StartedTs != 0 {
		m["started_ts"] = t.StartedTs
	}
	if t.CompletedTs != 0 {
		m["completed_ts"] = t.CompletedTs
	}
	return m
}

// TaskToMap renders a single task as a flat mapping for API responses.
func TaskToMap(t *Task) map[string]any {
	if t == nil {
		return nil
	}
	return taskToMap(t)
}

// BuildTree assembles an in-memory tree from a flat task list. The returned
// node is the tree containing rootID; tasks unreachable from it are ignored.
func BuildTree(tasks []*Task, rootID string) *TaskTreeNode {
	nodes := make(map[string]*TaskTreeNode, len(tasks))
	for _, t := range tasks {
		nodes[t.ID] = &TaskTreeNode{Task: t}
	}
	for _, t := range tasks {
		if t.ParentID == nil {
			continue
		}
		if parent, ok := nodes[*t.ParentID]; ok {
			parent.Children = append(parent.Children, nodes[t.ID])
		}
	}
	return nodes[rootID]
}
