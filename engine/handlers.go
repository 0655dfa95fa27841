package engine

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/taskforge/taskforge/engine/copier"
	"github.com/taskforge/taskforge/engine/creator"
	"github.com/taskforge/taskforge/engine/scheduler"
	"github.com/taskforge/taskforge/engine/stream"
	"github.com/taskforge/taskforge/store"
)

// ErrUnknownMethod is returned for unregistered RPC method names.
var ErrUnknownMethod = errors.New("unknown method")

// HandleRPC dispatches one task-management call. Adapters pass the method
// name and raw JSON params; permission checks belong to the adapter.
func (e *Engine) HandleRPC(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "tasks.create":
		return e.handleCreate(ctx, params)
	case "tasks.get", "tasks.detail":
		return e.handleGet(ctx, params)
	case "tasks.tree":
		return e.handleTree(ctx, params)
	case "tasks.list":
		return e.handleList(ctx, params)
	case "tasks.children":
		return e.handleChildren(ctx, params)
	case "tasks.running.list":
		return e.handleRunningList(ctx, params)
	case "tasks.running.status":
		return e.handleRunningStatus(ctx, params)
	case "tasks.running.count":
		return map[string]any{"count": e.tracker.Count()}, nil
	case "tasks.update":
		return e.handleUpdate(ctx, params)
	case "tasks.delete":
		return e.handleDelete(ctx, params)
	case "tasks.copy":
		return e.handleCopy(ctx, params)
	case "tasks.cancel", "tasks.running.cancel":
		return e.handleCancel(ctx, params)
	case "tasks.execute":
		return e.handleExecute(ctx, params)
	default:
		return nil, errors.Wrap(ErrUnknownMethod, method)
	}
}

type taskIDParams struct {
	TaskID   string `json:"task_id"`
	RootID   string `json:"root_id"`
	ParentID string `json:"parent_id"`
}

// treeID accepts task_id or root_id for methods that resolve whole trees.
func (p *taskIDParams) treeID() string {
	if p.TaskID != "" {
		return p.TaskID
	}
	return p.RootID
}

func (e *Engine) handleCreate(ctx context.Context, params json.RawMessage) (any, error) {
	var defs []creator.TaskDef
	if err := json.Unmarshal(params, &defs); err != nil {
		var single creator.TaskDef
		if err := json.Unmarshal(params, &single); err != nil {
			return nil, errors.Wrap(err, "params must be a task or an array of tasks")
		}
		defs = []creator.TaskDef{single}
	}

	// One call, one owner: a single user_id is propagated to every task.
	userID := ""
	for _, def := range defs {
		if def.UserID == "" {
			continue
		}
		if userID == "" {
			userID = def.UserID
		} else if def.UserID != userID {
			return nil, errors.Errorf("all tasks in one call must share user_id (%q vs %q)", userID, def.UserID)
		}
	}
	for i := range defs {
		defs[i].UserID = userID
	}

	var tree *store.TaskTreeNode
	err := e.pool.WithSession(ctx, func(ctx context.Context, st *store.Store) error {
		node, err := e.creator.CreateTaskTree(ctx, st, defs)
		if err != nil {
			return err
		}
		tree = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tree.ToMap(), nil
}

func (e *Engine) handleGet(ctx context.Context, params json.RawMessage) (any, error) {
	var p taskIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, errors.New("task_id is required")
	}
	var task *store.Task
	err := e.pool.WithSession(ctx, func(ctx context.Context, st *store.Store) error {
		found, err := st.GetTaskByID(ctx, p.TaskID)
		task = found
		return err
	})
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}
	return store.TaskToMap(task), nil
}

func (e *Engine) handleTree(ctx context.Context, params json.RawMessage) (any, error) {
	var p taskIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	id := p.treeID()
	if id == "" {
		return nil, errors.New("task_id is required")
	}
	var tree *store.TaskTreeNode
	err := e.pool.WithSession(ctx, func(ctx context.Context, st *store.Store) error {
		task, err := st.GetTaskByID(ctx, id)
		if err != nil {
			return err
		}
		if task == nil {
			return errors.Errorf("task %s not found", id)
		}
		root, err := st.GetRootTask(ctx, task)
		if err != nil {
			return err
		}
		tree, err = st.BuildTaskTree(ctx, root)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tree.ToMap(), nil
}

func (e *Engine) handleList(ctx context.Context, params json.RawMessage) (any, error) {
	p := struct {
		UserID   string `json:"user_id"`
		Status   string `json:"status"`
		RootOnly *bool  `json:"root_only"`
		Limit    int    `json:"limit"`
		Offset   int    `json:"offset"`
		OrderBy  string `json:"order_by"`
		Desc     bool   `json:"order_desc"`
	}{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}

	find := &store.FindTask{
		Limit:   p.Limit,
		Offset:  p.Offset,
		OrderBy: p.OrderBy,
		Desc:    p.Desc,
	}
	if p.UserID != "" {
		find.UserID = &p.UserID
	}
	if p.Status != "" {
		status := store.TaskStatus(p.Status)
		find.Status = &status
	}
	if p.RootOnly == nil || *p.RootOnly {
		sentinel := store.RootParentSentinel
		find.ParentID = &sentinel
	}

	var tasks []*store.Task
	err := e.pool.WithSession(ctx, func(ctx context.Context, st *store.Store) error {
		found, err := st.QueryTasks(ctx, find)
		tasks = found
		return err
	})
	if err != nil {
		return nil, err
	}
	return tasksToMaps(tasks), nil
}

func (e *Engine) handleChildren(ctx context.Context, params json.RawMessage) (any, error) {
	var p taskIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.ParentID == "" {
		return nil, errors.New("parent_id is required")
	}
	var tasks []*store.Task
	err := e.pool.WithSession(ctx, func(ctx context.Context, st *store.Store) error {
		found, err := st.GetChildTasksByParentID(ctx, p.ParentID)
		tasks = found
		return err
	})
	if err != nil {
		return nil, err
	}
	return tasksToMaps(tasks), nil
}

func (e *Engine) handleRunningList(ctx context.Context, params json.RawMessage) (any, error) {
	roots := e.tracker.List()
	entries := make([]map[string]any, 0, len(roots))
	err := e.pool.WithSession(ctx, func(ctx context.Context, st *store.Store) error {
		for _, r := range roots {
			entry := map[string]any{
				"root_task_id": r.RootID,
				"user_id":      r.UserID,
				"trace_id":     r.TraceID,
				"started_at":   r.StartedAt.Unix(),
			}
			if task, err := st.GetTaskByID(ctx, r.RootID); err == nil && task != nil {
				entry["name"] = task.Name
				entry["status"] = string(task.Status)
				entry["progress"] = task.Progress
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (e *Engine) handleRunningStatus(ctx context.Context, params json.RawMessage) (any, error) {
	var p taskIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	id := p.treeID()
	if id == "" {
		return nil, errors.New("task_id is required")
	}

	var result map[string]any
	err := e.pool.WithSession(ctx, func(ctx context.Context, st *store.Store) error {
		task, err := st.GetTaskByID(ctx, id)
		if err != nil {
			return err
		}
		if task == nil {
			return errors.Errorf("task %s not found", id)
		}
		root, err := st.GetRootTask(ctx, task)
		if err != nil {
			return err
		}
		result = map[string]any{
			"root_task_id": root.ID,
			"task_id":      task.ID,
			"status":       string(task.Status),
			"progress":     task.Progress,
			"running":      false,
		}
		if running := e.tracker.Get(root.ID); running != nil {
			result["running"] = true
			result["trace_id"] = running.TraceID
			result["started_at"] = running.StartedAt.Unix()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) handleUpdate(ctx context.Context, params json.RawMessage) (any, error) {
	p := struct {
		TaskID      string          `json:"task_id"`
		Status      *string         `json:"status"`
		Error       *string         `json:"error"`
		Result      *map[string]any `json:"result"`
		Progress    *float64        `json:"progress"`
		Inputs      *map[string]any `json:"inputs"`
		StartedTs   *int64          `json:"started_ts"`
		CompletedTs *int64          `json:"completed_ts"`
	}{}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, errors.New("task_id is required")
	}

	var task *store.Task
	err := e.pool.WithSession(ctx, func(ctx context.Context, st *store.Store) error {
		current, err := st.GetTaskByID(ctx, p.TaskID)
		if err != nil {
			return err
		}
		if current == nil {
			return errors.Errorf("task %s not found", p.TaskID)
		}

		update := &store.UpdateTask{
			ID:          p.TaskID,
			Error:       p.Error,
			Result:      p.Result,
			Progress:    p.Progress,
			Inputs:      p.Inputs,
			StartedTs:   p.StartedTs,
			CompletedTs: p.CompletedTs,
		}
		if p.Status != nil {
			next := store.TaskStatus(*p.Status)
			if current.Status.IsTerminal() && next != current.Status {
				return errors.Errorf("task %s is %s; terminal tasks are only re-run through a copy", p.TaskID, current.Status)
			}
			update.Status = &next
		}
		task, err = st.UpdateTask(ctx, update)
		return err
	})
	if err != nil {
		return nil, err
	}
	return store.TaskToMap(task), nil
}

func (e *Engine) handleDelete(ctx context.Context, params json.RawMessage) (any, error) {
	var p taskIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, errors.New("task_id is required")
	}

	deleted := 0
	err := e.pool.WithSession(ctx, func(ctx context.Context, st *store.Store) error {
		task, err := st.GetTaskByID(ctx, p.TaskID)
		if err != nil {
			return err
		}
		if task == nil {
			return errors.Errorf("task %s not found", p.TaskID)
		}

		subtree, err := st.GetAllTasksInTree(ctx, task)
		if err != nil {
			return err
		}
		subtreeIDs := make(map[string]bool, len(subtree))
		for _, t := range subtree {
			if t.Status != store.TaskStatusPending {
				return errors.Errorf("cannot delete: task %q is %s (only pending subtrees are deletable)", t.Name, t.Status)
			}
			subtreeIDs[t.ID] = true
		}

		// Tasks outside the subtree must not depend on anything inside it.
		root, err := st.GetRootTask(ctx, task)
		if err != nil {
			return err
		}
		tree, err := st.GetAllTasksInTree(ctx, root)
		if err != nil {
			return err
		}
		for _, t := range tree {
			if subtreeIDs[t.ID] {
				continue
			}
			for _, dep := range t.Dependencies {
				if subtreeIDs[dep.ID] {
					return errors.Errorf("cannot delete: task %q depends on %q", t.Name, dep.ID)
				}
			}
		}

		ids := make([]string, 0, len(subtree))
		for _, t := range subtree {
			ids = append(ids, t.ID)
		}
		deleted, err = st.DeleteTasks(ctx, ids)
		if err != nil {
			return err
		}

		// Clear has_children on the parent when its last child is gone.
		if task.ParentID != nil && *task.ParentID != "" {
			siblings, err := st.GetChildTasksByParentID(ctx, *task.ParentID)
			if err == nil && len(siblings) == 0 {
				off := false
				_, _ = st.UpdateTask(ctx, &store.UpdateTask{ID: *task.ParentID, HasChildren: &off})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted_count": deleted}, nil
}

func (e *Engine) handleCopy(ctx context.Context, params json.RawMessage) (any, error) {
	p := struct {
		TaskID   string `json:"task_id"`
		Children bool   `json:"children"`
		Save     *bool  `json:"save"`
	}{}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, errors.New("task_id is required")
	}
	save := p.Save == nil || *p.Save

	var tree *store.TaskTreeNode
	err := e.pool.WithSession(ctx, func(ctx context.Context, st *store.Store) error {
		node, err := e.copier.CopyTaskTree(ctx, st, p.TaskID, copier.Options{
			Children: p.Children,
			Save:     save,
		})
		if err != nil {
			return err
		}
		tree = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tree.ToMap(), nil
}

func (e *Engine) handleCancel(ctx context.Context, params json.RawMessage) (any, error) {
	p := struct {
		TaskIDs      []string `json:"task_ids"`
		TaskID       string   `json:"task_id"`
		Force        bool     `json:"force"`
		ErrorMessage string   `json:"error_message"`
	}{}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID != "" {
		p.TaskIDs = append(p.TaskIDs, p.TaskID)
	}
	if len(p.TaskIDs) == 0 {
		return nil, errors.New("task_ids is required")
	}

	results := make([]map[string]any, 0, len(p.TaskIDs))
	err := e.pool.WithSession(ctx, func(ctx context.Context, st *store.Store) error {
		for _, id := range p.TaskIDs {
			entry := map[string]any{"task_id": id}
			task, err := st.GetTaskByID(ctx, id)
			if err != nil {
				return err
			}
			switch {
			case task == nil:
				entry["status"] = "not_found"
				entry["message"] = "task not found"
			case task.Status == store.TaskStatusPending && !p.Force:
				entry["status"] = string(task.Status)
				entry["message"] = "task is not running; pass force to cancel pending tasks"
			default:
				cancelled, err := e.manager.CancelTask(ctx, st, id, p.ErrorMessage)
				if errors.Is(err, scheduler.ErrTaskAlreadyTerminal) {
					entry["status"] = string(cancelled.Status)
					entry["message"] = "task already finished"
				} else if err != nil {
					entry["status"] = string(task.Status)
					entry["message"] = err.Error()
				} else {
					entry["status"] = string(cancelled.Status)
					entry["message"] = "task cancelled"
					if cancelled.Result != nil {
						if usage, ok := cancelled.Result["token_usage"]; ok {
							entry["token_usage"] = usage
						}
						entry["result"] = cancelled.Result
					}
				}
			}
			results = append(results, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) handleExecute(ctx context.Context, params json.RawMessage) (any, error) {
	p := struct {
		TaskID        string                `json:"task_id"`
		UseStreaming  bool                  `json:"use_streaming"`
		WebhookConfig *stream.WebhookConfig `json:"webhook_config"`
	}{}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, errors.New("task_id is required")
	}

	started, err := e.Execute(ctx, p.TaskID, ExecuteOptions{
		UseStreaming:  p.UseStreaming,
		WebhookConfig: p.WebhookConfig,
	})
	if err != nil {
		return nil, err
	}

	response := map[string]any{
		"success":      true,
		"protocol":     "taskforge",
		"root_task_id": started.RootTaskID,
		"task_id":      started.TaskID,
		"status":       "started",
		"message":      "task tree execution started",
	}
	if started.Streaming {
		response["streaming"] = true
		if started.WebhookURL != "" {
			response["webhook_url"] = started.WebhookURL
		} else {
			response["events_url"] = started.EventsURL
		}
	}
	return response, nil
}

func tasksToMaps(tasks []*store.Task) []map[string]any {
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, store.TaskToMap(t))
	}
	return out
}
