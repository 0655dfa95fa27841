package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/taskforge/taskforge/internal/util"
	"github.com/taskforge/taskforge/store"
)

const taskColumns = `id, parent_id, original_task_id, user_id, name, status, priority,
	has_children, has_copy, progress, dependencies, inputs, params, schemas, result,
	error, created_ts, updated_ts, started_ts, completed_ts`

// CreateTask inserts a new task row.
func (d *DB) CreateTask(ctx context.Context, create *store.CreateTask) (*store.Task, error) {
	uid := create.UID
	if uid == "" {
		uid = util.GenUUID()
	}

	status := create.Status
	if status == "" {
		status = store.TaskStatusPending
	}
	priority := create.Priority
	if priority == 0 {
		priority = store.DefaultPriority
	}

	depsJSON, err := marshalNullable(create.Dependencies)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal dependencies")
	}
	inputsJSON, err := marshalNullable(create.Inputs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal inputs")
	}
	paramsJSON, err := marshalNullable(create.Params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal params")
	}
	schemasJSON, err := marshalNullable(create.Schemas)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal schemas")
	}

	now := time.Now().Unix()
	query := `
		INSERT INTO task (
			id, parent_id, original_task_id, user_id, name, status, priority,
			has_children, has_copy, progress, dependencies, inputs, params, schemas,
			result, error, created_ts, updated_ts, started_ts, completed_ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = d.db.ExecContext(ctx, query,
		uid,
		nullableString(create.ParentID),
		nullableString(create.OriginalTaskID),
		create.UserID,
		create.Name,
		string(status),
		priority,
		false,
		false,
		0.0,
		depsJSON,
		inputsJSON,
		paramsJSON,
		schemasJSON,
		nil, // result
		"",  // error
		now,
		now,
		0,
		0,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create task")
	}

	return d.GetTaskByID(ctx, uid)
}

// GetTaskByID returns (nil, nil) when the task does not exist.
func (d *DB) GetTaskByID(ctx context.Context, id string) (*store.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM task WHERE id = ?`
	task, err := scanTask(d.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get task %s", id)
	}
	return task, nil
}

// UpdateTask writes exactly the supplied fields in one statement.
func (d *DB) UpdateTask(ctx context.Context, update *store.UpdateTask) (*store.Task, error) {
	set, args := []string{}, []any{}
	add := func(column string, value any) {
		set = append(set, column+" = ?")
		args = append(args, value)
	}

	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.Result != nil {
		resultJSON, err := marshalNullable(*update.Result)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal result")
		}
		add("result", resultJSON)
	}
	if update.Progress != nil {
		add("progress", *update.Progress)
	}
	if update.StartedTs != nil {
		add("started_ts", *update.StartedTs)
	}
	if update.CompletedTs != nil {
		add("completed_ts", *update.CompletedTs)
	}
	if update.Inputs != nil {
		inputsJSON, err := marshalNullable(*update.Inputs)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal inputs")
		}
		add("inputs", inputsJSON)
	}
	if update.Dependencies != nil {
		depsJSON, err := marshalNullable(*update.Dependencies)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal dependencies")
		}
		add("dependencies", depsJSON)
	}
	if update.ParentID != nil {
		add("parent_id", *update.ParentID)
	}
	if update.HasChildren != nil {
		add("has_children", *update.HasChildren)
	}
	if update.HasCopy != nil {
		add("has_copy", *update.HasCopy)
	}
	add("updated_ts", time.Now().Unix())

	args = append(args, update.ID)
	query := `UPDATE task SET ` + strings.Join(set, ", ") + ` WHERE id = ?`

	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update task %s", update.ID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read updated row count")
	}
	if affected == 0 {
		return nil, errors.Errorf("task %s not found", update.ID)
	}

	return d.GetTaskByID(ctx, update.ID)
}

// ListTasks queries tasks with optional filters, ordering, and pagination.
func (d *DB) ListTasks(ctx context.Context, find *store.FindTask) ([]*store.Task, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, string(*find.Status))
	}
	if find.ParentID != nil {
		if *find.ParentID == store.RootParentSentinel {
			where = append(where, "parent_id IS NULL")
		} else {
			where, args = append(where, "parent_id = ?"), append(args, *find.ParentID)
		}
	}

	orderBy := "created_ts"
	switch find.OrderBy {
	case "updated_ts", "priority", "name":
		orderBy = find.OrderBy
	}
	direction := "ASC"
	if find.Desc {
		direction = "DESC"
	}

	query := `SELECT ` + taskColumns + ` FROM task WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY ` + orderBy + ` ` + direction + `, id ASC`
	if find.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, find.Limit)
		if find.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, find.Offset)
		}
	} else if find.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, find.Offset)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	var tasks []*store.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task row")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate task rows")
	}
	return tasks, nil
}

// DeleteTasks removes the given rows, reporting the deleted count.
func (d *DB) DeleteTasks(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	result, err := d.db.ExecContext(ctx, `DELETE FROM task WHERE id IN (`+strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete tasks")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read deleted row count")
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	var task store.Task
	var parentID, originalTaskID sql.NullString
	var depsJSON, inputsJSON, paramsJSON, schemasJSON, resultJSON sql.NullString

	err := row.Scan(
		&task.ID,
		&parentID,
		&originalTaskID,
		&task.UserID,
		&task.Name,
		&task.Status,
		&task.Priority,
		&task.HasChildren,
		&task.HasCopy,
		&task.Progress,
		&depsJSON,
		&inputsJSON,
		&paramsJSON,
		&schemasJSON,
		&resultJSON,
		&task.Error,
		&task.CreatedTs,
		&task.UpdatedTs,
		&task.StartedTs,
		&task.CompletedTs,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		task.ParentID = &parentID.String
	}
	if originalTaskID.Valid {
		task.OriginalTaskID = &originalTaskID.String
	}
	if depsJSON.Valid {
		if err := json.Unmarshal([]byte(depsJSON.String), &task.Dependencies); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal dependencies")
		}
	}
	if inputsJSON.Valid {
		if err := json.Unmarshal([]byte(inputsJSON.String), &task.Inputs); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal inputs")
		}
	}
	if paramsJSON.Valid {
		if err := json.Unmarshal([]byte(paramsJSON.String), &task.Params); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal params")
		}
	}
	if schemasJSON.Valid {
		if err := json.Unmarshal([]byte(schemasJSON.String), &task.Schemas); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal schemas")
		}
	}
	if resultJSON.Valid {
		if err := json.Unmarshal([]byte(resultJSON.String), &task.Result); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal result")
		}
	}

	return &task, nil
}

// marshalNullable renders nil maps/slices as SQL NULL instead of JSON "null".
func marshalNullable(v any) (any, error) {
	switch value := v.(type) {
	case map[string]any:
		if value == nil {
			return nil, nil
		}
	case []store.TaskDependency:
		if value == nil {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
