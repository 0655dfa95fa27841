package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/lib/pq"
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
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING ` + taskColumns

	row := d.db.QueryRowContext(ctx, query,
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

	task, err := scanTask(row)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create task")
	}
	return task, nil
}

// GetTaskByID returns (nil, nil) when the task does not exist.
func (d *DB) GetTaskByID(ctx context.Context, id string) (*store.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM task WHERE id = $1`
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
		args = append(args, value)
		set = append(set, column+" = "+placeholder(len(args)))
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
	query := `UPDATE task SET ` + strings.Join(set, ", ") +
		` WHERE id = ` + placeholder(len(args)) + ` RETURNING ` + taskColumns

	task, err := scanTask(d.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("task %s not found", update.ID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update task %s", update.ID)
	}
	return task, nil
}

// ListTasks queries tasks with optional filters, ordering, and pagination.
func (d *DB) ListTasks(ctx context.Context, find *store.FindTask) ([]*store.Task, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		args = append(args, *find.ID)
		where = append(where, "id = "+placeholder(len(args)))
	}
	if find.UserID != nil {
		args = append(args, *find.UserID)
		where = append(where, "user_id = "+placeholder(len(args)))
	}
	if find.Status != nil {
		args = append(args, string(*find.Status))
		where = append(where, "status = "+placeholder(len(args)))
	}
	if find.ParentID != nil {
		if *find.ParentID == store.RootParentSentinel {
			where = append(where, "parent_id IS NULL")
		} else {
			args = append(args, *find.ParentID)
			where = append(where, "parent_id = "+placeholder(len(args)))
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
		args = append(args, find.Limit)
		query += ` LIMIT ` + placeholder(len(args))
	}
	if find.Offset > 0 {
		args = append(args, find.Offset)
		query += ` OFFSET ` + placeholder(len(args))
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
	result, err := d.db.ExecContext(ctx, `DELETE FROM task WHERE id = ANY($1)`, pq.Array(ids))
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
	var depsJSON, inputsJSON, paramsJSON, schemasJSON, resultJSON []byte

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
	if depsJSON != nil {
		if err := json.Unmarshal(depsJSON, &task.Dependencies); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal dependencies")
		}
	}
	if inputsJSON != nil {
		if err := json.Unmarshal(inputsJSON, &task.Inputs); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal inputs")
		}
	}
	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &task.Params); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal params")
		}
	}
	if schemasJSON != nil {
		if err := json.Unmarshal(schemasJSON, &task.Schemas); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal schemas")
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &task.Result); err != nil {
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
	return raw, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
