package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/taskforge/taskforge/internal/profile"
)

// Store provides database access to persisted tasks.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) CreateTask(ctx context.Context, create *CreateTask) (*Task, error) {
	return s.driver.CreateTask(ctx, create)
}

// GetTaskByID returns (nil, nil) when the task does not exist.
func (s *Store) GetTaskByID(ctx context.Context, id string) (*Task, error) {
	return s.driver.GetTaskByID(ctx, id)
}

func (s *Store) UpdateTask(ctx context.Context, update *UpdateTask) (*Task, error) {
	return s.driver.UpdateTask(ctx, update)
}

// UpdateTaskStatusParams carries the optional fields of a status transition.
// Nil fields are left untouched by the write.
type UpdateTaskStatusParams struct {
	Error       *string
	Result      *map[string]any
	Progress    *float64
	StartedTs   *int64
	CompletedTs *int64
}

// UpdateTaskStatus writes a status transition plus any supplied companion
// fields as a single atomic update.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, params *UpdateTaskStatusParams) (*Task, error) {
	update := &UpdateTask{ID: id, Status: &status}
	if params != nil {
		update.Error = params.Error
		update.Result = params.Result
		update.Progress = params.Progress
		update.StartedTs = params.StartedTs
		update.CompletedTs = params.CompletedTs
	}
	return s.driver.UpdateTask(ctx, update)
}

// UpdateTaskInputs replaces the inputs map of a task.
func (s *Store) UpdateTaskInputs(ctx context.Context, id string, inputs map[string]any) (*Task, error) {
	return s.driver.UpdateTask(ctx, &UpdateTask{ID: id, Inputs: &inputs})
}

func (s *Store) QueryTasks(ctx context.Context, find *FindTask) ([]*Task, error) {
	return s.driver.ListTasks(ctx, find)
}

// GetChildTasksByParentID returns the direct children of a task.
func (s *Store) GetChildTasksByParentID(ctx context.Context, parentID string) ([]*Task, error) {
	return s.driver.ListTasks(ctx, &FindTask{ParentID: &parentID})
}

// GetRootTask walks parent_id upward until the tree root.
func (s *Store) GetRootTask(ctx context.Context, task *Task) (*Task, error) {
	current := task
	// Parent chains are bounded by tree size; the guard catches corrupt data.
	for depth := 0; depth < 10000; depth++ {
		if current.IsRoot() {
			return current, nil
		}
		parent, err := s.driver.GetTaskByID(ctx, *current.ParentID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load parent of task %s", current.ID)
		}
		if parent == nil {
			return nil, errors.Errorf("task %s references missing parent %s", current.ID, *current.ParentID)
		}
		current = parent
	}
	return nil, errors.Errorf("parent chain of task %s exceeds depth limit", task.ID)
}

// GetAllTasksInTree collects the root task and every descendant breadth-first.
func (s *Store) GetAllTasksInTree(ctx context.Context, root *Task) ([]*Task, error) {
	tasks := []*Task{root}
	queue := []string{root.ID}
	for len(queue) > 0 {
		parentID := queue[0]
		queue = queue[1:]

		children, err := s.GetChildTasksByParentID(ctx, parentID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list children of task %s", parentID)
		}
		for _, child := range children {
			tasks = append(tasks, child)
			queue = append(queue, child.ID)
		}
	}
	return tasks, nil
}

// BuildTaskTree reads the whole tree once and assembles the in-memory form.
func (s *Store) BuildTaskTree(ctx context.Context, root *Task) (*TaskTreeNode, error) {
	tasks, err := s.GetAllTasksInTree(ctx, root)
	if err != nil {
		return nil, err
	}
	node := BuildTree(tasks, root.ID)
	if node == nil {
		return nil, errors.Errorf("failed to assemble tree for root %s", root.ID)
	}
	return node, nil
}

// DeleteTasks physically removes the given rows, reporting deleted count.
// Callers are responsible for the delete policy (pending-only subtrees).
func (s *Store) DeleteTasks(ctx context.Context, ids []string) (int, error) {
	return s.driver.DeleteTasks(ctx, ids)
}
