package store

import "context"

// TaskStatus represents the lifecycle status of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusDeleted    TaskStatus = "deleted"
)

// IsTerminal returns true if the status is a final state.
// A terminal task is never rewritten except through an explicit copy-and-rerun.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// DependencyTypeResult is the default dependency type: the downstream task
// consumes the upstream task's result.
const DependencyTypeResult = "result"

// TaskDependency is a cross-tree edge to another task in the same root tree.
type TaskDependency struct {
	ID       string `json:"id"`
	Required bool   `json:"required"`
	Type     string `json:"type"`
}

// Task represents a node of a persisted task tree.
type Task struct {
	ID             string
	ParentID       *string // nil for root tasks
	OriginalTaskID *string // nil for originals, set on copies
	UserID         string
	Name           string
	Status         TaskStatus
	Priority       int
	HasChildren    bool
	HasCopy        bool
	Progress       float64
	Dependencies   []TaskDependency
	Inputs         map[string]any
	Params         map[string]any
	Schemas        map[string]any
	Result         map[string]any
	Error          string
	CreatedTs      int64
	UpdatedTs      int64
	StartedTs      int64 // 0 when the task never started
	CompletedTs    int64 // 0 when the task never finished
}

// IsRoot returns true when the task has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentID == nil || *t.ParentID == ""
}

// DefaultPriority is assigned at creation when the caller supplies none.
const DefaultPriority = 1

// CreateTask represents the input for creating a task.
type CreateTask struct {
	UID            string // optional; generated when empty
	ParentID       *string
	OriginalTaskID *string
	UserID         string
	Name           string
	Status         TaskStatus
	Priority       int
	Dependencies   []TaskDependency
	Inputs         map[string]any
	Params         map[string]any
	Schemas        map[string]any
}

// UpdateTask represents a partial update. Nil fields are not changed,
// so one call is a single atomic write of exactly the supplied fields.
type UpdateTask struct {
	ID           string
	Status       *TaskStatus
	Error        *string
	Result       *map[string]any
	Progress     *float64
	StartedTs    *int64
	CompletedTs  *int64
	Inputs       *map[string]any
	Dependencies *[]TaskDependency
	ParentID     *string
	HasChildren  *bool
	HasCopy      *bool
}

// RootParentSentinel is the FindTask.ParentID value meaning "root tasks only".
const RootParentSentinel = ""

// FindTask represents the filter for querying tasks.
type FindTask struct {
	ID       *string
	UserID   *string
	Status   *TaskStatus
	ParentID *string // RootParentSentinel selects tasks without a parent
	Limit    int
	Offset   int
	OrderBy  string // created_ts, updated_ts, priority, name; default created_ts
	Desc     bool
}

// Driver is the interface every database backend implements.
type Driver interface {
	CreateTask(ctx context.Context, create *CreateTask) (*Task, error)
	// GetTaskByID returns (nil, nil) when the task does not exist.
	GetTaskByID(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, update *UpdateTask) (*Task, error)
	ListTasks(ctx context.Context, find *FindTask) ([]*Task, error)
	// DeleteTasks physically removes the given rows, reporting deleted count.
	DeleteTasks(ctx context.Context, ids []string) (int, error)

	Migrate(ctx context.Context) error
	Close() error
}
