// Package scheduler implements the task manager: dependency- and
// priority-aware tree execution with hooks, cancellation, and progress
// streaming.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/taskforge/taskforge/engine/executor"
	"github.com/taskforge/taskforge/engine/hooks"
	"github.com/taskforge/taskforge/engine/metrics"
	"github.com/taskforge/taskforge/engine/stream"
	"github.com/taskforge/taskforge/store"
)

// DefaultMaxParallelTasks bounds concurrent executions within one priority
// bucket.
const DefaultMaxParallelTasks = 8

// deferredPriority orders tasks without a usable priority last.
const deferredPriority = 999

// ErrTaskAlreadyTerminal is returned by CancelTask for finished tasks.
var ErrTaskAlreadyTerminal = errors.New("task is already in a terminal state")

// Options configures one tree execution.
type Options struct {
	Streaming bool
	Bus       *stream.Bus
	TraceID   string
	// MaxParallelTasks bounds bucket fan-out; DefaultMaxParallelTasks when 0.
	MaxParallelTasks int
}

// Manager schedules task trees. One manager serves the whole process; each
// DistributeTaskTree call owns an independent run.
type Manager struct {
	registry *executor.Registry
	hooks    *hooks.Registry

	// liveMu guards both maps. live holds in-flight executor instances for
	// cancellation; inflight holds dispatch claims so a task is never
	// executed twice by concurrent re-evaluations.
	liveMu   sync.Mutex
	live     map[string]executor.Executor
	inflight map[string]bool

	runMu sync.RWMutex
	runs  map[string]*run
}

// NewManager creates a manager over the given registries.
func NewManager(registry *executor.Registry, hookRegistry *hooks.Registry) *Manager {
	return &Manager{
		registry: registry,
		hooks:    hookRegistry,
		live:     make(map[string]executor.Executor),
		inflight: make(map[string]bool),
		runs:     make(map[string]*run),
	}
}

// run is the per-execution state shared by all workers of one tree.
type run struct {
	m         *Manager
	st        *store.Store
	rootID    string
	streaming bool
	bus       *stream.Bus
	traceID   string
	parallel  int
}

// DistributeTaskTree executes the tree rooted at root until every reachable
// task is terminal or blocked, then emits the final event. Task failures do
// not fail the run; only storage faults surface as errors.
func (m *Manager) DistributeTaskTree(ctx context.Context, st *store.Store, root *store.Task, opts Options) error {
	parallel := opts.MaxParallelTasks
	if parallel <= 0 {
		parallel = DefaultMaxParallelTasks
	}
	r := &run{
		m:         m,
		st:        st,
		rootID:    root.ID,
		streaming: opts.Streaming,
		bus:       opts.Bus,
		traceID:   opts.TraceID,
		parallel:  parallel,
	}

	m.runMu.Lock()
	m.runs[root.ID] = r
	m.runMu.Unlock()
	metrics.RunningRoots.Inc()
	defer func() {
		m.runMu.Lock()
		delete(m.runs, root.ID)
		m.runMu.Unlock()
		metrics.RunningRoots.Dec()
	}()

	_, err := r.distribute(ctx, root.ID)

	final, ferr := st.GetTaskByID(ctx, root.ID)
	if ferr == nil && final != nil {
		r.emit(stream.Event{
			TaskID:   final.ID,
			Kind:     stream.KindFinal,
			Status:   string(final.Status),
			Progress: final.Progress,
			Result:   final.Result,
			Error:    final.Error,
			Final:    true,
		})
	}
	return err
}

// MarkTreeForReExecution resets every completed or failed task of the tree
// back to pending so a subsequent run re-executes it. Pending and in_progress
// tasks are left alone.
func (m *Manager) MarkTreeForReExecution(ctx context.Context, st *store.Store, root *store.Task) error {
	// The caller's root object may predate the previous run; reset decisions
	// are made on the stored rows.
	fresh, err := st.GetTaskByID(ctx, root.ID)
	if err != nil {
		return err
	}
	if fresh == nil {
		return errors.Errorf("task %s not found", root.ID)
	}
	tasks, err := st.GetAllTasksInTree(ctx, fresh)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != store.TaskStatusCompleted && t.Status != store.TaskStatusFailed {
			continue
		}
		var (
			noError  = ""
			zero     = 0.0
			zeroTs   = int64(0)
			noResult map[string]any
		)
		if _, err := st.UpdateTaskStatus(ctx, t.ID, store.TaskStatusPending, &store.UpdateTaskStatusParams{
			Error:       &noError,
			Result:      &noResult,
			Progress:    &zero,
			StartedTs:   &zeroTs,
			CompletedTs: &zeroTs,
		}); err != nil {
			return errors.Wrapf(err, "failed to reset task %s for re-execution", t.ID)
		}
	}
	return nil
}

// distribute drives the subtree rooted at taskID: children bottom-up, then
// the node itself once all children are terminal. It reports whether any
// task changed state.
func (r *run) distribute(ctx context.Context, taskID string) (bool, error) {
	progressed := false
	for {
		if err := ctx.Err(); err != nil {
			return progressed, err
		}
		task, err := r.st.GetTaskByID(ctx, taskID)
		if err != nil {
			return progressed, err
		}
		if task == nil {
			return progressed, errors.Errorf("task %s not found", taskID)
		}
		if task.Status.IsTerminal() || task.Status == store.TaskStatusInProgress {
			return progressed, nil
		}

		tasks, err := r.st.GetAllTasksInTree(ctx, task)
		if err != nil {
			return progressed, err
		}
		byID, childrenOf := index(tasks)

		pending := make([]*store.Task, 0, len(tasks))
		for _, t := range tasks {
			if t.ID != task.ID && t.Status == store.TaskStatusPending {
				pending = append(pending, t)
			}
		}

		if len(pending) == 0 {
			if childrenTerminal(childrenOf[task.ID]) {
				if r.runTask(ctx, task.ID) {
					progressed = true
				}
			}
			return progressed, nil
		}

		moved, err := r.dispatchWave(ctx, pending, byID, childrenOf)
		if err != nil {
			return progressed, err
		}
		if !moved {
			// Everything left is blocked; post-completion fan-out of the
			// in-flight satisfiers picks them up.
			return progressed, nil
		}
		progressed = true
	}
}

// dispatchWave runs one highest-priority wave of ready tasks concurrently.
// It reports whether any task changed state.
func (r *run) dispatchWave(ctx context.Context, pending []*store.Task, byID map[string]*store.Task, childrenOf map[string][]*store.Task) (bool, error) {
	for _, bucket := range bucketByPriority(pending) {
		var wave []*store.Task
		progressed := false

		for _, t := range bucket {
			switch state, reason := r.readinessOf(t, byID, childrenOf); state {
			case taskReady:
				wave = append(wave, t)
			case taskDoomed:
				r.failUnrunnable(ctx, t, reason)
				progressed = true
			case taskBlocked:
				if !childrenTerminal(childrenOf[t.ID]) {
					// Its subtree may still have runnable leaves.
					wave = append(wave, t)
				}
			}
		}

		if len(wave) > 0 {
			var moved atomic.Bool
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(r.parallel)
			for _, t := range wave {
				g.Go(func() error {
					if !childrenTerminal(childrenOf[t.ID]) {
						sub, err := r.distribute(gctx, t.ID)
						if sub {
							moved.Store(true)
						}
						return err
					}
					if r.runTask(gctx, t.ID) {
						moved.Store(true)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return false, err
			}
			if moved.Load() {
				progressed = true
			}
		}

		if progressed {
			return true, nil
		}
	}
	return false, nil
}

type taskReadiness int

const (
	taskReady taskReadiness = iota
	taskBlocked
	taskDoomed
)

// readinessOf evaluates whether a task may run now. Required dependencies
// must be completed; a required dependency that terminated without
// completing dooms the task. Optional dependencies never block.
func (r *run) readinessOf(t *store.Task, byID map[string]*store.Task, childrenOf map[string][]*store.Task) (taskReadiness, string) {
	if !childrenTerminal(childrenOf[t.ID]) {
		return taskBlocked, ""
	}
	for _, dep := range t.Dependencies {
		if !dep.Required {
			continue
		}
		source := byID[dep.ID]
		if source == nil {
			return taskDoomed, "required dependency " + dep.ID + " not found in tree"
		}
		switch source.Status {
		case store.TaskStatusCompleted:
		case store.TaskStatusFailed, store.TaskStatusCancelled:
			return taskDoomed, "required dependency " + source.Name + " ended as " + string(source.Status)
		default:
			return taskBlocked, ""
		}
	}
	return taskReady, ""
}

// failUnrunnable marks a task failed without dispatching it, for tasks whose
// required dependencies can never complete.
func (r *run) failUnrunnable(ctx context.Context, t *store.Task, reason string) {
	now := time.Now().Unix()
	if _, err := r.st.UpdateTaskStatus(ctx, t.ID, store.TaskStatusFailed, &store.UpdateTaskStatusParams{
		Error:       &reason,
		CompletedTs: &now,
	}); err != nil {
		slog.Error("scheduler: failed to mark task unrunnable", "task_id", t.ID, "error", err)
		return
	}
	metrics.TasksFailed.Inc()
	r.emit(stream.Event{
		TaskID: t.ID,
		Kind:   stream.KindTaskFailed,
		Status: string(store.TaskStatusFailed),
		Error:  reason,
	})
}

// runTask executes one task end to end, reporting whether it actually
// started the task. Failures are absorbed into the task row; they never
// abort the surrounding tree.
func (r *run) runTask(ctx context.Context, taskID string) bool {
	if !r.m.claim(taskID) {
		return false
	}
	defer r.m.release(taskID)

	task, err := r.st.GetTaskByID(ctx, taskID)
	if err != nil || task == nil {
		slog.Error("scheduler: failed to refresh task before execution", "task_id", taskID, "error", err)
		return false
	}
	if task.Status.IsTerminal() || task.Status == store.TaskStatusInProgress {
		return false
	}

	started := time.Now()
	startedTs := started.Unix()
	noError := ""
	task, err = r.st.UpdateTaskStatus(ctx, task.ID, store.TaskStatusInProgress, &store.UpdateTaskStatusParams{
		StartedTs: &startedTs,
		Error:     &noError,
	})
	if err != nil {
		slog.Error("scheduler: failed to start task", "task_id", taskID, "error", err)
		return false
	}
	metrics.TasksStarted.Inc()
	r.emit(stream.Event{
		TaskID:   task.ID,
		Kind:     stream.KindTaskStart,
		Status:   string(store.TaskStatusInProgress),
		Message:  task.Name,
		Progress: task.Progress,
	})

	inputs, err := r.resolveDependencyInputs(ctx, task)
	if err != nil {
		r.failTask(ctx, task, started, err)
		return true
	}
	if !reflect.DeepEqual(inputs, task.Inputs) {
		if task, err = r.st.UpdateTaskInputs(ctx, task.ID, inputs); err != nil {
			r.failTask(ctx, task, started, errors.Wrap(err, "failed to persist resolved inputs"))
			return true
		}
	}

	if r.cancelled(ctx, task.ID) {
		return true
	}

	inputs = r.runPreHooks(ctx, task, inputs)
	if !reflect.DeepEqual(inputs, task.Inputs) {
		if task, err = r.st.UpdateTaskInputs(ctx, task.ID, inputs); err != nil {
			r.failTask(ctx, task, started, errors.Wrap(err, "failed to persist hook-mutated inputs"))
			return true
		}
	}

	if r.cancelled(ctx, task.ID) {
		return true
	}

	provider, err := r.m.registry.Resolve(task.Params, task.Schemas)
	if err != nil {
		r.failTask(ctx, task, started, err)
		return true
	}
	exec, err := provider.New(executor.Options{
		Params:              paramsWithoutExecutorID(task.Params),
		InputSchema:         mapValue(task.Schemas, "input_schema"),
		CancellationChecker: r.cancellationChecker(ctx, task.ID),
	})
	if err != nil {
		r.failTask(ctx, task, started, errors.Wrapf(err, "failed to construct executor %s", provider.ID()))
		return true
	}

	r.m.registerLive(task.ID, exec)
	result, execErr := exec.Execute(ctx, inputs)
	r.m.unregisterLive(task.ID)

	fresh, err := r.st.GetTaskByID(ctx, task.ID)
	if err == nil && fresh != nil && fresh.Status == store.TaskStatusCancelled {
		metrics.TaskDuration.Observe(time.Since(started).Seconds())
		r.emit(stream.Event{
			TaskID: fresh.ID,
			Kind:   stream.KindTaskCancelled,
			Status: string(store.TaskStatusCancelled),
			Result: fresh.Result,
			Error:  fresh.Error,
		})
		return true
	}

	if execErr != nil {
		r.failTask(ctx, task, started, execErr)
		return true
	}

	completedTs := time.Now().Unix()
	done := 1.0
	task, err = r.st.UpdateTaskStatus(ctx, task.ID, store.TaskStatusCompleted, &store.UpdateTaskStatusParams{
		Result:      &result,
		Progress:    &done,
		CompletedTs: &completedTs,
	})
	if err != nil {
		slog.Error("scheduler: failed to commit task result", "task_id", taskID, "error", err)
		return true
	}
	metrics.TasksCompleted.Inc()
	metrics.TaskDuration.Observe(time.Since(started).Seconds())
	r.emit(stream.Event{
		TaskID:   task.ID,
		Kind:     stream.KindTaskCompleted,
		Status:   string(store.TaskStatusCompleted),
		Progress: 1.0,
		Result:   result,
	})

	r.executeAfterTask(ctx, task, inputs, result)
	return true
}

// failTask records a task failure and emits task_failed. The tree keeps
// running for independent branches.
func (r *run) failTask(ctx context.Context, task *store.Task, started time.Time, cause error) {
	if task == nil {
		return
	}
	msg := cause.Error()
	now := time.Now().Unix()
	if _, err := r.st.UpdateTaskStatus(ctx, task.ID, store.TaskStatusFailed, &store.UpdateTaskStatusParams{
		Error:       &msg,
		CompletedTs: &now,
	}); err != nil {
		slog.Error("scheduler: failed to record task failure", "task_id", task.ID, "error", err)
		return
	}
	metrics.TasksFailed.Inc()
	metrics.TaskDuration.Observe(time.Since(started).Seconds())
	slog.Warn("scheduler: task failed", "task_id", task.ID, "name", task.Name, "trace_id", r.traceID, "error", msg)
	r.emit(stream.Event{
		TaskID: task.ID,
		Kind:   stream.KindTaskFailed,
		Status: string(store.TaskStatusFailed),
		Error:  msg,
	})
}

// executeAfterTask runs post-hooks, then re-evaluates every pending task of
// the root tree and dispatches the ones the completion unblocked. Post-hooks
// run first so notification sinks observe completion promptly.
func (r *run) executeAfterTask(ctx context.Context, task *store.Task, inputs, result map[string]any) {
	_, post := r.m.hooks.Snapshot()
	for _, hook := range post {
		if err := hook(ctx, task, inputs, result); err != nil {
			slog.Warn("scheduler: post-hook failed", "task_id", task.ID, "error", err)
		}
	}

	root, err := r.st.GetTaskByID(ctx, r.rootID)
	if err != nil || root == nil {
		slog.Error("scheduler: failed to load root for fan-out", "root_id", r.rootID, "error", err)
		return
	}
	tasks, err := r.st.GetAllTasksInTree(ctx, root)
	if err != nil {
		slog.Error("scheduler: failed to load tree for fan-out", "root_id", r.rootID, "error", err)
		return
	}
	byID, childrenOf := index(tasks)

	pending := make([]*store.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == store.TaskStatusPending {
			pending = append(pending, t)
		}
	}
	for _, bucket := range bucketByPriority(pending) {
		for _, t := range bucket {
			if state, _ := r.readinessOf(t, byID, childrenOf); state == taskReady {
				// Failures in dispatched dependents never propagate back.
				r.runTask(ctx, t.ID)
			}
		}
	}
}

// runPreHooks applies registered pre-hooks to a copy of inputs. Hook errors
// are logged and skipped.
func (r *run) runPreHooks(ctx context.Context, task *store.Task, inputs map[string]any) map[string]any {
	pre, _ := r.m.hooks.Snapshot()
	if len(pre) == 0 {
		return inputs
	}
	mutable := deepCopyMap(inputs)
	for _, hook := range pre {
		if err := hook(ctx, task, mutable); err != nil {
			slog.Warn("scheduler: pre-hook failed", "task_id", task.ID, "error", err)
		}
	}
	return mutable
}

// resolveDependencyInputs computes the execution payload from the task's own
// inputs and the results of its dependencies.
func (r *run) resolveDependencyInputs(ctx context.Context, task *store.Task) (map[string]any, error) {
	inputs := deepCopyMap(task.Inputs)
	if inputs == nil {
		inputs = make(map[string]any)
	}
	if len(task.Dependencies) == 0 {
		return inputs, nil
	}

	properties := mapValue(mapValue(task.Schemas, "input_schema"), "properties")

	for _, dep := range task.Dependencies {
		source, err := r.st.GetTaskByID(ctx, dep.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load dependency %s", dep.ID)
		}
		if source == nil || source.Result == nil {
			continue
		}

		if dep.Type == "" {
			// Unnormalised dependency rows merge mapping results wholesale.
			for key, value := range source.Result {
				inputs[key] = value
			}
			continue
		}

		actual := source.Result
		if sub, ok := source.Result["result"].(map[string]any); ok {
			actual = sub
		}

		if properties != nil {
			for key := range properties {
				if value, ok := actual[key]; ok {
					inputs[key] = value
				}
			}
			continue
		}
		inputs[dep.ID] = source.Result
	}
	return inputs, nil
}

// CancelTask cancels one task out of band. A live cancelable executor is
// notified and may contribute token usage and a partial result, both folded
// into the persisted row. Terminal tasks are refused with
// ErrTaskAlreadyTerminal.
func (m *Manager) CancelTask(ctx context.Context, st *store.Store, taskID, errMessage string) (*store.Task, error) {
	task, err := st.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errors.Errorf("task %s not found", taskID)
	}
	if task.Status.IsTerminal() {
		return task, errors.Wrapf(ErrTaskAlreadyTerminal, "task %s is %s", taskID, task.Status)
	}

	m.liveMu.Lock()
	exec := m.live[taskID]
	delete(m.live, taskID)
	m.liveMu.Unlock()

	// The status write lands before the live executor is unblocked so its
	// worker observes the cancellation when Execute returns.
	if errMessage == "" {
		errMessage = "task cancelled"
	}
	now := time.Now().Unix()
	task, err = st.UpdateTaskStatus(ctx, taskID, store.TaskStatusCancelled, &store.UpdateTaskStatusParams{
		Error:       &errMessage,
		CompletedTs: &now,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to cancel task %s", taskID)
	}
	metrics.TasksCancelled.Inc()

	wasLive := false
	if cancelable, ok := exec.(executor.Cancelable); ok {
		wasLive = true
		ret := cancelable.Cancel()
		result := deepCopyMap(task.Result)
		if result == nil && ret != nil {
			result = make(map[string]any)
		}
		if partial, ok := ret["result"].(map[string]any); ok {
			for key, value := range partial {
				result[key] = value
			}
		} else if partial, ok := ret["partial_result"].(map[string]any); ok {
			for key, value := range partial {
				result[key] = value
			}
		}
		if usage, ok := ret["token_usage"]; ok {
			result["token_usage"] = usage
		}
		if result != nil {
			if task, err = st.UpdateTask(ctx, &store.UpdateTask{ID: taskID, Result: &result}); err != nil {
				return nil, errors.Wrapf(err, "failed to record partial result of task %s", taskID)
			}
		}
	}

	// A live executor's worker emits the cancellation event itself when its
	// Execute call returns; only idle tasks are announced here.
	if !wasLive {
		if r := m.runFor(ctx, st, task); r != nil {
			r.emit(stream.Event{
				TaskID: task.ID,
				Kind:   stream.KindTaskCancelled,
				Status: string(store.TaskStatusCancelled),
				Result: task.Result,
				Error:  task.Error,
			})
		}
	}
	return task, nil
}

// runFor locates the active run of the tree containing task, if any.
func (m *Manager) runFor(ctx context.Context, st *store.Store, task *store.Task) *run {
	root, err := st.GetRootTask(ctx, task)
	if err != nil {
		return nil
	}
	m.runMu.RLock()
	defer m.runMu.RUnlock()
	return m.runs[root.ID]
}

func (r *run) emit(event stream.Event) {
	if !r.streaming || r.bus == nil {
		return
	}
	event.RootTaskID = r.rootID
	r.bus.Publish(event)
}

// cancelled refreshes the task and reports whether it was cancelled since
// the previous checkpoint.
func (r *run) cancelled(ctx context.Context, taskID string) bool {
	task, err := r.st.GetTaskByID(ctx, taskID)
	if err != nil || task == nil {
		return false
	}
	return task.Status == store.TaskStatusCancelled
}

func (r *run) cancellationChecker(ctx context.Context, taskID string) func() bool {
	return func() bool {
		return r.cancelled(ctx, taskID)
	}
}

func (m *Manager) claim(taskID string) bool {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	if m.inflight[taskID] {
		return false
	}
	m.inflight[taskID] = true
	return true
}

func (m *Manager) release(taskID string) {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	delete(m.inflight, taskID)
}

func (m *Manager) registerLive(taskID string, exec executor.Executor) {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	m.live[taskID] = exec
}

func (m *Manager) unregisterLive(taskID string) {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	delete(m.live, taskID)
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

func childrenTerminal(children []*store.Task) bool {
	for _, c := range children {
		if !c.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// bucketByPriority groups tasks by effective priority, smallest first.
// Missing or non-positive priorities sort last.
func bucketByPriority(tasks []*store.Task) [][]*store.Task {
	grouped := make(map[int][]*store.Task)
	for _, t := range tasks {
		p := t.Priority
		if p <= 0 {
			p = deferredPriority
		}
		grouped[p] = append(grouped[p], t)
	}
	priorities := make([]int, 0, len(grouped))
	for p := range grouped {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)
	buckets := make([][]*store.Task, 0, len(priorities))
	for _, p := range priorities {
		buckets = append(buckets, grouped[p])
	}
	return buckets
}

func paramsWithoutExecutorID(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for key, value := range params {
		if key == "executor_id" {
			continue
		}
		out[key] = value
	}
	return out
}

func mapValue(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// deepCopyMap clones a mapping through a JSON round trip, mirroring how the
// storage layer materialises JSON columns.
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
