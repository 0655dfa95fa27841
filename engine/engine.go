// Package engine is the orchestration facade: it accepts task arrays and
// ids, drives the creator and the scheduler, and tracks running roots.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/taskforge/taskforge/engine/copier"
	"github.com/taskforge/taskforge/engine/creator"
	"github.com/taskforge/taskforge/engine/executor"
	"github.com/taskforge/taskforge/engine/hooks"
	"github.com/taskforge/taskforge/engine/scheduler"
	"github.com/taskforge/taskforge/engine/stream"
	"github.com/taskforge/taskforge/engine/tracker"
	"github.com/taskforge/taskforge/internal/profile"
	"github.com/taskforge/taskforge/internal/util"
	"github.com/taskforge/taskforge/store"
	"github.com/taskforge/taskforge/store/sessionpool"
)

// ErrRootAlreadyRunning is returned by execute for a tree that is running.
var ErrRootAlreadyRunning = errors.New("root task is already running")

// Engine wires the components behind the RPC surface.
type Engine struct {
	profile  *profile.Profile
	pool     *sessionpool.Pool
	creator  *creator.Creator
	copier   *copier.Copier
	manager  *scheduler.Manager
	registry *executor.Registry
	hooks    *hooks.Registry
	tracker  *tracker.Tracker
	events   *stream.MemorySink
}

// New assembles an engine over the given store. The builtin aggregate
// executor is registered; callers add their own providers before serving.
func New(p *profile.Profile, st *store.Store) (*Engine, error) {
	registry := executor.NewRegistry()
	if err := registry.Register(executor.AggregateProvider{}); err != nil {
		return nil, err
	}
	hookRegistry := hooks.NewRegistry()

	return &Engine{
		profile: p,
		pool: sessionpool.New(st, sessionpool.Config{
			MaxSessions:    p.MaxSessions,
			SessionTimeout: time.Duration(p.SessionTimeoutSeconds) * time.Second,
		}),
		creator:  creator.New(),
		copier:   copier.New(),
		manager:  scheduler.NewManager(registry, hookRegistry),
		registry: registry,
		hooks:    hookRegistry,
		tracker:  tracker.New(),
		events:   stream.NewMemorySink(),
	}, nil
}

// Registry returns the executor registry for startup registration.
func (e *Engine) Registry() *executor.Registry { return e.registry }

// Hooks returns the hook registry for startup registration.
func (e *Engine) Hooks() *hooks.Registry { return e.hooks }

// Tracker returns the running-root tracker.
func (e *Engine) Tracker() *tracker.Tracker { return e.tracker }

// Events returns the shared memory sink backing the SSE endpoint.
func (e *Engine) Events() *stream.MemorySink { return e.events }

// Pool returns the session pool.
func (e *Engine) Pool() *sessionpool.Pool { return e.pool }

// ExecuteOptions configures one tree execution request.
type ExecuteOptions struct {
	UseStreaming  bool
	WebhookConfig *stream.WebhookConfig
}

// ExecuteResult reports how an execution was started.
type ExecuteResult struct {
	RootTaskID string
	TaskID     string
	TraceID    string
	Streaming  bool
	EventsURL  string
	WebhookURL string
}

// Execute starts the tree containing taskID in the background. Previously
// run trees are reset for re-execution first. A second execute on a running
// root is refused.
func (e *Engine) Execute(ctx context.Context, taskID string, opts ExecuteOptions) (*ExecuteResult, error) {
	session, err := e.pool.CreateSession()
	if err != nil {
		return nil, err
	}
	st := session.Store()

	task, err := st.GetTaskByID(ctx, taskID)
	if err != nil {
		e.pool.ReleaseSession(session)
		return nil, err
	}
	if task == nil {
		e.pool.ReleaseSession(session)
		return nil, errors.Errorf("task %s not found", taskID)
	}
	root, err := st.GetRootTask(ctx, task)
	if err != nil {
		e.pool.ReleaseSession(session)
		return nil, err
	}

	traceID := util.GenTraceID()
	if !e.tracker.Add(&tracker.RunningRoot{
		RootID:    root.ID,
		UserID:    root.UserID,
		TraceID:   traceID,
		StartedAt: time.Now(),
	}) {
		e.pool.ReleaseSession(session)
		return nil, errors.Wrapf(ErrRootAlreadyRunning, "root %s", root.ID)
	}

	var sinks []stream.Sink
	result := &ExecuteResult{
		RootTaskID: root.ID,
		TaskID:     taskID,
		TraceID:    traceID,
	}
	switch {
	case opts.WebhookConfig != nil:
		webhook := *opts.WebhookConfig
		if webhook.Timeout <= 0 {
			webhook.Timeout = time.Duration(e.profile.WebhookTimeoutSeconds) * time.Second
		}
		if webhook.MaxRetries <= 0 {
			webhook.MaxRetries = e.profile.WebhookMaxRetries
		}
		sink, err := stream.NewWebhookSink(webhook)
		if err != nil {
			e.tracker.Remove(root.ID)
			e.pool.ReleaseSession(session)
			return nil, err
		}
		sinks = append(sinks, sink)
		result.Streaming = true
		result.WebhookURL = webhook.URL
	case opts.UseStreaming:
		sinks = append(sinks, e.events)
		result.Streaming = true
		result.EventsURL = "/events?task_id=" + root.ID
	}

	if err := e.manager.MarkTreeForReExecution(ctx, st, root); err != nil {
		e.tracker.Remove(root.ID)
		e.pool.ReleaseSession(session)
		return nil, err
	}

	streaming := len(sinks) > 0
	var bus *stream.Bus
	if streaming {
		bus = stream.NewBus(sinks...)
	}

	go func() {
		defer e.pool.ReleaseSession(session)
		defer e.tracker.Remove(root.ID)
		runCtx := context.Background()
		if err := e.manager.DistributeTaskTree(runCtx, st, root, scheduler.Options{
			Streaming: streaming,
			Bus:       bus,
			TraceID:   traceID,
		}); err != nil {
			slog.Error("engine: tree execution failed", "root_id", root.ID, "trace_id", traceID, "error", err)
		}
		if bus != nil {
			bus.Close()
		}
	}()

	return result, nil
}

// Cancel cancels one task, delegating to the scheduler's live-instance map.
func (e *Engine) Cancel(ctx context.Context, st *store.Store, taskID, errMessage string) (*store.Task, error) {
	return e.manager.CancelTask(ctx, st, taskID, errMessage)
}
