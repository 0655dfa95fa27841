package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/engine"
	"github.com/taskforge/taskforge/engine/executor"
	"github.com/taskforge/taskforge/engine/tracker"
	"github.com/taskforge/taskforge/internal/profile"
	"github.com/taskforge/taskforge/store"
	"github.com/taskforge/taskforge/store/db/memory"
	"github.com/taskforge/taskforge/store/sessionpool"
)

type echoProvider struct{}

func (echoProvider) ID() string   { return "echo" }
func (echoProvider) Type() string { return executor.DefaultType }

func (echoProvider) New(opts executor.Options) (executor.Executor, error) {
	return echoExecutor{}, nil
}

type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return map[string]any{"echoed": len(inputs)}, nil
}

func newTestEngine(t *testing.T, maxSessions int) (*engine.Engine, *store.Store) {
	t.Helper()
	p := &profile.Profile{
		Mode:                  "demo",
		Driver:                "memory",
		MaxSessions:           maxSessions,
		SessionTimeoutSeconds: 60,
		WebhookTimeoutSeconds: 5,
		WebhookMaxRetries:     2,
	}
	driver, err := memory.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver, p)

	eng, err := engine.New(p, st)
	require.NoError(t, err)
	require.NoError(t, eng.Registry().Register(echoProvider{}))
	return eng, st
}

func rpc(t *testing.T, eng *engine.Engine, method, params string) (any, error) {
	t.Helper()
	return eng.HandleRPC(context.Background(), method, json.RawMessage(params))
}

func mustRPC(t *testing.T, eng *engine.Engine, method, params string) any {
	t.Helper()
	result, err := rpc(t, eng, method, params)
	require.NoError(t, err)
	return result
}

func seedViaRPC(t *testing.T, eng *engine.Engine) {
	t.Helper()
	mustRPC(t, eng, "tasks.create", `[
		{"id": "root", "name": "root", "user_id": "u1"},
		{"id": "a", "name": "a", "parent_id": "root", "user_id": "u1"},
		{"id": "b", "name": "b", "parent_id": "root", "user_id": "u1", "dependencies": ["a"]}
	]`)
}

func TestHandleCreateReturnsTree(t *testing.T) {
	eng, _ := newTestEngine(t, 8)

	result := mustRPC(t, eng, "tasks.create", `[
		{"name": "root", "user_id": "u1"},
		{"name": "child", "parent_id": "root", "user_id": "u1"}
	]`)

	tree, ok := result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "root", tree["name"])
	children, ok := tree["children"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, children, 1)
	require.Equal(t, "child", children[0]["name"])
}

func TestHandleCreateSingleTaskObject(t *testing.T) {
	eng, _ := newTestEngine(t, 8)

	result := mustRPC(t, eng, "tasks.create", `{"name": "solo", "user_id": "u1"}`)
	tree := result.(map[string]any)
	require.Equal(t, "solo", tree["name"])
}

func TestHandleCreateRejectsMixedOwners(t *testing.T) {
	eng, _ := newTestEngine(t, 8)

	_, err := rpc(t, eng, "tasks.create", `[
		{"name": "root", "user_id": "u1"},
		{"name": "child", "parent_id": "root", "user_id": "u2"}
	]`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "user_id")
}

func TestHandleGetAndDetailAlias(t *testing.T) {
	eng, _ := newTestEngine(t, 8)
	seedViaRPC(t, eng)

	for _, method := range []string{"tasks.get", "tasks.detail"} {
		result := mustRPC(t, eng, method, `{"task_id": "a"}`)
		task := result.(map[string]any)
		require.Equal(t, "a", task["id"])
		require.Equal(t, "pending", task["status"])
	}

	missing := mustRPC(t, eng, "tasks.get", `{"task_id": "ghost"}`)
	require.Nil(t, missing)
}

func TestHandleTreeFromAnyNode(t *testing.T) {
	eng, _ := newTestEngine(t, 8)
	seedViaRPC(t, eng)

	result := mustRPC(t, eng, "tasks.tree", `{"task_id": "b"}`)
	tree := result.(map[string]any)
	require.Equal(t, "root", tree["id"])
	require.Len(t, tree["children"], 2)
}

func TestHandleListDefaultsToRoots(t *testing.T) {
	eng, _ := newTestEngine(t, 8)
	seedViaRPC(t, eng)

	result := mustRPC(t, eng, "tasks.list", `{}`)
	tasks := result.([]map[string]any)
	require.Len(t, tasks, 1)
	require.Equal(t, "root", tasks[0]["id"])

	result = mustRPC(t, eng, "tasks.list", `{"root_only": false}`)
	require.Len(t, result.([]map[string]any), 3)

	result = mustRPC(t, eng, "tasks.list", `{"root_only": false, "status": "completed"}`)
	require.Empty(t, result.([]map[string]any))
}

func TestHandleChildren(t *testing.T) {
	eng, _ := newTestEngine(t, 8)
	seedViaRPC(t, eng)

	result := mustRPC(t, eng, "tasks.children", `{"parent_id": "root"}`)
	require.Len(t, result.([]map[string]any), 2)
}

func TestHandleUpdateRefusesTerminalTransition(t *testing.T) {
	eng, st := newTestEngine(t, 8)
	seedViaRPC(t, eng)

	_, err := st.UpdateTaskStatus(context.Background(), "a", store.TaskStatusCompleted, nil)
	require.NoError(t, err)

	_, err = rpc(t, eng, "tasks.update", `{"task_id": "a", "status": "pending"}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "copy")

	// Updates without a status change still go through.
	result := mustRPC(t, eng, "tasks.update", `{"task_id": "b", "progress": 0.5}`)
	require.Equal(t, 0.5, result.(map[string]any)["progress"])
}

func TestHandleDeletePolicy(t *testing.T) {
	eng, st := newTestEngine(t, 8)
	seedViaRPC(t, eng)

	// b depends on a, so a's subtree is not deletable.
	_, err := rpc(t, eng, "tasks.delete", `{"task_id": "a"}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "depends on")

	result := mustRPC(t, eng, "tasks.delete", `{"task_id": "b"}`)
	require.Equal(t, 1, result.(map[string]any)["deleted_count"])

	// Non-pending subtrees are refused.
	_, err = st.UpdateTaskStatus(context.Background(), "a", store.TaskStatusInProgress, nil)
	require.NoError(t, err)
	_, err = rpc(t, eng, "tasks.delete", `{"task_id": "root"}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "pending")
}

func TestHandleDeleteClearsParentFlag(t *testing.T) {
	eng, st := newTestEngine(t, 8)
	mustRPC(t, eng, "tasks.create", `[
		{"id": "root", "name": "root", "user_id": "u1"},
		{"id": "only", "name": "only", "parent_id": "root", "user_id": "u1"}
	]`)

	mustRPC(t, eng, "tasks.delete", `{"task_id": "only"}`)

	root, err := st.GetTaskByID(context.Background(), "root")
	require.NoError(t, err)
	require.False(t, root.HasChildren)
}

func TestHandleCopyViaRPC(t *testing.T) {
	eng, st := newTestEngine(t, 8)
	seedViaRPC(t, eng)

	result := mustRPC(t, eng, "tasks.copy", `{"task_id": "root"}`)
	tree := result.(map[string]any)
	require.NotEqual(t, "root", tree["id"])
	require.Len(t, tree["children"], 2)

	original, err := st.GetTaskByID(context.Background(), "root")
	require.NoError(t, err)
	require.True(t, original.HasCopy)
}

func TestHandleCancelReportsPerTask(t *testing.T) {
	eng, st := newTestEngine(t, 8)
	seedViaRPC(t, eng)

	_, err := st.UpdateTaskStatus(context.Background(), "a", store.TaskStatusCompleted, nil)
	require.NoError(t, err)

	result := mustRPC(t, eng, "tasks.cancel", `{"task_ids": ["a", "b", "ghost"]}`)
	entries := result.([]map[string]any)
	require.Len(t, entries, 3)

	require.Equal(t, "completed", entries[0]["status"])
	require.Equal(t, "task already finished", entries[0]["message"])

	// Pending tasks need force.
	require.Equal(t, "pending", entries[1]["status"])
	require.Contains(t, entries[1]["message"], "force")

	require.Equal(t, "not_found", entries[2]["status"])

	result = mustRPC(t, eng, "tasks.cancel", `{"task_id": "b", "force": true}`)
	entries = result.([]map[string]any)
	require.Equal(t, "cancelled", entries[0]["status"])
}

func TestHandleExecuteRunsTree(t *testing.T) {
	eng, st := newTestEngine(t, 8)
	seedViaRPC(t, eng)

	result := mustRPC(t, eng, "tasks.execute", `{"task_id": "root", "use_streaming": true}`)
	response := result.(map[string]any)
	require.Equal(t, true, response["success"])
	require.Equal(t, "taskforge", response["protocol"])
	require.Equal(t, "root", response["root_task_id"])
	require.Equal(t, "started", response["status"])
	require.Equal(t, true, response["streaming"])
	require.Equal(t, "/events?task_id=root", response["events_url"])

	require.Eventually(t, func() bool {
		task, err := st.GetTaskByID(context.Background(), "root")
		return err == nil && task != nil && task.Status == store.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		events := eng.Events().Events("root")
		return len(events) > 0 && events[len(events)-1].Final
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecuteRefusesRunningRoot(t *testing.T) {
	eng, _ := newTestEngine(t, 8)
	seedViaRPC(t, eng)

	require.True(t, eng.Tracker().Add(&tracker.RunningRoot{RootID: "root", StartedAt: time.Now()}))
	_, err := rpc(t, eng, "tasks.execute", `{"task_id": "root"}`)
	require.ErrorIs(t, err, engine.ErrRootAlreadyRunning)
	eng.Tracker().Remove("root")
}

func TestHandleRunningStatusAndCount(t *testing.T) {
	eng, _ := newTestEngine(t, 8)
	seedViaRPC(t, eng)

	result := mustRPC(t, eng, "tasks.running.count", `{}`)
	require.Equal(t, 0, result.(map[string]any)["count"])

	result = mustRPC(t, eng, "tasks.running.status", `{"task_id": "b"}`)
	status := result.(map[string]any)
	require.Equal(t, "root", status["root_task_id"])
	require.Equal(t, "b", status["task_id"])
	require.Equal(t, false, status["running"])
}

func TestHandlersRequireTheirOwnIDField(t *testing.T) {
	eng, _ := newTestEngine(t, 8)
	seedViaRPC(t, eng)

	// tasks.get identifies by task_id only.
	_, err := rpc(t, eng, "tasks.get", `{"parent_id": "root"}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "task_id is required")

	_, err = rpc(t, eng, "tasks.delete", `{"root_id": "root"}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "task_id is required")

	// tasks.children identifies by parent_id only.
	_, err = rpc(t, eng, "tasks.children", `{"task_id": "root"}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parent_id is required")

	// Tree-scoped methods accept root_id as an alias for task_id.
	result := mustRPC(t, eng, "tasks.tree", `{"root_id": "root"}`)
	require.Equal(t, "root", result.(map[string]any)["id"])

	result = mustRPC(t, eng, "tasks.running.status", `{"root_id": "root"}`)
	require.Equal(t, "root", result.(map[string]any)["root_task_id"])
}

func TestHandleUnknownMethod(t *testing.T) {
	eng, _ := newTestEngine(t, 8)
	_, err := rpc(t, eng, "tasks.nope", `{}`)
	require.ErrorIs(t, err, engine.ErrUnknownMethod)
}

func TestRPCFailsWhenPoolExhausted(t *testing.T) {
	eng, _ := newTestEngine(t, 1)
	seedViaRPC(t, eng)

	session, err := eng.Pool().CreateSession()
	require.NoError(t, err)
	defer eng.Pool().ReleaseSession(session)

	_, err = rpc(t, eng, "tasks.list", `{}`)
	require.ErrorIs(t, err, sessionpool.ErrSessionLimitExceeded)
}
