package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/profile"
	"github.com/taskforge/taskforge/store"
	"github.com/taskforge/taskforge/store/db/memory"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	p := &profile.Profile{Mode: "demo", Driver: "memory"}
	driver, err := memory.NewDB(p)
	require.NoError(t, err)
	return store.New(driver, p)
}

func mustCreate(t *testing.T, st *store.Store, create *store.CreateTask) *store.Task {
	t.Helper()
	task, err := st.CreateTask(context.Background(), create)
	require.NoError(t, err)
	return task
}

func TestGetRootTask(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	root := mustCreate(t, st, &store.CreateTask{Name: "root"})
	mid := mustCreate(t, st, &store.CreateTask{Name: "mid", ParentID: &root.ID})
	leaf := mustCreate(t, st, &store.CreateTask{Name: "leaf", ParentID: &mid.ID})

	got, err := st.GetRootTask(ctx, leaf)
	require.NoError(t, err)
	require.Equal(t, root.ID, got.ID)

	got, err = st.GetRootTask(ctx, root)
	require.NoError(t, err)
	require.Equal(t, root.ID, got.ID)
}

func TestGetRootTaskMissingParent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	missing := "missing-parent"
	orphan := mustCreate(t, st, &store.CreateTask{Name: "orphan", ParentID: &missing})
	_, err := st.GetRootTask(ctx, orphan)
	require.Error(t, err)
}

func TestGetAllTasksInTree(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	root := mustCreate(t, st, &store.CreateTask{Name: "root"})
	a := mustCreate(t, st, &store.CreateTask{Name: "a", ParentID: &root.ID})
	mustCreate(t, st, &store.CreateTask{Name: "b", ParentID: &root.ID})
	mustCreate(t, st, &store.CreateTask{Name: "a1", ParentID: &a.ID})
	mustCreate(t, st, &store.CreateTask{Name: "unrelated"})

	tasks, err := st.GetAllTasksInTree(ctx, root)
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	require.Equal(t, root.ID, tasks[0].ID)
}

func TestBuildTaskTree(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	root := mustCreate(t, st, &store.CreateTask{Name: "root"})
	a := mustCreate(t, st, &store.CreateTask{Name: "a", ParentID: &root.ID})
	mustCreate(t, st, &store.CreateTask{Name: "a1", ParentID: &a.ID})

	tree, err := st.BuildTaskTree(ctx, root)
	require.NoError(t, err)
	require.Equal(t, 3, tree.Size())
	require.Len(t, tree.Children, 1)
	require.Len(t, tree.Children[0].Children, 1)
}

func TestUpdateTaskStatusAtomicWrite(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	task := mustCreate(t, st, &store.CreateTask{Name: "t"})

	result := map[string]any{"answer": "42"}
	progress := 1.0
	completed := int64(100)
	updated, err := st.UpdateTaskStatus(ctx, task.ID, store.TaskStatusCompleted, &store.UpdateTaskStatusParams{
		Result:      &result,
		Progress:    &progress,
		CompletedTs: &completed,
	})
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusCompleted, updated.Status)
	require.Equal(t, 1.0, updated.Progress)
	require.Equal(t, int64(100), updated.CompletedTs)
	require.Equal(t, "42", updated.Result["answer"])
	// StartedTs was not passed; it must be unchanged.
	require.Zero(t, updated.StartedTs)
}

func TestUpdateTaskInputs(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	task := mustCreate(t, st, &store.CreateTask{Name: "t", Inputs: map[string]any{"old": true}})
	updated, err := st.UpdateTaskInputs(ctx, task.ID, map[string]any{"new": true})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"new": true}, updated.Inputs)
}

func TestQueryTasksRootSentinel(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	root := mustCreate(t, st, &store.CreateTask{Name: "root"})
	mustCreate(t, st, &store.CreateTask{Name: "child", ParentID: &root.ID})

	sentinel := store.RootParentSentinel
	roots, err := st.QueryTasks(ctx, &store.FindTask{ParentID: &sentinel})
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.Equal(t, root.ID, roots[0].ID)
}
