package copier

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

// seedTree builds:
//
//	root
//	├── a
//	│   ├── a1
//	│   └── a2
//	└── b  (depends on a1)
func seedTree(t *testing.T, st *store.Store, a1Status store.TaskStatus) {
	t.Helper()
	ctx := context.Background()
	rootID := "root"

	_, err := st.CreateTask(ctx, &store.CreateTask{UID: "root", Name: "root", UserID: "u1"})
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, &store.CreateTask{UID: "a", Name: "a", UserID: "u1", ParentID: &rootID})
	require.NoError(t, err)
	aID := "a"
	_, err = st.CreateTask(ctx, &store.CreateTask{
		UID: "a1", Name: "a1", UserID: "u1", ParentID: &aID, Status: a1Status,
	})
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, &store.CreateTask{
		UID: "a2", Name: "a2", UserID: "u1", ParentID: &aID, Status: store.TaskStatusCompleted,
	})
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, &store.CreateTask{
		UID: "b", Name: "b", UserID: "u1", ParentID: &rootID,
		Dependencies: []store.TaskDependency{{ID: "a1", Required: true, Type: store.DependencyTypeResult}},
	})
	require.NoError(t, err)
}

func byName(tree *store.TaskTreeNode) map[string]*store.Task {
	out := map[string]*store.Task{}
	for _, task := range tree.Flatten() {
		out[task.Name] = task
	}
	return out
}

func TestCopySubtreePullsDependentsAndEncloses(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedTree(t, st, store.TaskStatusCompleted)

	tree, err := New().CopyTaskTree(ctx, st, "a", Options{Save: true})
	require.NoError(t, err)

	// b depends on a1, so the copy grows to b and then up to the common
	// ancestor root.
	require.Equal(t, 5, tree.Size())
	clones := byName(tree)
	require.Equal(t, "root", tree.Task.Name)

	for name, original := range map[string]string{
		"root": "root", "a": "a", "a1": "a1", "a2": "a2", "b": "b",
	} {
		clone := clones[name]
		require.NotNil(t, clone, name)
		require.NotEqual(t, original, clone.ID)
		require.NotNil(t, clone.OriginalTaskID)
		require.Equal(t, original, *clone.OriginalTaskID)
		require.Equal(t, store.TaskStatusPending, clone.Status)
		require.Zero(t, clone.Progress)
		require.Empty(t, clone.Error)
	}

	// The clone of b depends on the clone of a1, not the original.
	require.Len(t, clones["b"].Dependencies, 1)
	require.Equal(t, clones["a1"].ID, clones["b"].Dependencies[0].ID)

	// Every copied original carries the marker.
	for _, id := range []string{"root", "a", "a1", "a2", "b"} {
		original, err := st.GetTaskByID(ctx, id)
		require.NoError(t, err)
		require.True(t, original.HasCopy, id)
	}

	// Original tree and clone tree are two distinct roots now.
	sentinel := store.RootParentSentinel
	roots, err := st.QueryTasks(ctx, &store.FindTask{ParentID: &sentinel})
	require.NoError(t, err)
	require.Len(t, roots, 2)
}

func TestCopyLeafWithoutDependentsStaysStandalone(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedTree(t, st, store.TaskStatusCompleted)

	tree, err := New().CopyTaskTree(ctx, st, "a2", Options{Save: true})
	require.NoError(t, err)

	require.Equal(t, 1, tree.Size())
	require.Equal(t, "a2", tree.Task.Name)
	require.Nil(t, tree.Task.ParentID)
	require.Equal(t, "a2", *tree.Task.OriginalTaskID)

	// Only the copied task is flagged.
	original, err := st.GetTaskByID(ctx, "a2")
	require.NoError(t, err)
	require.True(t, original.HasCopy)
	untouched, err := st.GetTaskByID(ctx, "a")
	require.NoError(t, err)
	require.False(t, untouched.HasCopy)
}

func TestCopyDropsPendingDependentsOfFailedSubtree(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedTree(t, st, store.TaskStatusFailed)

	tree, err := New().CopyTaskTree(ctx, st, "a", Options{Save: true})
	require.NoError(t, err)

	// a1 failed and b never ran, so b is not worth re-running with the copy.
	require.Equal(t, 3, tree.Size())
	require.Equal(t, "a", tree.Task.Name)
	clones := byName(tree)
	require.Nil(t, clones["b"])
	require.Nil(t, clones["root"])
	require.NotNil(t, clones["a1"])
	require.NotNil(t, clones["a2"])
}

func TestCopyRootWithFailedLeafExcludesDoomedDependent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	rootID := "r"

	_, err := st.CreateTask(ctx, &store.CreateTask{UID: "r", Name: "r", UserID: "u1"})
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, &store.CreateTask{
		UID: "c1", Name: "c1", UserID: "u1", ParentID: &rootID, Status: store.TaskStatusCompleted,
	})
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, &store.CreateTask{
		UID: "c2", Name: "c2", UserID: "u1", ParentID: &rootID, Status: store.TaskStatusFailed,
	})
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, &store.CreateTask{
		UID: "c3", Name: "c3", UserID: "u1", ParentID: &rootID,
		Dependencies: []store.TaskDependency{{ID: "c2", Required: true, Type: store.DependencyTypeResult}},
	})
	require.NoError(t, err)

	// Copying the root itself: c3 never ran and its prerequisite failed, so
	// the clone carries only r, c1, and c2.
	tree, err := New().CopyTaskTree(ctx, st, "r", Options{Save: true})
	require.NoError(t, err)

	require.Equal(t, 3, tree.Size())
	clones := byName(tree)
	require.NotNil(t, clones["r"])
	require.NotNil(t, clones["c1"])
	require.NotNil(t, clones["c2"])
	require.Nil(t, clones["c3"])

	for _, id := range []string{"r", "c1", "c2"} {
		original, err := st.GetTaskByID(ctx, id)
		require.NoError(t, err)
		require.True(t, original.HasCopy, id)
	}
	skipped, err := st.GetTaskByID(ctx, "c3")
	require.NoError(t, err)
	require.False(t, skipped.HasCopy)
}

func TestCopyChildrenOptionWidensSeed(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedTree(t, st, store.TaskStatusCompleted)

	tree, err := New().CopyTaskTree(ctx, st, "a", Options{Children: true, Save: true})
	require.NoError(t, err)
	require.Equal(t, 5, tree.Size())
}

func TestCopyPreviewDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedTree(t, st, store.TaskStatusCompleted)

	tree, err := New().CopyTaskTree(ctx, st, "a", Options{Save: false})
	require.NoError(t, err)
	require.Equal(t, 5, tree.Size())

	// Nothing was written: no new roots, no has_copy markers, and the clone
	// ids are unknown to the store.
	sentinel := store.RootParentSentinel
	roots, err := st.QueryTasks(ctx, &store.FindTask{ParentID: &sentinel})
	require.NoError(t, err)
	require.Len(t, roots, 1)

	original, err := st.GetTaskByID(ctx, "a")
	require.NoError(t, err)
	require.False(t, original.HasCopy)

	ghost, err := st.GetTaskByID(ctx, tree.Task.ID)
	require.NoError(t, err)
	require.Nil(t, ghost)
}

func TestCopyMissingTask(t *testing.T) {
	_, err := New().CopyTaskTree(context.Background(), newTestStore(t), "ghost", Options{Save: true})
	require.Error(t, err)
}
