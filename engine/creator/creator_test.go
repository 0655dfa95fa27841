package creator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
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

func TestCreateTaskTreeNameMode(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	tree, err := New().CreateTaskTree(ctx, st, []TaskDef{
		{Name: "root", UserID: "u1"},
		{Name: "fetch", ParentID: "root", UserID: "u1"},
		{Name: "analyze", ParentID: "root", UserID: "u1", Dependencies: []DependencyDef{
			{Ref: "fetch", Required: true, Type: store.DependencyTypeResult},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, 3, tree.Size())
	require.Equal(t, "root", tree.Task.Name)
	require.True(t, tree.Task.HasChildren)
	require.Len(t, tree.Children, 2)

	// Dependencies are normalised to persisted ids.
	var fetch, analyze *store.Task
	for _, task := range tree.Flatten() {
		switch task.Name {
		case "fetch":
			fetch = task
		case "analyze":
			analyze = task
		}
	}
	require.NotNil(t, fetch)
	require.NotNil(t, analyze)
	require.Len(t, analyze.Dependencies, 1)
	require.Equal(t, fetch.ID, analyze.Dependencies[0].ID)
	require.True(t, analyze.Dependencies[0].Required)
	require.Equal(t, store.TaskStatusPending, analyze.Status)
}

func TestCreateTaskTreeIDMode(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	tree, err := New().CreateTaskTree(ctx, st, []TaskDef{
		{ID: "r", Name: "root"},
		{ID: "c", Name: "child", ParentID: "r"},
	})
	require.NoError(t, err)
	require.Equal(t, "r", tree.Task.ID)
	require.Equal(t, "c", tree.Children[0].Task.ID)
}

func TestCreateTaskTreeCollidingIDGetsFreshOne(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.CreateTask(ctx, &store.CreateTask{UID: "taken", Name: "existing"})
	require.NoError(t, err)

	tree, err := New().CreateTaskTree(ctx, st, []TaskDef{
		{ID: "taken", Name: "root"},
		{ID: "c", Name: "child", ParentID: "taken"},
	})
	require.NoError(t, err)
	// The collision got a fresh id, and the child still resolved its parent
	// through the caller's key.
	require.NotEqual(t, "taken", tree.Task.ID)
	require.Equal(t, tree.Task.ID, *tree.Children[0].Task.ParentID)
}

func TestCreateTaskTreeEmpty(t *testing.T) {
	_, err := New().CreateTaskTree(context.Background(), newTestStore(t), nil)
	require.ErrorIs(t, err, ErrEmptyTaskList)
}

func TestCreateTaskTreeMixedIDMode(t *testing.T) {
	_, err := New().CreateTaskTree(context.Background(), newTestStore(t), []TaskDef{
		{ID: "a", Name: "a"},
		{Name: "b", ParentID: "a"},
	})
	require.ErrorIs(t, err, ErrMixedIDMode)
}

func TestCreateTaskTreeDuplicateKeys(t *testing.T) {
	_, err := New().CreateTaskTree(context.Background(), newTestStore(t), []TaskDef{
		{Name: "same"},
		{Name: "same", ParentID: "same"},
	})
	require.ErrorIs(t, err, ErrDuplicateName)

	_, err = New().CreateTaskTree(context.Background(), newTestStore(t), []TaskDef{
		{ID: "x", Name: "a"},
		{ID: "x", Name: "b", ParentID: "x"},
	})
	require.ErrorIs(t, err, ErrDuplicateIdentifier)
}

func TestCreateTaskTreeUnknownReferences(t *testing.T) {
	_, err := New().CreateTaskTree(context.Background(), newTestStore(t), []TaskDef{
		{Name: "root"},
		{Name: "child", ParentID: "nope"},
	})
	require.ErrorIs(t, err, ErrUnknownParent)

	_, err = New().CreateTaskTree(context.Background(), newTestStore(t), []TaskDef{
		{Name: "root"},
		{Name: "child", ParentID: "root", Dependencies: []DependencyDef{
			{Ref: "ghost", Required: true},
		}},
	})
	require.ErrorIs(t, err, ErrUnknownDependency)
}

func TestCreateTaskTreeSelfDependency(t *testing.T) {
	_, err := New().CreateTaskTree(context.Background(), newTestStore(t), []TaskDef{
		{Name: "root"},
		{Name: "a", ParentID: "root", Dependencies: []DependencyDef{{Ref: "a", Required: true}}},
	})
	require.ErrorIs(t, err, ErrCircularDependency)
}

func TestCreateTaskTreeCycleReportsNames(t *testing.T) {
	_, err := New().CreateTaskTree(context.Background(), newTestStore(t), []TaskDef{
		{Name: "root"},
		{Name: "a", ParentID: "root", Dependencies: []DependencyDef{{Ref: "b", Required: true}}},
		{Name: "b", ParentID: "root", Dependencies: []DependencyDef{{Ref: "c", Required: true}}},
		{Name: "c", ParentID: "root", Dependencies: []DependencyDef{{Ref: "a", Required: true}}},
	})
	require.ErrorIs(t, err, ErrCircularDependency)
	require.Contains(t, err.Error(), "a -> b -> c -> a")
}

func TestCreateTaskTreeMultipleRootsRollsBack(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := New().CreateTaskTree(ctx, st, []TaskDef{
		{Name: "root1"},
		{Name: "root2"},
	})
	require.ErrorIs(t, err, ErrMultipleRoots)

	// Nothing survives the failed ingestion.
	sentinel := store.RootParentSentinel
	tasks, err := st.QueryTasks(ctx, &store.FindTask{ParentID: &sentinel})
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestCreateTaskTreeMissingName(t *testing.T) {
	_, err := New().CreateTaskTree(context.Background(), newTestStore(t), []TaskDef{{Name: ""}})
	require.ErrorIs(t, err, ErrMissingName)
}

func TestDependencyDefUnmarshal(t *testing.T) {
	var def TaskDef
	payload := []byte(`{
		"name": "t",
		"dependencies": ["bare", {"id": "obj", "required": false, "type": "artifact"}, {"name": "named"}]
	}`)
	require.NoError(t, json.Unmarshal(payload, &def))
	require.Len(t, def.Dependencies, 3)

	require.Equal(t, DependencyDef{Ref: "bare", Required: true, Type: store.DependencyTypeResult}, def.Dependencies[0])
	require.Equal(t, DependencyDef{Ref: "obj", Required: false, Type: "artifact"}, def.Dependencies[1])
	require.Equal(t, DependencyDef{Ref: "named", Required: true, Type: store.DependencyTypeResult}, def.Dependencies[2])

	require.Error(t, json.Unmarshal([]byte(`{"name":"t","dependencies":[42]}`), &def))
}

func TestCreateTaskTreeWrappedErrorsUnwrap(t *testing.T) {
	_, err := New().CreateTaskTree(context.Background(), newTestStore(t), []TaskDef{
		{ID: "a", Name: "a"},
		{Name: "b", ParentID: "a"},
	})
	require.True(t, errors.Is(err, ErrMixedIDMode))
}
