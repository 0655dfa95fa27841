package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func sampleTasks() []*Task {
	return []*Task{
		{ID: "root", Name: "root"},
		{ID: "a", ParentID: strPtr("root"), Name: "a"},
		{ID: "b", ParentID: strPtr("root"), Name: "b"},
		{ID: "a1", ParentID: strPtr("a"), Name: "a1"},
	}
}

func TestBuildTree(t *testing.T) {
	tree := BuildTree(sampleTasks(), "root")
	require.NotNil(t, tree)
	require.Equal(t, "root", tree.Task.ID)
	require.Len(t, tree.Children, 2)
	require.Equal(t, 4, tree.Size())

	a := tree.Find("a")
	require.NotNil(t, a)
	require.Len(t, a.Children, 1)
	require.Equal(t, "a1", a.Children[0].Task.ID)

	require.Nil(t, tree.Find("missing"))
}

func TestTreeWalkOrder(t *testing.T) {
	tree := BuildTree(sampleTasks(), "root")

	var order []string
	tree.Walk(func(node *TaskTreeNode) bool {
		order = append(order, node.Task.ID)
		return true
	})
	require.Equal(t, []string{"root", "a", "a1", "b"}, order)

	flat := tree.Flatten()
	require.Len(t, flat, 4)
	require.Equal(t, "root", flat[0].ID)
}

func TestTreeWalkStops(t *testing.T) {
	tree := BuildTree(sampleTasks(), "root")

	visited := 0
	tree.Walk(func(node *TaskTreeNode) bool {
		visited++
		return node.Task.ID != "a"
	})
	require.Equal(t, 2, visited)
}

func TestTreeToMap(t *testing.T) {
	tree := BuildTree(sampleTasks(), "root")
	m := tree.ToMap()

	require.Equal(t, "root", m["id"])
	children, ok := m["children"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, children, 2)
	require.Equal(t, "root", children[0]["parent_id"])
}

func TestTaskToMapOptionalFields(t *testing.T) {
	m := TaskToMap(&Task{ID: "t", Name: "t", Status: TaskStatusPending})
	_, hasErr := m["error"]
	require.False(t, hasErr)
	_, hasStarted := m["started_ts"]
	require.False(t, hasStarted)

	m = TaskToMap(&Task{ID: "t", Name: "t", Error: "boom", StartedTs: 5, CompletedTs: 6})
	require.Equal(t, "boom", m["error"])
	require.Equal(t, int64(5), m["started_ts"])
	require.Equal(t, int64(6), m["completed_ts"])
}

func TestStatusIsTerminal(t *testing.T) {
	require.True(t, TaskStatusCompleted.IsTerminal())
	require.True(t, TaskStatusFailed.IsTerminal())
	require.True(t, TaskStatusCancelled.IsTerminal())
	require.False(t, TaskStatusPending.IsTerminal())
	require.False(t, TaskStatusInProgress.IsTerminal())
	require.False(t, TaskStatusDeleted.IsTerminal())
}
