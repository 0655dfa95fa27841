package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/store"
)

func TestSnapshotIsIsolated(t *testing.T) {
	r := NewRegistry()

	calls := 0
	r.RegisterPre(func(ctx context.Context, task *store.Task, inputs map[string]any) error {
		calls++
		return nil
	})

	pre, post := r.Snapshot()
	require.Len(t, pre, 1)
	require.Empty(t, post)

	// Later registrations do not appear in an existing snapshot.
	r.RegisterPre(func(ctx context.Context, task *store.Task, inputs map[string]any) error {
		return nil
	})
	require.Len(t, pre, 1)

	require.NoError(t, pre[0](context.Background(), &store.Task{}, nil))
	require.Equal(t, 1, calls)
}

func TestPostHooksReceiveResult(t *testing.T) {
	r := NewRegistry()

	var seen map[string]any
	r.RegisterPost(func(ctx context.Context, task *store.Task, inputs, result map[string]any) error {
		seen = result
		return nil
	})

	_, post := r.Snapshot()
	require.Len(t, post, 1)
	require.NoError(t, post[0](context.Background(), &store.Task{}, nil, map[string]any{"done": true}))
	require.Equal(t, map[string]any{"done": true}, seen)
}

func TestReset(t *testing.T) {
	r := NewRegistry()
	r.RegisterPre(func(ctx context.Context, task *store.Task, inputs map[string]any) error { return nil })
	r.RegisterPost(func(ctx context.Context, task *store.Task, inputs, result map[string]any) error { return nil })

	r.Reset()
	pre, post := r.Snapshot()
	require.Empty(t, pre)
	require.Empty(t, post)
}
