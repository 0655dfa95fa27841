package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	id  string
	typ string
}

func (p stubProvider) ID() string   { return p.id }
func (p stubProvider) Type() string { return p.typ }
func (p stubProvider) New(opts Options) (Executor, error) {
	return stubExecutor{}, nil
}

type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubProvider{id: "a", typ: "stdio"}))
	require.Error(t, r.Register(stubProvider{id: "a", typ: "other"}))
	require.Error(t, r.Register(stubProvider{typ: "stdio"}))
}

func TestFirstProviderPerTypeWins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubProvider{id: "first", typ: "stdio"}))
	require.NoError(t, r.Register(stubProvider{id: "second", typ: "stdio"}))

	p, err := r.Resolve(nil, map[string]any{"type": "stdio"})
	require.NoError(t, err)
	require.Equal(t, "first", p.ID())
}

func TestResolveLookupOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubProvider{id: "by-id", typ: "stdio"}))
	require.NoError(t, r.Register(stubProvider{id: "by-method", typ: "custom"}))

	// params.executor_id takes precedence.
	p, err := r.Resolve(
		map[string]any{"executor_id": "by-id"},
		map[string]any{"method": "by-method", "type": "custom"},
	)
	require.NoError(t, err)
	require.Equal(t, "by-id", p.ID())

	// schemas.method next.
	p, err = r.Resolve(nil, map[string]any{"method": "by-method", "type": "stdio"})
	require.NoError(t, err)
	require.Equal(t, "by-method", p.ID())

	// schemas.type last.
	p, err = r.Resolve(nil, map[string]any{"type": "custom"})
	require.NoError(t, err)
	require.Equal(t, "by-method", p.ID())

	// Default type is stdio.
	p, err = r.Resolve(nil, nil)
	require.NoError(t, err)
	require.Equal(t, "by-id", p.ID())
}

func TestResolveUnregisteredIDFallsThrough(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubProvider{id: "fallback", typ: "stdio"}))

	p, err := r.Resolve(map[string]any{"executor_id": "missing"}, nil)
	require.NoError(t, err)
	require.Equal(t, "fallback", p.ID())
}

func TestResolveNotFoundListsRegistered(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubProvider{id: "alpha", typ: "stdio"}))

	_, err := r.Resolve(nil, map[string]any{"type": "unknown"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "alpha")
	require.Contains(t, err.Error(), "stdio")
}

func TestRegistryListings(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubProvider{id: "b", typ: "t2"}))
	require.NoError(t, r.Register(stubProvider{id: "a", typ: "t1"}))

	require.Equal(t, []string{"a", "b"}, r.IDs())
	require.Equal(t, []string{"t1", "t2"}, r.Types())
}

func TestAggregateExecutor(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(AggregateProvider{}))

	p, err := r.Resolve(map[string]any{"executor_id": AggregateExecutorID}, nil)
	require.NoError(t, err)

	exec, err := p.New(Options{})
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), map[string]any{
		"task-1": map[string]any{"v": 1},
		"task-2": map[string]any{"v": 2},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result["result_count"])
	results, ok := result["results"].(map[string]any)
	require.True(t, ok)
	require.Len(t, results, 2)
}
