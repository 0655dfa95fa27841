// Package executor defines the pluggable executor contract and the
// process-wide registry the scheduler resolves tasks against.
package executor

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// DefaultType is the executor type used when a task declares none.
const DefaultType = "stdio"

// Executor runs one task's resolved payload. One instance is constructed per
// task execution and discarded afterwards.
type Executor interface {
	Execute(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// Cancelable executors can be interrupted while Execute is in flight.
// Cancel returns a mapping of the shape
// {status: "cancelled", token_usage?, result?|partial_result?}.
type Cancelable interface {
	Cancel() map[string]any
}

// Options carries the per-execution construction arguments.
type Options struct {
	// Params is the task params map with executor_id removed.
	Params map[string]any
	// InputSchema is schemas.input_schema, when declared.
	InputSchema map[string]any
	// CancellationChecker reports whether the owning task has been cancelled.
	CancellationChecker func() bool
}

// Provider constructs executor instances. Providers are registered at startup
// and looked up by id or type.
type Provider interface {
	ID() string
	Type() string
	New(opts Options) (Executor, error)
}

// Registry indexes providers by executor id with a secondary index by type.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]Provider
	byType map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]Provider),
		byType: make(map[string]Provider),
	}
}

// Register adds a provider. Registration is a startup activity; re-registering
// an id is rejected.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID() == "" {
		return errors.New("executor provider requires an id")
	}
	if _, exists := r.byID[p.ID()]; exists {
		return errors.Errorf("executor %q already registered", p.ID())
	}
	r.byID[p.ID()] = p
	if p.Type() != "" {
		if _, exists := r.byType[p.Type()]; !exists {
			r.byType[p.Type()] = p
		}
	}
	return nil
}

// IDs lists registered executor ids in stable order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Types lists registered executor types in stable order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Resolve finds the provider for a task. Lookup order:
//  1. params.executor_id, when registered;
//  2. schemas.method, when it names a registered id;
//  3. the provider registered for schemas.type (default "stdio").
func (r *Registry) Resolve(params, schemas map[string]any) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if executorID, ok := stringValue(params, "executor_id"); ok {
		if p, found := r.byID[executorID]; found {
			return p, nil
		}
	}
	if method, ok := stringValue(schemas, "method"); ok {
		if p, found := r.byID[method]; found {
			return p, nil
		}
	}
	executorType := DefaultType
	if t, ok := stringValue(schemas, "type"); ok {
		executorType = t
	}
	if p, found := r.byType[executorType]; found {
		return p, nil
	}

	return nil, errors.Errorf("no executor found for type %q (registered ids: %s; types: %s)",
		executorType, strings.Join(r.idsLocked(), ", "), strings.Join(r.typesLocked(), ", "))
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) typesLocked() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func stringValue(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	if v, ok := m[key].(string); ok && v != "" {
		return v, true
	}
	return "", false
}
