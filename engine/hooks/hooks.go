// Package hooks holds the process-wide pre- and post-execution hook
// registries. Hooks are advisory: failures are logged and swallowed, never
// failing the task they observe.
package hooks

import (
	"context"
	"sync"

	"github.com/taskforge/taskforge/store"
)

// PreHook runs before executor dispatch and may mutate inputs in place.
type PreHook func(ctx context.Context, task *store.Task, inputs map[string]any) error

// PostHook runs after a task completes, receiving the inputs used and the
// executor result. It must not mutate the task.
type PostHook func(ctx context.Context, task *store.Task, inputs map[string]any, result map[string]any) error

// Registry holds registered hooks. Mutation is a startup activity; the
// scheduler captures a snapshot per execution.
type Registry struct {
	mu   sync.RWMutex
	pre  []PreHook
	post []PostHook
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterPre appends a pre-execution hook.
func (r *Registry) RegisterPre(h PreHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pre = append(r.pre, h)
}

// RegisterPost appends a post-completion hook.
func (r *Registry) RegisterPost(h PostHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.post = append(r.post, h)
}

// Snapshot returns immutable copies of the registered hook chains.
func (r *Registry) Snapshot() (pre []PreHook, post []PostHook) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pre = make([]PreHook, len(r.pre))
	copy(pre, r.pre)
	post = make([]PostHook, len(r.post))
	copy(post, r.post)
	return pre, post
}

// Reset clears all hooks. Test rebuild hook.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pre = nil
	r.post = nil
}
