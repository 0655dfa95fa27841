// Package tracker keeps the in-process registry of running root tasks.
package tracker

import (
	"sync"
	"time"
)

// RunningRoot describes one executing root task tree.
type RunningRoot struct {
	RootID    string
	UserID    string
	TraceID   string
	StartedAt time.Time
}

// Tracker is a mutex-guarded set of running roots.
type Tracker struct {
	mu      sync.RWMutex
	running map[string]*RunningRoot
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{running: make(map[string]*RunningRoot)}
}

// Add registers a running root. Returns false when the root is already
// tracked, which means a second concurrent run was refused.
func (t *Tracker) Add(root *RunningRoot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.running[root.RootID]; exists {
		return false
	}
	t.running[root.RootID] = root
	return true
}

// Remove unregisters a root at run end.
func (t *Tracker) Remove(rootID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, rootID)
}

// Get returns the running entry for a root id, or nil.
func (t *Tracker) Get(rootID string) *RunningRoot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running[rootID]
}

// List returns a snapshot of all running roots.
func (t *Tracker) List() []*RunningRoot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	roots := make([]*RunningRoot, 0, len(t.running))
	for _, r := range t.running {
		roots = append(roots, r)
	}
	return roots
}

// Count reports the number of running roots.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.running)
}
