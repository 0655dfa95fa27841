// Package sessionpool bounds concurrent store sessions and guarantees their
// release on every exit path.
package sessionpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/taskforge/taskforge/internal/util"
	"github.com/taskforge/taskforge/store"
)

// ErrSessionLimitExceeded is returned when the pool is at capacity.
// It is a user-visible error; no task state is touched.
var ErrSessionLimitExceeded = errors.New("session limit exceeded")

const (
	// DefaultMaxSessions bounds concurrently borrowed sessions.
	DefaultMaxSessions = 50
	// DefaultSessionTimeout is the age after which an unreleased session is
	// force-closed by the sweep.
	DefaultSessionTimeout = 1800 * time.Second
)

// Config controls pool limits.
type Config struct {
	MaxSessions    int
	SessionTimeout time.Duration
}

// Session is a borrowed handle on the shared store. One top-level execution
// borrows exactly one session for the duration of its task tree.
type Session struct {
	ID        string
	CreatedAt time.Time

	store *store.Store
}

// Store returns the store handle bound to this session.
func (s *Session) Store() *store.Store {
	return s.store
}

// Pool tracks active sessions over one shared store per database configuration.
type Pool struct {
	store  *store.Store
	config Config

	mu     sync.Mutex
	active map[string]*Session
}

// New creates a session pool over the given store.
func New(st *store.Store, config Config) *Pool {
	if config.MaxSessions <= 0 {
		config.MaxSessions = DefaultMaxSessions
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = DefaultSessionTimeout
	}
	return &Pool{
		store:  st,
		config: config,
		active: make(map[string]*Session),
	}
}

// CreateSession returns a fresh session, sweeping stale entries first.
// Fails with ErrSessionLimitExceeded when the pool is at capacity.
func (p *Pool) CreateSession() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked()

	if len(p.active) >= p.config.MaxSessions {
		return nil, errors.Wrapf(ErrSessionLimitExceeded, "%d sessions active (max %d)", len(p.active), p.config.MaxSessions)
	}

	session := &Session{
		ID:        util.GenTraceID(),
		CreatedAt: time.Now(),
		store:     p.store,
	}
	p.active[session.ID] = session
	return session, nil
}

// ReleaseSession removes the session from the active set.
// Releasing an already-released session is a no-op.
func (p *Pool) ReleaseSession(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, s.ID)
}

// ActiveCount reports the number of borrowed sessions.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// sweepLocked force-closes sessions older than the timeout. Callers hold p.mu.
func (p *Pool) sweepLocked() {
	cutoff := time.Now().Add(-p.config.SessionTimeout)
	for id, session := range p.active {
		if session.CreatedAt.Before(cutoff) {
			slog.Warn("session pool: force-closing stale session",
				"session_id", id,
				"age_seconds", time.Since(session.CreatedAt).Seconds())
			delete(p.active, id)
		}
	}
}

// WithSession borrows a session, runs fn with its store, and releases the
// session on every exit path including panics and context cancellation.
func (p *Pool) WithSession(ctx context.Context, fn func(ctx context.Context, s *store.Store) error) error {
	session, err := p.CreateSession()
	if err != nil {
		return err
	}
	defer p.ReleaseSession(session)
	return fn(ctx, session.Store())
}
