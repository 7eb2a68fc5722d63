package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrClosed is returned by Acquire after Shutdown.
var ErrClosed = errors.New("session registry closed")

// Registry owns every Session in the process, keyed by tenant. Sessions run
// on the registry's base context, not on the context of the request that
// dispatched them.
type Registry struct {
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string][]*Session
	closed   bool
}

// NewRegistry creates an empty Registry whose sessions share deps.
func NewRegistry(deps Deps) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string][]*Session),
	}
}

// SetOnIdle installs the run-completion hook. It must be called before the
// first Acquire; it exists because the hook usually closes over a component
// that itself needs the Registry.
func (r *Registry) SetOnIdle(fn func(clientID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps.OnIdle = fn
}

// Acquire returns an idle session of the tenant, creating one if none is
// free. created reports whether a new session was built.
func (r *Registry) Acquire(clientID string) (sess *Session, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	for _, s := range r.sessions[clientID] {
		if s.claim() {
			return s, false, nil
		}
	}
	s := newSession(r.ctx, clientID, r.deps)
	s.claimed = true
	r.sessions[clientID] = append(r.sessions[clientID], s)
	return s, true, nil
}

// Get returns the tenant's sessions.
func (r *Registry) Get(clientID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.sessions[clientID]...)
}

// Sessions returns every session, ordered by tenant.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*Session
	for _, id := range ids {
		out = append(out, r.sessions[id]...)
	}
	return out
}

// Shutdown terminates every session and waits for their runs to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var all []*Session
	for _, list := range r.sessions {
		all = append(all, list...)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Terminate()
	}
	r.cancel()
	for _, s := range all {
		if err := s.Wait(ctx); err != nil {
			return fmt.Errorf("shutdown sessions: %w", err)
		}
	}
	return nil
}
