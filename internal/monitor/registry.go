package monitor

import (
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"safewatch/internal/types"
)

// Registry hosts the sessions of every child served by this process. Each
// session has its own state; nothing is shared between children except the
// collaborators in Deps.
type Registry struct {
	deps Deps
	cfg  Config

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry(deps Deps, cfg Config) *Registry {
	return &Registry{deps: deps, cfg: cfg, sessions: make(map[string]*Session)}
}

// Session returns the session for childID, creating a stopped one if needed.
func (r *Registry) Session(childID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[childID]
	if !ok {
		s = NewSession(childID, r.deps, r.cfg)
		r.sessions[childID] = s
	}
	return s
}

// Get returns the session for childID if one exists.
func (r *Registry) Get(childID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[childID]
	return s, ok
}

// Running returns the session for childID if it is started, or a
// not-found/stopped AppError.
func (r *Registry) Running(childID string) (*Session, error) {
	s, ok := r.Get(childID)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSession, "no monitoring session for child "+childID, nil)
	}
	if !s.Running() {
		return nil, s.stoppedErr()
	}
	return s, nil
}

// Start starts monitoring childID.
func (r *Registry) Start(childID, childName string) *Session {
	s := r.Session(childID)
	s.Start(childName)
	return s
}

// Stop stops monitoring childID. Unknown children are ignored.
func (r *Registry) Stop(childID string) error {
	s, ok := r.Get(childID)
	if !ok {
		return nil
	}
	return s.Stop()
}

// Active lists the children currently monitored, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, s := range r.sessions {
		if s.Running() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Close stops every session concurrently.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(s.Stop)
	}
	return g.Wait()
}
