package bbs

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry owns every live Session and the pool of node ids [1, max].
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	nodes    []string // nodes[n] is the connection holding node n, "" when free
	limiter  *RateLimiter
	hooks    []func(*Session)
	now      func() time.Time
}

func NewRegistry(maxNodes int, limiter *RateLimiter) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		nodes:    make([]string, maxNodes+1),
		limiter:  limiter,
		now:      time.Now,
	}
}

// OnRelease registers a cleanup callback run by Release while the session
// is still registered.
func (r *Registry) OnRelease(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Assign admits a connection and gives it the lowest free node.
func (r *Registry) Assign(connID, origin string) (*Session, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[connID]; exists {
		return nil, ErrDuplicateConn
	}

	if r.limiter != nil && !r.limiter.Allow(origin, now) {
		return nil, ErrRateLimited
	}

	node := 0
	for n := 1; n < len(r.nodes); n++ {
		if r.nodes[n] == "" {
			node = n
			break
		}
	}
	if node == 0 {
		return nil, ErrCapacityExceeded
	}

	session := &Session{
		ConnID:       connID,
		Origin:       origin,
		Node:         node,
		State:        StateConnecting,
		ConnectedAt:  now,
		LastActivity: now,
	}
	r.nodes[node] = connID
	r.sessions[connID] = session

	return session, nil
}

// Release runs the cleanup hooks and then frees the session's node.
func (r *Registry) Release(connID string) (*Session, bool) {
	r.mu.RLock()
	session, ok := r.sessions[connID]
	hooks := append([]func(*Session){}, r.hooks...)
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}

	for _, hook := range hooks {
		hook(session)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, connID)
	if session.Node > 0 && session.Node < len(r.nodes) && r.nodes[session.Node] == connID {
		r.nodes[session.Node] = ""
	}

	return session, true
}

func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[connID]
	return session, ok
}

func (r *Registry) FindByNode(node int) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if node < 1 || node >= len(r.nodes) || r.nodes[node] == "" {
		return nil, false
	}
	session, ok := r.sessions[r.nodes[node]]
	return session, ok
}

// FindByName matches authenticated sessions case-insensitively.
func (r *Registry) FindByName(name string) (*Session, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}
	return r.Find(func(s *Session) bool {
		return s.Identity != nil && strings.EqualFold(s.Identity.Name, name)
	})
}

// Find returns the lowest-numbered session matching pred. pred runs under
// the registry read lock and must not call back into the Registry.
func (r *Registry) Find(pred func(*Session) bool) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for n := 1; n < len(r.nodes); n++ {
		if r.nodes[n] == "" {
			continue
		}
		if s := r.sessions[r.nodes[n]]; s != nil && pred(s) {
			return s, true
		}
	}
	return nil, false
}

// Sessions returns the live sessions ordered by node.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Node < out[j].Node
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Capacity() int {
	return len(r.nodes) - 1
}

// ValidNode reports whether n is inside the node range.
func (r *Registry) ValidNode(n int) bool {
	return n >= 1 && n <= r.Capacity()
}
