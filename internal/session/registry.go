package session

import (
	"sort"
	"sync"

	"github.com/shaunagostinho/sensorlink/internal/command"
)

// Registry tracks the live server sessions so an operator can list them and
// push commands to one of them.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*ServerSession
	max      int
}

// NewRegistry returns an empty registry admitting at most max sessions
// (0 = unlimited).
func NewRegistry(max int) *Registry {
	return &Registry{sessions: make(map[string]*ServerSession), max: max}
}

func (r *Registry) add(s *ServerSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.sessions) >= r.max {
		return ErrTooManySessions
	}
	r.sessions[s.id] = s
	return nil
}

func (r *Registry) remove(s *ServerSession) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*ServerSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of every live session, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// Send pushes a command to the session with the given id.
func (r *Registry) Send(id string, c command.Command) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Send(c)
}

// Broadcast pushes a command to every live session and returns how many
// sessions accepted it.
func (r *Registry) Broadcast(c command.Command) int {
	r.mu.RLock()
	targets := make([]*ServerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range targets {
		if s.Send(c) == nil {
			n++
		}
	}
	return n
}

// CloseAll tears down every live session.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	targets := make([]*ServerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	for _, s := range targets {
		s.Close()
	}
}
