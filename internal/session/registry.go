package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parleyhq/parley/pkg/protocol"
)

// Registry errors.
var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// Registry is the in-memory session map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Create registers a new session. It fails if the id is taken.
func (r *Registry) Create(id, name string, cfg protocol.SessionConfig) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %q", ErrSessionExists, id)
	}
	s := New(id, name, cfg)
	r.sessions[id] = s
	r.logger.Info("session created", "session", id, "name", name)
	return s, nil
}

// GetOrCreate returns the session, auto-creating it with default config on
// first join. The second return reports whether it was created.
func (r *Registry) GetOrCreate(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := New(id, "", protocol.DefaultSessionConfig())
	r.sessions[id] = s
	r.logger.Info("session auto-created", "session", id)
	return s, true
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops a session from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns all live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
