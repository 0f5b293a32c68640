package transport

import (
	"log/slog"
	"sync"

	"github.com/parleyhq/parley/pkg/protocol"
)

// Registry maps participant ids to their live connections. Each connection
// has exactly one writer goroutine behind its send queue, so broadcasting
// from here never blocks on a slow peer.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	logger *slog.Logger
}

// NewRegistry returns an empty connection registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{conns: make(map[string]Conn), logger: logger}
}

// Register binds a connection to a participant id, closing any previous
// connection held under the same id.
func (r *Registry) Register(participantID string, c Conn) {
	r.mu.Lock()
	prev := r.conns[participantID]
	r.conns[participantID] = c
	r.mu.Unlock()
	if prev != nil && prev != c {
		r.logger.Info("replacing connection", "participant", participantID)
		_ = prev.Close()
	}
}

// Deregister removes the connection bound to the participant, but only if
// it is still the same connection (a reconnect may have replaced it).
func (r *Registry) Deregister(participantID string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[participantID]; ok && cur == c {
		delete(r.conns, participantID)
		return true
	}
	return false
}

// Get returns the live connection for a participant.
func (r *Registry) Get(participantID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[participantID]
	return c, ok
}

// Send delivers an envelope to one participant.
func (r *Registry) Send(participantID string, env *protocol.Envelope) error {
	c, ok := r.Get(participantID)
	if !ok {
		return ErrNotConnected
	}
	return c.Send(env)
}

// Broadcast sends the envelope to every registered connection whose
// participant id passes the filter (nil means everyone). A failed send is
// logged and never aborts delivery to the remaining recipients.
func (r *Registry) Broadcast(env *protocol.Envelope, filter func(participantID string) bool) {
	r.mu.RLock()
	targets := make(map[string]Conn, len(r.conns))
	for id, c := range r.conns {
		if filter == nil || filter(id) {
			targets[id] = c
		}
	}
	r.mu.RUnlock()

	for id, c := range targets {
		if err := c.Send(env); err != nil {
			r.logger.Warn("broadcast send failed",
				"participant", id, "type", env.Type, "error", err)
		}
	}
}

// CloseAll tears down every connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]Conn)
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
