// Package session holds per-session broker state: the participant table,
// the append-only event log, the context store and the fork table. All
// mutation goes through the router, one event at a time per session; the
// locks here additionally protect cross-session readers such as the
// heartbeat scheduler and the janitor.
package session

import (
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/protocol"
)

// Session is one bounded multi-party conversation.
type Session struct {
	ID        string
	Name      string
	CreatedAt time.Time

	Participants *Table
	Log          *Log
	Context      *Store
	Forks        *Forks

	mu         sync.RWMutex
	config     protocol.SessionConfig
	ended      bool
	emptySince time.Time
}

// New creates a session with the given config. Zero-valued config fields
// fall back to defaults.
func New(id, name string, cfg protocol.SessionConfig) *Session {
	if cfg.DefaultGateQuorum.Type == "" {
		cfg.DefaultGateQuorum = protocol.QuorumRule{Type: protocol.QuorumAny, Count: 1}
	}
	if cfg.GateTimeoutResolution == "" {
		cfg.GateTimeoutResolution = protocol.ResolutionRejected
	}
	if cfg.OrderingMode == "" {
		cfg.OrderingMode = protocol.OrderingCausal
	}
	if cfg.OnParticipantTimeout == "" {
		cfg.OnParticipantTimeout = protocol.TimeoutWait
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 15
	}
	if cfg.IdleTimeoutSeconds <= 0 {
		cfg.IdleTimeoutSeconds = 120
	}
	if cfg.AwayTimeoutSeconds <= 0 {
		cfg.AwayTimeoutSeconds = 600
	}
	return &Session{
		ID:           id,
		Name:         name,
		CreatedAt:    time.Now().UTC(),
		Participants: NewTable(),
		Log:          NewLog(),
		Context:      NewStore(DefaultMaxContentBytes),
		Forks:        NewForks(),
		config:       cfg,
	}
}

// Config returns a copy of the session policy block.
func (s *Session) Config() protocol.SessionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SetConfig replaces the session policy block.
func (s *Session) SetConfig(cfg protocol.SessionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
}

// End marks the session terminated. Idempotent.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

// Ended reports whether the session has terminated.
func (s *Session) Ended() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

// MarkEmpty records the moment the last participant left. The janitor uses
// it to end abandoned sessions after the grace window.
func (s *Session) MarkEmpty(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emptySince = at
}

// MarkOccupied clears the empty marker.
func (s *Session) MarkOccupied() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emptySince = time.Time{}
}

// EmptySince returns when the session last became empty; zero if occupied.
func (s *Session) EmptySince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emptySince
}

// TotalOrdering reports whether the broker assigns sequence numbers.
func (s *Session) TotalOrdering() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.OrderingMode == protocol.OrderingTotal
}
