package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/transport"
	"github.com/parleyhq/parley/pkg/protocol"
)

// Heartbeat drives liveness for every session: it broadcasts pings at each
// session's configured interval and derives presence transitions from
// heartbeat age. Pings are transient and never appended; presence changes
// go through the router so they are serialized and logged like any other
// event.
type Heartbeat struct {
	sessions *session.Registry
	conns    *transport.Registry
	router   *Router
	logger   *slog.Logger

	mu       sync.Mutex
	lastPing map[string]time.Time

	stop chan struct{}
	done chan struct{}
}

// NewHeartbeat builds the scheduler. Start launches it.
func NewHeartbeat(sessions *session.Registry, conns *transport.Registry, router *Router, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		sessions: sessions,
		conns:    conns,
		router:   router,
		logger:   logger,
		lastPing: make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the scheduler loop until Stop.
func (h *Heartbeat) Start() {
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case now := <-ticker.C:
				h.tick(now.UTC())
			}
		}
	}()
}

// Stop halts the scheduler and waits for the loop to exit.
func (h *Heartbeat) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	<-h.done
}

func (h *Heartbeat) tick(now time.Time) {
	live := make(map[string]bool)
	for _, s := range h.sessions.List() {
		live[s.ID] = true
		cfg := s.Config()

		interval := time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second
		if interval < time.Second {
			interval = 15 * time.Second
		}
		if now.Sub(h.pingAt(s.ID)) >= interval {
			h.ping(s, now)
		}

		h.observePresence(s, cfg, now)
	}

	h.mu.Lock()
	for id := range h.lastPing {
		if !live[id] {
			delete(h.lastPing, id)
		}
	}
	h.mu.Unlock()
}

func (h *Heartbeat) pingAt(sessionID string) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPing[sessionID]
}

func (h *Heartbeat) ping(s *session.Session, now time.Time) {
	h.mu.Lock()
	h.lastPing[s.ID] = now
	h.mu.Unlock()

	members := make(map[string]bool)
	for _, id := range s.Participants.IDs() {
		members[id] = true
	}
	ping := protocol.New(protocol.TypeHeartbeatPing, s.ID, protocol.SenderSystem,
		&protocol.HeartbeatPingPayload{})
	h.conns.Broadcast(ping, func(id string) bool { return members[id] })
}

// observePresence compares each participant's heartbeat age against the
// idle and away thresholds and injects a presence.update for any needed
// transition. The router drops no-op updates, so repeats are harmless.
func (h *Heartbeat) observePresence(s *session.Session, cfg protocol.SessionConfig, now time.Time) {
	idle := time.Duration(cfg.IdleTimeoutSeconds) * time.Second
	away := time.Duration(cfg.AwayTimeoutSeconds) * time.Second

	for _, member := range s.Participants.List() {
		if member.Presence == protocol.PresenceDisconnected {
			continue
		}
		elapsed := now.Sub(member.LastHeartbeatAt)
		target := protocol.PresenceActive
		switch {
		case away > 0 && elapsed > away:
			target = protocol.PresenceAway
		case idle > 0 && elapsed > idle:
			target = protocol.PresenceIdle
		}
		if target == member.Presence {
			continue
		}
		update := protocol.New(protocol.TypePresenceUpdate, s.ID, protocol.SenderSystem,
			&protocol.PresenceUpdatePayload{
				ParticipantID: member.Info.ID,
				Presence:      target,
			})
		h.router.Inject(update)
	}
}
