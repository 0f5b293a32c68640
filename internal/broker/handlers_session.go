package broker

import (
	"context"
	"time"

	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/pkg/protocol"
)

func (r *Router) handleSessionCreate(ctx context.Context, env *protocol.Envelope) {
	p, ok := env.Payload.(*protocol.SessionCreatePayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed session.create payload", true)
		return
	}
	if _, exists := r.sessions.Get(env.Session); exists {
		r.sendError(env, protocol.ErrCodeInvalidState, "session already exists", true)
		return
	}

	cfg := r.defaults
	if p.Config != nil {
		cfg = *p.Config
	}
	s, err := r.sessions.Create(env.Session, p.Name, cfg)
	if err != nil {
		r.sendError(env, protocol.ErrCodeInvalidState, err.Error(), true)
		return
	}
	if r.metrics != nil {
		r.metrics.SessionStarted()
	}

	// The creator is not a participant yet, so the broadcast reaches
	// nobody; echo the envelope back directly as the acknowledgment.
	if r.appendAndBroadcast(ctx, s, env, nil) {
		if err := r.conns.Send(env.Sender, env); err != nil {
			r.logger.Debug("create ack not delivered", "participant", env.Sender, "error", err)
		}
	}
}

func (r *Router) handleSessionJoin(ctx context.Context, env *protocol.Envelope) {
	p, ok := env.Payload.(*protocol.SessionJoinPayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed session.join payload", true)
		return
	}

	supported := false
	for _, v := range p.SupportedVersions {
		if v == protocol.Version {
			supported = true
			break
		}
	}
	if !supported {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "no common protocol version", false)
		return
	}
	if !r.tokenOK(p.Token) {
		r.sendError(env, protocol.ErrCodeUnauthorized, "invalid session token", true)
		return
	}

	s, created := r.sessions.GetOrCreate(env.Session)
	if created {
		s.SetConfig(r.defaults)
		if r.metrics != nil {
			r.metrics.SessionStarted()
		}
	}
	if s.Ended() {
		r.sendError(env, protocol.ErrCodeInvalidState, "session has ended", true)
		return
	}

	cfg := s.Config()
	_, rejoining := s.Participants.Get(env.Sender)
	if !rejoining && cfg.MaxParticipants > 0 && s.Participants.Count() >= cfg.MaxParticipants {
		r.sendError(env, protocol.ErrCodeInvalidState, "session is full", true)
		return
	}

	// The connection binding, not the payload, decides the identity.
	info := p.Participant
	info.ID = env.Sender
	s.Participants.Add(info)
	s.MarkOccupied()
	if r.metrics != nil && !rejoining {
		r.metrics.ActiveParticipants.Inc()
	}

	// The join is logged; the announce is what everyone (including the
	// joiner) sees.
	if err := s.Log.Append(env, s.TotalOrdering()); err != nil {
		r.sendError(env, protocol.ErrCodeInvalidMessage, err.Error(), true)
		return
	}
	if err := r.archiver.Append(ctx, env); err != nil {
		r.logger.Warn("archive append failed", "session", s.ID, "id", env.ID, "error", err)
	}

	announce := protocol.New(protocol.TypeParticipantAnnounce, s.ID, protocol.SenderSystem,
		&protocol.ParticipantAnnouncePayload{Participant: info},
		protocol.WithRef(env.ID))
	r.appendAndBroadcast(ctx, s, announce, nil)

	r.replayToJoiner(s, env.Sender)
	r.logger.Info("participant joined",
		"session", s.ID, "participant", env.Sender, "type", info.Type)
}

// replayToJoiner sends the joiner a private snapshot: one announce per
// existing participant and every context item it may see. Replay envelopes
// are not appended to the log.
func (r *Router) replayToJoiner(s *session.Session, joinerID string) {
	for _, member := range s.Participants.List() {
		if member.Info.ID == joinerID {
			continue
		}
		announce := protocol.New(protocol.TypeParticipantAnnounce, s.ID, protocol.SenderSystem,
			&protocol.ParticipantAnnouncePayload{Participant: member.Info})
		if err := r.conns.Send(joinerID, announce); err != nil {
			r.logger.Debug("replay send failed", "participant", joinerID, "error", err)
			return
		}
	}
	for _, item := range s.Context.VisibleTo(joinerID) {
		add := protocol.New(protocol.TypeContextAdd, s.ID, protocol.SenderSystem,
			&protocol.ContextAddPayload{Item: item})
		if err := r.conns.Send(joinerID, add); err != nil {
			r.logger.Debug("replay send failed", "participant", joinerID, "error", err)
			return
		}
	}
}

func (r *Router) handleSessionLeave(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	if removed := s.Participants.Remove(env.Sender); !removed {
		return
	}
	if r.metrics != nil {
		r.metrics.ActiveParticipants.Dec()
	}
	r.appendAndBroadcast(ctx, s, env, nil)

	presence := protocol.New(protocol.TypePresenceUpdate, s.ID, protocol.SenderSystem,
		&protocol.PresenceUpdatePayload{
			ParticipantID: env.Sender,
			Presence:      protocol.PresenceDisconnected,
		},
		protocol.WithRef(env.ID))
	r.appendAndBroadcast(ctx, s, presence, nil)

	if s.Participants.Count() == 0 {
		s.MarkEmpty(time.Now().UTC())
	}
}

func (r *Router) handleSessionEnd(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	if env.Sender != protocol.SenderSystem {
		member, _ := s.Participants.Get(env.Sender)
		if !member.Info.HasRole(protocol.RoleAdmin) && !member.Info.HasCapability(protocol.CapEndSession) {
			r.sendError(env, protocol.ErrCodeUnauthorized, "ending the session requires admin", true)
			return
		}
	}
	p, ok := env.Payload.(*protocol.SessionEndPayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed session.end payload", true)
		return
	}
	finalState := p.FinalState
	if finalState == "" {
		finalState = protocol.FinalCompleted
	}
	r.endSession(ctx, s, env, finalState)
}

// endSession terminates a session: the end envelope is the log's last
// entry, gates are dropped, the archive is sealed, and the session leaves
// the registry. Shared by the admin path, the janitor and broker shutdown.
func (r *Router) endSession(ctx context.Context, s *session.Session, env *protocol.Envelope, finalState protocol.FinalState) {
	s.End()
	r.appendAndBroadcast(ctx, s, env, nil)
	r.gates.CloseSession(s.ID)
	if err := r.archiver.End(ctx, s.ID, finalState); err != nil {
		r.logger.Warn("archive end failed", "session", s.ID, "error", err)
	}
	r.sessions.Remove(s.ID)
	r.closeQueue(s.ID)
	if r.metrics != nil {
		r.metrics.SessionEnded(time.Since(s.CreatedAt).Seconds())
		r.metrics.ActiveParticipants.Sub(float64(s.Participants.Count()))
	}
	r.logger.Info("session ended", "session", s.ID, "final_state", finalState)
}

// closeQueue retires a session's dispatch queue. Closing from inside the
// drain goroutine is safe; the range finishes the buffered tail and exits.
func (r *Router) closeQueue(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[sessionID]; ok {
		delete(r.queues, sessionID)
		close(q)
	}
}

func (r *Router) handleConfigUpdate(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	if env.Sender != protocol.SenderSystem {
		member, _ := s.Participants.Get(env.Sender)
		if !member.Info.HasRole(protocol.RoleAdmin) {
			r.sendError(env, protocol.ErrCodeUnauthorized, "config updates require admin", true)
			return
		}
	}
	p, ok := env.Payload.(*protocol.SessionConfigUpdatePayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed session.config_update payload", true)
		return
	}
	if err := p.Config.DefaultGateQuorum.Validate(); err != nil {
		r.sendError(env, protocol.ErrCodeInvalidMessage, err.Error(), true)
		return
	}
	s.SetConfig(p.Config)
	r.appendAndBroadcast(ctx, s, env, nil)
}

func (r *Router) handleRoleChange(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	if env.Sender != protocol.SenderSystem {
		member, _ := s.Participants.Get(env.Sender)
		if !member.Info.HasRole(protocol.RoleAdmin) && !member.Info.HasCapability(protocol.CapManageParticipants) {
			r.sendError(env, protocol.ErrCodeUnauthorized, "role changes require admin", true)
			return
		}
	}
	p, ok := env.Payload.(*protocol.ParticipantRoleChangePayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed participant.role_change payload", true)
		return
	}
	if !s.Participants.SetRoles(p.ParticipantID, p.Roles) {
		r.sendError(env, protocol.ErrCodeParticipantNotFound, "unknown participant", true)
		return
	}
	r.appendAndBroadcast(ctx, s, env, nil)
}

func (r *Router) handlePresenceUpdate(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	p, ok := env.Payload.(*protocol.PresenceUpdatePayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed presence.update payload", true)
		return
	}
	if env.Sender != protocol.SenderSystem && p.ParticipantID != env.Sender {
		r.sendError(env, protocol.ErrCodeUnauthorized, "cannot set another participant's presence", true)
		return
	}
	changed, exists := s.Participants.SetPresence(p.ParticipantID, p.Presence)
	if !exists {
		r.sendError(env, protocol.ErrCodeParticipantNotFound, "unknown participant", true)
		return
	}
	// Transitions broadcast; repeats are dropped quietly.
	if changed {
		r.appendAndBroadcast(ctx, s, env, nil)
	}
}

func (r *Router) handlePrompt(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	if env.Sender != protocol.SenderSystem {
		member, _ := s.Participants.Get(env.Sender)
		if !member.Info.HasCapability(protocol.CapPrompt) {
			r.sendError(env, protocol.ErrCodeUnauthorized, "prompting requires the prompt capability", true)
			return
		}
	}
	if env.Type == protocol.TypePromptAmend {
		if env.Ref == "" || !s.Log.Has(env.Ref) {
			r.sendError(env, protocol.ErrCodeInvalidState, "amended prompt not found", true)
			return
		}
	}
	r.appendAndBroadcast(ctx, s, env, nil)
}

// handleError routes an error envelope to the participant that sent the
// related message when it resolves, otherwise to everyone.
func (r *Router) handleError(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	p, ok := env.Payload.(*protocol.ErrorPayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed error payload", true)
		return
	}
	var target string
	if p.RelatedTo != "" {
		if related, found := s.Log.Get(p.RelatedTo); found {
			target = related.Sender
		}
	}
	if r.metrics != nil {
		r.metrics.ProtocolError(string(p.Code))
	}
	if target == "" {
		r.appendAndBroadcast(ctx, s, env, nil)
		return
	}
	r.appendAndBroadcast(ctx, s, env, func(id string) bool { return id == target })
}
