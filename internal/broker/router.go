// Package broker wires transport, session state, gates and the HTTP
// surface into the running coordination server.
package broker

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/gate"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/transport"
	"github.com/parleyhq/parley/pkg/protocol"
)

const sessionQueueSize = 256

// Router is the single mutator of session state. Every inbound envelope is
// funneled into a per-session queue drained by one goroutine, so each
// session sees events strictly one at a time; outbound envelopes are
// computed first and fanned out after, never under a lock.
type Router struct {
	sessions *session.Registry
	gates    *gate.Engine
	conns    *transport.Registry
	archiver session.Archiver
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger

	defaults  protocol.SessionConfig
	authToken string

	mu     sync.Mutex
	queues map[string]chan *protocol.Envelope
	closed bool
	wg     sync.WaitGroup
}

// RouterOptions collects the router's collaborators. Metrics and Tracer may
// be nil; Archiver defaults to the no-op implementation.
type RouterOptions struct {
	Sessions  *session.Registry
	Conns     *transport.Registry
	Archiver  session.Archiver
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Logger    *slog.Logger
	Defaults  protocol.SessionConfig
	AuthToken string
}

// NewRouter builds a router. The gate engine is owned here so expiring
// gates re-enter the session queue as gate.timeout events.
func NewRouter(opts RouterOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	archiver := opts.Archiver
	if archiver == nil {
		archiver = session.NopArchiver{}
	}
	r := &Router{
		sessions:  opts.Sessions,
		conns:     opts.Conns,
		archiver:  archiver,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    logger,
		defaults:  opts.Defaults,
		authToken: opts.AuthToken,
		queues:    make(map[string]chan *protocol.Envelope),
	}
	r.gates = gate.NewEngine(logger, r.TimeoutGate)
	return r
}

// Gates exposes the gate engine for the janitor's failsafe sweep.
func (r *Router) Gates() *gate.Engine {
	return r.gates
}

// HandleMessage is the transport's message callback. It enqueues the
// envelope onto its session's serial queue.
func (r *Router) HandleMessage(_ transport.Conn, env *protocol.Envelope) {
	if r.metrics != nil {
		r.metrics.EnvelopeIn(string(env.Type))
	}
	r.enqueue(env)
}

// HandleClose is the transport's close callback. The broker synthesizes a
// leave with reason "disconnected" into every session the participant was
// part of.
func (r *Router) HandleClose(participantID string) {
	for _, s := range r.sessions.List() {
		if _, ok := s.Participants.Get(participantID); !ok {
			continue
		}
		leave := protocol.New(protocol.TypeSessionLeave, s.ID, participantID,
			&protocol.SessionLeavePayload{Reason: "disconnected"})
		r.enqueue(leave)
	}
}

// Inject queues a broker-originated envelope for serialized dispatch.
func (r *Router) Inject(env *protocol.Envelope) {
	r.enqueue(env)
}

func (r *Router) enqueue(env *protocol.Envelope) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	q, ok := r.queues[env.Session]
	if !ok {
		q = make(chan *protocol.Envelope, sessionQueueSize)
		r.queues[env.Session] = q
		r.wg.Add(1)
		go r.drain(q)
	}
	r.mu.Unlock()

	select {
	case q <- env:
	default:
		r.logger.Warn("session queue full, dropping envelope",
			"session", env.Session, "type", env.Type, "id", env.ID)
	}
}

func (r *Router) drain(q chan *protocol.Envelope) {
	defer r.wg.Done()
	for env := range q {
		r.dispatch(env)
	}
}

// Close stops all session queues and waits for in-flight dispatches.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, q := range r.queues {
		close(q)
	}
	r.queues = make(map[string]chan *protocol.Envelope)
	r.mu.Unlock()
	r.wg.Wait()
}

// dispatch routes one envelope. It runs on the session's queue goroutine,
// so handlers never race with each other within a session.
func (r *Router) dispatch(env *protocol.Envelope) {
	ctx := context.Background()
	if r.tracer != nil {
		tctx, span := r.tracer.TraceDispatch(ctx, env.Session, string(env.Type))
		ctx = tctx
		defer span.End()
	}

	switch env.Type {
	case protocol.TypeSessionCreate:
		r.handleSessionCreate(ctx, env)
		return
	case protocol.TypeSessionJoin:
		r.handleSessionJoin(ctx, env)
		return
	}

	s, ok := r.sessions.Get(env.Session)
	if !ok {
		r.sendError(env, protocol.ErrCodeSessionNotFound, "unknown session", true)
		return
	}

	system := env.Sender == protocol.SenderSystem
	if !system {
		if _, member := s.Participants.Get(env.Sender); !member {
			r.sendError(env, protocol.ErrCodeParticipantNotFound, "sender is not a session participant", true)
			return
		}
		s.Participants.TouchActive(env.Sender, time.Now().UTC())
	}

	switch env.Type {
	case protocol.TypeSessionLeave:
		r.handleSessionLeave(ctx, s, env)
	case protocol.TypeSessionEnd:
		r.handleSessionEnd(ctx, s, env)
	case protocol.TypeSessionConfigUpdate:
		r.handleConfigUpdate(ctx, s, env)
	case protocol.TypeParticipantRoleChange:
		r.handleRoleChange(ctx, s, env)
	case protocol.TypeHeartbeatPong:
		s.Participants.TouchHeartbeat(env.Sender, time.Now().UTC())
	case protocol.TypeHeartbeatPing:
		// Pings are broker-originated; an inbound one is ignored.
	case protocol.TypePresenceUpdate:
		r.handlePresenceUpdate(ctx, s, env)
	case protocol.TypeContextAdd:
		r.handleContextAdd(ctx, s, env)
	case protocol.TypeContextUpdate:
		r.handleContextUpdate(ctx, s, env)
	case protocol.TypeContextRemove:
		r.handleContextRemove(ctx, s, env)
	case protocol.TypeSecretShare:
		r.handleSecretShare(ctx, s, env)
	case protocol.TypeSecretRevoke:
		r.handleSecretRevoke(ctx, s, env)
	case protocol.TypePromptDraft, protocol.TypePromptSubmit, protocol.TypePromptAmend:
		r.handlePrompt(ctx, s, env)
	case protocol.TypeToolPropose:
		r.handleToolPropose(ctx, s, env)
	case protocol.TypeGateApprove, protocol.TypeToolApprove:
		r.handleApprove(ctx, s, env)
	case protocol.TypeGateReject, protocol.TypeToolReject:
		r.handleReject(ctx, s, env)
	case protocol.TypeGateTimeout:
		r.handleGateTimeout(ctx, s, env)
	case protocol.TypeToolExecute:
		// Execution authority comes only from the broker itself, on
		// auto-approval or a satisfied quorum. A participant-sent
		// tool.execute would bypass the gate.
		if env.Sender != protocol.SenderSystem {
			r.sendError(env, protocol.ErrCodeUnauthorized, "tool.execute is broker-originated", true)
			return
		}
		r.appendAndBroadcast(ctx, s, env, nil)
	case protocol.TypeToolResult:
		r.handleToolResult(ctx, s, env)
	case protocol.TypeForkCreate:
		r.handleForkCreate(ctx, s, env)
	case protocol.TypeForkSwitch:
		r.handleForkSwitch(ctx, s, env)
	case protocol.TypeMergePropose:
		r.handleMergePropose(ctx, s, env)
	case protocol.TypeMergeExecute:
		r.handleMergeExecute(ctx, s, env)
	case protocol.TypeError:
		r.handleError(ctx, s, env)
	default:
		// thinking.*, response.*, tool.output, interrupt.*,
		// participant.announce: append and fan out verbatim.
		r.appendAndBroadcast(ctx, s, env, nil)
	}
}

// appendAndBroadcast records the envelope in the session log (assigning seq
// in total ordering mode), writes through the archiver, and fans out to the
// session's connected participants. The optional visibility filter narrows
// recipients further.
func (r *Router) appendAndBroadcast(ctx context.Context, s *session.Session, env *protocol.Envelope, visible func(participantID string) bool) bool {
	if err := s.Log.Append(env, s.TotalOrdering()); err != nil {
		r.sendError(env, protocol.ErrCodeInvalidMessage, err.Error(), true)
		return false
	}
	if err := r.archiver.Append(ctx, env); err != nil {
		r.logger.Warn("archive append failed", "session", s.ID, "id", env.ID, "error", err)
	}
	r.broadcast(s, env, visible)
	return true
}

// broadcast fans an envelope out to the session's participants without
// touching the log.
func (r *Router) broadcast(s *session.Session, env *protocol.Envelope, visible func(participantID string) bool) {
	members := make(map[string]bool)
	for _, id := range s.Participants.IDs() {
		members[id] = true
	}
	r.conns.Broadcast(env, func(id string) bool {
		if !members[id] {
			return false
		}
		return visible == nil || visible(id)
	})
	if r.metrics != nil {
		r.metrics.EnvelopeOut(string(env.Type))
	}
}

// sendError answers the sender of a bad envelope. The offending envelope is
// never appended.
func (r *Router) sendError(cause *protocol.Envelope, code protocol.ErrorCode, message string, recoverable bool) {
	if r.metrics != nil {
		r.metrics.ProtocolError(string(code))
	}
	if code == protocol.ErrCodeUnauthorized {
		r.logger.Warn("unauthorized envelope",
			"session", cause.Session, "sender", cause.Sender, "type", cause.Type)
	}
	if cause.Sender == protocol.SenderSystem {
		r.logger.Error("dropping broker-originated envelope",
			"session", cause.Session, "type", cause.Type, "code", code, "message", message)
		return
	}
	env := protocol.NewError(cause.Session, code, message, recoverable, cause.ID)
	if err := r.conns.Send(cause.Sender, env); err != nil {
		r.logger.Debug("could not deliver error envelope",
			"participant", cause.Sender, "error", err)
	}
}

// tokenOK performs the bearer-token join check in constant time. An empty
// broker token disables the hook.
func (r *Router) tokenOK(presented string) bool {
	if r.authToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(r.authToken), []byte(presented)) == 1
}

// TimeoutGate turns an expired gate into a gate.timeout event. It runs on
// the gate timer goroutine (and from the janitor's failsafe sweep); the
// event re-enters the session queue so it is serialized like any other.
func (r *Router) TimeoutGate(g gate.Gate) {
	s, ok := r.sessions.Get(g.Request.SessionID)
	if !ok {
		return
	}
	resolution := s.Config().GateTimeoutResolution
	if resolution == "" {
		resolution = protocol.ResolutionRejected
	}
	env := protocol.New(protocol.TypeGateTimeout, s.ID, protocol.SenderSystem,
		&protocol.GateTimeoutPayload{
			GateID:     g.Request.GateID,
			ActionRef:  g.Request.ActionRef,
			Resolution: resolution,
		},
		protocol.WithRef(g.Request.ActionRef))
	r.enqueue(env)
	if r.metrics != nil {
		r.metrics.GateResolved("expired", time.Since(g.CreatedAt).Seconds())
	}
}
