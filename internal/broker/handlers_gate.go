package broker

import (
	"context"
	"time"

	"github.com/parleyhq/parley/internal/gate"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/pkg/protocol"
)

// handleToolPropose appends the proposal and either opens an approval gate
// or authorizes execution immediately.
func (r *Router) handleToolPropose(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	p, ok := env.Payload.(*protocol.ToolProposePayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed tool.propose payload", true)
		return
	}
	if !r.appendAndBroadcast(ctx, s, env, nil) {
		return
	}

	cfg := s.Config()
	if !requiresApproval(p, cfg) {
		r.emitToolExecute(ctx, s, env.ID, env.Sender)
		return
	}

	quorum := cfg.DefaultGateQuorum
	if len(p.SuggestedApprovers) > 0 {
		quorum = protocol.QuorumRule{
			Type:         protocol.QuorumSpecific,
			Participants: p.SuggestedApprovers,
		}
	}

	req := gate.Request{
		SessionID:   s.ID,
		GateID:      protocol.NewID(),
		ActionType:  string(p.Category),
		ActionRef:   env.ID,
		RequestedBy: env.Sender,
		Quorum:      quorum,
		Timeout:     time.Duration(cfg.GateTimeoutSeconds) * time.Second,
		Message:     p.Description,
	}
	outcome, err := r.gates.Open(req, r.participantInfos(s))
	if err != nil {
		r.sendError(env, protocol.ErrCodeInvalidMessage, err.Error(), true)
		return
	}

	request := protocol.New(protocol.TypeGateRequest, s.ID, protocol.SenderSystem,
		&protocol.GateRequestPayload{
			GateID:         req.GateID,
			ActionType:     req.ActionType,
			ActionRef:      env.ID,
			Quorum:         quorum,
			TimeoutSeconds: cfg.GateTimeoutSeconds,
			Message:        p.Description,
		},
		protocol.WithRef(env.ID))
	r.appendAndBroadcast(ctx, s, request, nil)

	// A quorum nobody can satisfy collapses to an immediate rejection.
	if outcome.Status == gate.StatusRejected {
		reject := protocol.New(protocol.TypeGateReject, s.ID, protocol.SenderSystem,
			&protocol.GateRejectPayload{GateID: req.GateID, Reason: outcome.Reason},
			protocol.WithRef(env.ID))
		r.appendAndBroadcast(ctx, s, reject, nil)
		if r.metrics != nil {
			r.metrics.GateResolved("rejected", 0)
		}
	}
}

// requiresApproval applies the session policy on top of the proposal's own
// flag.
func requiresApproval(p *protocol.ToolProposePayload, cfg protocol.SessionConfig) bool {
	if p.RequiresApproval {
		return true
	}
	for _, cat := range cfg.RequireApprovalFor {
		if cat == p.Category || cat == protocol.CategoryAll {
			return true
		}
	}
	return false
}

func (r *Router) handleApprove(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	if !r.approverAllowed(s, env) {
		return
	}

	var gateID, comment string
	switch p := env.Payload.(type) {
	case *protocol.GateApprovePayload:
		gateID, comment = p.GateID, p.Comment
	case *protocol.ToolApprovePayload:
		// tool.approve names the proposal via ref; resolve its gate.
		g, found := r.gates.FindByActionRef(s.ID, env.Ref)
		if !found {
			r.sendError(env, protocol.ErrCodeInvalidState, "no open gate for proposal", true)
			return
		}
		gateID, comment = g.Request.GateID, p.Comment
	default:
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed approval payload", true)
		return
	}

	outcome, err := r.gates.Approve(gateID, env.Sender, comment, r.participantInfos(s))
	if err != nil {
		r.sendError(env, protocol.ErrCodeInvalidState, "gate not found", true)
		return
	}
	r.appendAndBroadcast(ctx, s, env, nil)

	if outcome.Status == gate.StatusApproved {
		if r.metrics != nil {
			r.metrics.GateResolved("approved", time.Since(outcome.Gate.CreatedAt).Seconds())
		}
		r.authorizeAction(ctx, s, outcome.Gate.Request.ActionRef)
	}
}

func (r *Router) handleReject(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	if !r.approverAllowed(s, env) {
		return
	}

	var gateID, reason string
	synthesize := false
	switch p := env.Payload.(type) {
	case *protocol.GateRejectPayload:
		gateID, reason = p.GateID, p.Reason
	case *protocol.ToolRejectPayload:
		g, found := r.gates.FindByActionRef(s.ID, env.Ref)
		if !found {
			r.sendError(env, protocol.ErrCodeInvalidState, "no open gate for proposal", true)
			return
		}
		gateID, reason = g.Request.GateID, p.Reason
		synthesize = true
	default:
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed rejection payload", true)
		return
	}

	outcome, err := r.gates.Reject(gateID, env.Sender, reason)
	if err != nil {
		r.sendError(env, protocol.ErrCodeInvalidState, "gate not found", true)
		return
	}
	r.appendAndBroadcast(ctx, s, env, nil)

	// A tool.reject alias still owes the session a gate.reject event.
	if synthesize {
		reject := protocol.New(protocol.TypeGateReject, s.ID, protocol.SenderSystem,
			&protocol.GateRejectPayload{GateID: gateID, Reason: reason},
			protocol.WithRef(outcome.Gate.Request.ActionRef))
		r.appendAndBroadcast(ctx, s, reject, nil)
	}
	if r.metrics != nil {
		r.metrics.GateResolved("rejected", time.Since(outcome.Gate.CreatedAt).Seconds())
	}
}

// handleGateTimeout records broker-synthesized gate expiry. An
// auto_approved resolution still authorizes the action.
func (r *Router) handleGateTimeout(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	if env.Sender != protocol.SenderSystem {
		r.sendError(env, protocol.ErrCodeUnauthorized, "gate.timeout is broker-originated", true)
		return
	}
	p, ok := env.Payload.(*protocol.GateTimeoutPayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed gate.timeout payload", true)
		return
	}
	r.appendAndBroadcast(ctx, s, env, nil)
	if p.Resolution == protocol.ResolutionAutoApproved {
		r.authorizeAction(ctx, s, p.ActionRef)
	}
}

func (r *Router) handleToolResult(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	p, ok := env.Payload.(*protocol.ToolResultPayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed tool.result payload", true)
		return
	}
	if env.Ref != "" && !s.Log.Has(env.Ref) {
		r.sendError(env, protocol.ErrCodeInvalidState, "result references an unknown proposal", true)
		return
	}
	r.appendAndBroadcast(ctx, s, env, nil)

	if r.metrics != nil {
		tool := "unknown"
		if prop, found := s.Log.Get(env.Ref); found {
			if pp, isProp := prop.Payload.(*protocol.ToolProposePayload); isProp {
				tool = pp.ToolName
			}
		}
		r.metrics.ToolResult(tool, p.Success)
	}
}

// authorizeAction synthesizes the tool.execute that tells the proposing
// agent to run an approved action.
func (r *Router) authorizeAction(ctx context.Context, s *session.Session, actionRef string) {
	proposal, found := s.Log.Get(actionRef)
	if !found {
		r.logger.Warn("approved action not in log", "session", s.ID, "action_ref", actionRef)
		return
	}
	r.emitToolExecute(ctx, s, actionRef, proposal.Sender)
}

func (r *Router) emitToolExecute(ctx context.Context, s *session.Session, proposalID, target string) {
	execute := protocol.New(protocol.TypeToolExecute, s.ID, protocol.SenderSystem,
		&protocol.ToolExecutePayload{Target: target},
		protocol.WithRef(proposalID))
	r.appendAndBroadcast(ctx, s, execute, nil)
}

// approverAllowed enforces the approval authorization rule: the approver
// role or the approve capability.
func (r *Router) approverAllowed(s *session.Session, env *protocol.Envelope) bool {
	if env.Sender == protocol.SenderSystem {
		return true
	}
	member, _ := s.Participants.Get(env.Sender)
	if member.Info.HasRole(protocol.RoleApprover) || member.Info.HasCapability(protocol.CapApprove) {
		return true
	}
	r.sendError(env, protocol.ErrCodeUnauthorized, "approval requires the approver role or approve capability", true)
	return false
}

func (r *Router) participantInfos(s *session.Session) []protocol.ParticipantInfo {
	members := s.Participants.List()
	out := make([]protocol.ParticipantInfo, 0, len(members))
	for _, m := range members {
		out = append(out, m.Info)
	}
	return out
}
