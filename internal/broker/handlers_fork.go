package broker

import (
	"context"

	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/pkg/protocol"
)

func (r *Router) handleForkCreate(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	if !s.Config().AllowForks {
		r.sendError(env, protocol.ErrCodeInvalidState, "forks are disabled for this session", true)
		return
	}
	p, ok := env.Payload.(*protocol.ForkCreatePayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed fork.create payload", true)
		return
	}
	forkID := p.ForkID
	if forkID == "" {
		forkID = protocol.NewID()
	}
	err := s.Forks.Create(session.Fork{
		ID:          forkID,
		Name:        p.Name,
		FromMessage: p.FromMessage,
		CreatedBy:   env.Sender,
	})
	if err != nil {
		r.sendError(env, protocol.ErrCodeInvalidState, err.Error(), true)
		return
	}
	// Everyone learns the assigned fork id.
	env.Payload = &protocol.ForkCreatePayload{
		ForkID:      forkID,
		Name:        p.Name,
		FromMessage: p.FromMessage,
	}
	r.appendAndBroadcast(ctx, s, env, nil)
}

func (r *Router) handleForkSwitch(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	p, ok := env.Payload.(*protocol.ForkSwitchPayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed fork.switch payload", true)
		return
	}
	if err := s.Forks.Switch(p.ForkID); err != nil {
		r.sendError(env, protocol.ErrCodeInvalidState, err.Error(), true)
		return
	}
	r.appendAndBroadcast(ctx, s, env, nil)
}

func (r *Router) handleMergePropose(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	p, ok := env.Payload.(*protocol.MergeProposePayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed merge.propose payload", true)
		return
	}
	if _, found := s.Forks.Get(p.ForkID); !found {
		r.sendError(env, protocol.ErrCodeInvalidState, "fork not found", true)
		return
	}
	r.appendAndBroadcast(ctx, s, env, nil)
}

func (r *Router) handleMergeExecute(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	p, ok := env.Payload.(*protocol.MergeExecutePayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed merge.execute payload", true)
		return
	}
	if err := s.Forks.Merge(p.ForkID, p.Target); err != nil {
		r.sendError(env, protocol.ErrCodeInvalidState, err.Error(), true)
		return
	}
	r.appendAndBroadcast(ctx, s, env, nil)
}
