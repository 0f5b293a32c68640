package broker

import (
	"context"
	"errors"

	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/pkg/protocol"
)

func (r *Router) handleContextAdd(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	p, ok := env.Payload.(*protocol.ContextAddPayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed context.add payload", true)
		return
	}
	item := p.Item
	if item.Key == "" {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "context item needs a key", true)
		return
	}
	item.AddedBy = env.Sender

	stored, err := s.Context.Add(item)
	if err != nil {
		r.sendContextError(env, err)
		return
	}
	// Broadcast the sealed item so recipients see the computed ref.
	env.Payload = &protocol.ContextAddPayload{Item: stored}
	r.appendAndBroadcast(ctx, s, env, stored.VisibleToParticipant)
}

func (r *Router) handleContextUpdate(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	p, ok := env.Payload.(*protocol.ContextUpdatePayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed context.update payload", true)
		return
	}
	updated, err := s.Context.Update(p.Key, p.Content, p.ContentType, p.VisibleTo)
	if err != nil {
		r.sendContextError(env, err)
		return
	}
	r.appendAndBroadcast(ctx, s, env, updated.VisibleToParticipant)
}

func (r *Router) handleContextRemove(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	p, ok := env.Payload.(*protocol.ContextRemovePayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed context.remove payload", true)
		return
	}
	// Capture the audience before the item disappears.
	item, found := s.Context.Get(p.Key)
	if !found {
		r.sendError(env, protocol.ErrCodeInvalidState, "context key not found", true)
		return
	}
	s.Context.Remove(p.Key)
	r.appendAndBroadcast(ctx, s, env, item.VisibleToParticipant)
}

// handleSecretShare stores a restricted-visibility context item. Secrets
// are never session-wide: an empty audience is refused.
func (r *Router) handleSecretShare(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	p, ok := env.Payload.(*protocol.SecretSharePayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed secret.share payload", true)
		return
	}
	if p.Key == "" || len(p.VisibleTo) == 0 {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "secret.share requires a key and a non-empty visible_to", true)
		return
	}

	audience := p.VisibleTo
	sharerIncluded := false
	for _, id := range audience {
		if id == env.Sender {
			sharerIncluded = true
			break
		}
	}
	if !sharerIncluded {
		audience = append(append([]string(nil), audience...), env.Sender)
	}

	item := protocol.ContextItem{
		Key:         p.Key,
		ContentType: protocol.ContentText,
		Content:     p.Value,
		VisibleTo:   audience,
		AddedBy:     env.Sender,
	}
	stored, err := s.Context.Add(item)
	if err != nil {
		r.sendContextError(env, err)
		return
	}
	r.appendAndBroadcast(ctx, s, env, stored.VisibleToParticipant)
}

func (r *Router) handleSecretRevoke(ctx context.Context, s *session.Session, env *protocol.Envelope) {
	p, ok := env.Payload.(*protocol.SecretRevokePayload)
	if !ok {
		r.sendError(env, protocol.ErrCodeInvalidMessage, "malformed secret.revoke payload", true)
		return
	}
	item, found := s.Context.Get(p.Key)
	if !found {
		r.sendError(env, protocol.ErrCodeInvalidState, "secret not found", true)
		return
	}
	s.Context.Remove(p.Key)
	// The revoke notice goes to the same audience that held the secret.
	r.appendAndBroadcast(ctx, s, env, item.VisibleToParticipant)
}

func (r *Router) sendContextError(env *protocol.Envelope, err error) {
	switch {
	case errors.Is(err, session.ErrContentTooLarge):
		r.sendError(env, protocol.ErrCodeContextTooLarge, err.Error(), true)
	case errors.Is(err, session.ErrKeyExists), errors.Is(err, session.ErrKeyNotFound):
		r.sendError(env, protocol.ErrCodeInvalidState, err.Error(), true)
	default:
		r.sendError(env, protocol.ErrCodeInternal, err.Error(), false)
	}
}
