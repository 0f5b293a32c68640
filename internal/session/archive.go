package session

import (
	"context"

	"github.com/parleyhq/parley/pkg/protocol"
)

// Archiver persists session events beyond the in-process log. The broker
// writes through it after each append; the default implementation discards
// everything, keeping persistence strictly opt-in.
type Archiver interface {
	Append(ctx context.Context, env *protocol.Envelope) error
	End(ctx context.Context, sessionID string, state protocol.FinalState) error
	Close() error
}

// NopArchiver discards all events.
type NopArchiver struct{}

func (NopArchiver) Append(context.Context, *protocol.Envelope) error { return nil }

func (NopArchiver) End(context.Context, string, protocol.FinalState) error { return nil }

func (NopArchiver) Close() error { return nil }
