// Package transport carries protocol envelopes over WebSocket: a server
// accept path with per-connection read/write loops and a reconnecting
// client. Connections are anonymous until their first frame binds a
// participant id.
package transport

import (
	"errors"

	"github.com/parleyhq/parley/pkg/protocol"
)

// Transport errors.
var (
	ErrNotConnected = errors.New("transport not connected")
	ErrSendBuffer   = errors.New("send buffer full")
	ErrClosed       = errors.New("transport closed")
)

// Conn is one live participant connection on the broker side.
type Conn interface {
	// Send queues an envelope for delivery. It fails when the outbound
	// buffer is full or the connection is gone.
	Send(env *protocol.Envelope) error
	// Close tears down the connection.
	Close() error
	// IsConnected reports whether the connection is still usable.
	IsConnected() bool
	// ParticipantID is the sender id bound by the first frame; empty
	// until then.
	ParticipantID() string
}

// MessageHandler receives every decoded inbound envelope.
type MessageHandler func(c Conn, env *protocol.Envelope)

// CloseHandler fires once after a bound connection is deregistered.
type CloseHandler func(participantID string)
