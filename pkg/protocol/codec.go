package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Codec errors.
var (
	ErrUnknownType = errors.New("unknown message type")
	ErrBadFrame    = errors.New("malformed frame")
)

// Encode serializes an envelope to one JSON frame (no trailing newline;
// framing is the transport's concern).
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return data, nil
}

// wireEnvelope defers payload decoding until the type is known.
type wireEnvelope struct {
	Version    int             `json:"version"`
	ID         string          `json:"id"`
	Timestamp  Time            `json:"timestamp"`
	Session    string          `json:"session"`
	Sender     string          `json:"sender"`
	Type       MessageType     `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Ref        string          `json:"ref,omitempty"`
	Seq        uint64          `json:"seq,omitempty"`
	CausalRefs []string        `json:"causal_refs,omitempty"`
	Fork       string          `json:"fork,omitempty"`
}

// Decode parses one frame and narrows the payload to the concrete struct
// for the envelope's type. Unknown types and undecodable payloads are
// protocol errors.
func Decode(data []byte) (*Envelope, error) {
	data = bytes.TrimSpace(data)
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	factory, ok := payloadFactories[wire.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, wire.Type)
	}
	payload := factory()
	if len(wire.Payload) > 0 && !bytes.Equal(wire.Payload, []byte("null")) {
		if err := json.Unmarshal(wire.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: payload for %s: %v", ErrBadFrame, wire.Type, err)
		}
	}
	return &Envelope{
		Version:    wire.Version,
		ID:         wire.ID,
		Timestamp:  wire.Timestamp,
		Session:    wire.Session,
		Sender:     wire.Sender,
		Type:       wire.Type,
		Payload:    payload,
		Ref:        wire.Ref,
		Seq:        wire.Seq,
		CausalRefs: wire.CausalRefs,
		Fork:       wire.Fork,
	}, nil
}
