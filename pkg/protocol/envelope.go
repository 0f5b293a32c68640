package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// wireTimeFormat is RFC 3339 with fixed millisecond precision.
const wireTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Time is a wire timestamp. It marshals as RFC 3339 with milliseconds and
// truncates to millisecond precision on construction so envelopes survive a
// serialize/deserialize round trip unchanged.
type Time struct {
	time.Time
}

// Now returns the current UTC time at millisecond precision.
func Now() Time {
	return Time{time.Now().UTC().Truncate(time.Millisecond)}
}

// At wraps an arbitrary time, normalizing to UTC millisecond precision.
func At(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Millisecond)}
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(wireTimeFormat))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t.Time = parsed.UTC()
	return nil
}

// Envelope wraps every protocol event.
type Envelope struct {
	Version    int         `json:"version"`
	ID         string      `json:"id"`
	Timestamp  Time        `json:"timestamp"`
	Session    string      `json:"session"`
	Sender     string      `json:"sender"`
	Type       MessageType `json:"type"`
	Payload    any         `json:"payload"`
	Ref        string      `json:"ref,omitempty"`
	Seq        uint64      `json:"seq,omitempty"`
	CausalRefs []string    `json:"causal_refs,omitempty"`
	Fork       string      `json:"fork,omitempty"`
}

// Option mutates an envelope under construction.
type Option func(*Envelope)

// WithRef points the envelope at an earlier message it responds to.
func WithRef(id string) Option {
	return func(e *Envelope) { e.Ref = id }
}

// WithSeq sets the broker-assigned total-order sequence number.
func WithSeq(seq uint64) Option {
	return func(e *Envelope) { e.Seq = seq }
}

// WithCausalRefs records the envelope's causal predecessors.
func WithCausalRefs(ids ...string) Option {
	return func(e *Envelope) { e.CausalRefs = ids }
}

// WithFork scopes the envelope to a session fork.
func WithFork(forkID string) Option {
	return func(e *Envelope) { e.Fork = forkID }
}

// New constructs an envelope with a fresh id and the current timestamp.
// Payload should be a pointer to one of the payload structs matching typ.
func New(typ MessageType, session, sender string, payload any, opts ...Option) *Envelope {
	e := &Envelope{
		Version:   Version,
		ID:        NewID(),
		Timestamp: Now(),
		Session:   session,
		Sender:    sender,
		Type:      typ,
		Payload:   payload,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validation errors surfaced by Envelope.Validate.
var (
	ErrMissingID      = errors.New("envelope missing id")
	ErrMissingSession = errors.New("envelope missing session")
	ErrMissingSender  = errors.New("envelope missing sender")
	ErrMissingType    = errors.New("envelope missing type")
)

// Validate checks the fields every inbound envelope must carry. Payload
// shape is checked separately during decode.
func (e *Envelope) Validate() error {
	switch {
	case e.ID == "":
		return ErrMissingID
	case e.Session == "":
		return ErrMissingSession
	case e.Sender == "":
		return ErrMissingSender
	case e.Type == "":
		return ErrMissingType
	case !e.Type.Valid():
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}
