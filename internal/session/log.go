package session

import (
	"errors"
	"sync"

	"github.com/parleyhq/parley/pkg/protocol"
)

// ErrDuplicateID is returned when an envelope id is already in the log.
var ErrDuplicateID = errors.New("duplicate envelope id")

// Log is a session's append-only event log. In total ordering mode it also
// owns the sequence counter.
type Log struct {
	mu      sync.RWMutex
	entries []*protocol.Envelope
	index   map[string]int
	seq     uint64
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{index: make(map[string]int)}
}

// Append records an envelope. When assignSeq is true and the envelope has
// no sequence number yet, the next one is assigned (starting at 1). Past
// entries are never mutated.
func (l *Log) Append(env *protocol.Envelope, assignSeq bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.index[env.ID]; exists {
		return ErrDuplicateID
	}
	if assignSeq && env.Seq == 0 {
		l.seq++
		env.Seq = l.seq
	}
	l.index[env.ID] = len(l.entries)
	l.entries = append(l.entries, env)
	return nil
}

// Get returns the envelope with the given id.
func (l *Log) Get(id string) (*protocol.Envelope, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return nil, false
	}
	return l.entries[i], true
}

// Has reports whether an envelope id is present.
func (l *Log) Has(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[id]
	return ok
}

// Entries returns a snapshot of the log in append order.
func (l *Log) Entries() []*protocol.Envelope {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*protocol.Envelope, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Seq returns the last assigned sequence number.
func (l *Log) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}
