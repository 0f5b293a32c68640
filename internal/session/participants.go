package session

import (
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/protocol"
)

// Participant is a member of a session plus its liveness bookkeeping.
type Participant struct {
	Info            protocol.ParticipantInfo
	Presence        protocol.Presence
	JoinedAt        time.Time
	LastHeartbeatAt time.Time
	LastActiveAt    time.Time
}

// Table tracks a session's participants.
type Table struct {
	mu sync.RWMutex
	m  map[string]*Participant
}

// NewTable returns an empty participant table.
func NewTable() *Table {
	return &Table{m: make(map[string]*Participant)}
}

// Add inserts or replaces a participant. A rejoining participant keeps its
// original join time but resets presence to active.
func (t *Table) Add(info protocol.ParticipantInfo) Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	p, ok := t.m[info.ID]
	if !ok {
		p = &Participant{JoinedAt: now}
		t.m[info.ID] = p
	}
	p.Info = info
	p.Presence = protocol.PresenceActive
	p.LastHeartbeatAt = now
	p.LastActiveAt = now
	return *p
}

// Remove deletes a participant, reporting whether it was present.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.m[id]
	delete(t.m, id)
	return ok
}

// Get returns a copy of the participant.
func (t *Table) Get(id string) (Participant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.m[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// List returns copies of all participants ordered by join time.
func (t *Table) List() []Participant {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Participant, 0, len(t.m))
	for _, p := range t.m {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].Info.ID < out[j].Info.ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// IDs returns all participant ids in no particular order.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.m))
	for id := range t.m {
		out = append(out, id)
	}
	return out
}

// Count returns the number of participants.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// SetRoles replaces a participant's role set.
func (t *Table) SetRoles(id string, roles []protocol.Role) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.m[id]
	if !ok {
		return false
	}
	p.Info.Roles = append([]protocol.Role(nil), roles...)
	return true
}

// TouchActive records inbound activity from a participant.
func (t *Table) TouchActive(id string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.m[id]; ok {
		p.LastActiveAt = at
	}
}

// TouchHeartbeat records a heartbeat pong.
func (t *Table) TouchHeartbeat(id string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.m[id]; ok {
		p.LastHeartbeatAt = at
	}
}

// SetPresence transitions a participant's presence. It reports whether the
// participant exists and whether the value actually changed; callers only
// broadcast on change.
func (t *Table) SetPresence(id string, presence protocol.Presence) (changed, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, exists := t.m[id]
	if !exists {
		return false, false
	}
	if p.Presence == presence {
		return false, true
	}
	p.Presence = presence
	return true, true
}
