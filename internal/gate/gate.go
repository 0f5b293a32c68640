// Package gate implements the approval-gate state machine: quorum
// evaluation, approval accumulation and timeouts for proposed actions.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/protocol"
)

// Engine errors.
var (
	ErrNotFound = errors.New("gate not found")
)

// NoEligibleApprovers is the rejection reason when a quorum can never be
// met because nobody in the session may approve.
const NoEligibleApprovers = "no eligible approvers"

// Status is a gate's lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Request describes the action a gate protects.
type Request struct {
	SessionID   string
	GateID      string
	ActionType  string
	ActionRef   string
	RequestedBy string
	Quorum      protocol.QuorumRule
	Timeout     time.Duration
	Message     string
}

// Gate accumulates approvals for one request until it terminates.
type Gate struct {
	Request    Request
	Approvals  map[string]string // participant id -> comment
	Rejections map[string]string // participant id -> reason
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero when no timeout is armed

	timer *time.Timer
}

// snapshot returns a timer-free copy safe to hand out.
func (g *Gate) snapshot() Gate {
	out := Gate{
		Request:    g.Request,
		Approvals:  make(map[string]string, len(g.Approvals)),
		Rejections: make(map[string]string, len(g.Rejections)),
		CreatedAt:  g.CreatedAt,
		ExpiresAt:  g.ExpiresAt,
	}
	for k, v := range g.Approvals {
		out.Approvals[k] = v
	}
	for k, v := range g.Rejections {
		out.Rejections[k] = v
	}
	return out
}

// Outcome reports the gate's state after an operation.
type Outcome struct {
	Status Status
	Gate   Gate
	Reason string
}

// Engine owns all pending gates. Terminated gates are removed and never
// reappear; their ids stay burned because they are ULIDs.
type Engine struct {
	mu     sync.Mutex
	gates  map[string]*Gate
	logger *slog.Logger
	now    func() time.Time

	// onExpire runs outside the engine lock when a gate times out.
	onExpire func(Gate)
}

// NewEngine returns an engine. onExpire may be nil when timeouts are
// handled by sweeps alone.
func NewEngine(logger *slog.Logger, onExpire func(Gate)) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		gates:    make(map[string]*Gate),
		logger:   logger,
		now:      time.Now,
		onExpire: onExpire,
	}
}

// Open creates a gate for the request. If nobody among participants could
// ever satisfy the quorum, no gate is stored and the outcome is an
// immediate rejection. A positive timeout arms a timer.
func (e *Engine) Open(req Request, participants []protocol.ParticipantInfo) (Outcome, error) {
	if err := req.Quorum.Validate(); err != nil {
		return Outcome{}, err
	}
	if req.GateID == "" {
		req.GateID = protocol.NewID()
	}

	if len(EligibleApprovers(req.Quorum, participants)) == 0 {
		g := Gate{Request: req, CreatedAt: e.now().UTC(), Rejections: map[string]string{}}
		return Outcome{Status: StatusRejected, Gate: g, Reason: NoEligibleApprovers}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	g := &Gate{
		Request:    req,
		Approvals:  make(map[string]string),
		Rejections: make(map[string]string),
		CreatedAt:  e.now().UTC(),
	}
	if req.Timeout > 0 {
		g.ExpiresAt = g.CreatedAt.Add(req.Timeout)
		id := req.GateID
		g.timer = time.AfterFunc(req.Timeout, func() { e.expire(id) })
	}
	e.gates[req.GateID] = g
	return Outcome{Status: StatusOpen, Gate: g.snapshot()}, nil
}

// Approve records one participant's approval (idempotent) and evaluates
// the quorum. A met quorum terminates the gate as approved.
func (e *Engine) Approve(gateID, participantID, comment string, participants []protocol.ParticipantInfo) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[gateID]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrNotFound, gateID)
	}
	g.Approvals[participantID] = comment

	met, reason := Evaluate(g.Request.Quorum, g.Approvals, participants)
	if !met {
		return Outcome{Status: StatusOpen, Gate: g.snapshot(), Reason: reason}, nil
	}
	e.terminateLocked(gateID, g)
	return Outcome{Status: StatusApproved, Gate: g.snapshot()}, nil
}

// Reject terminates the gate immediately regardless of accumulated
// approvals.
func (e *Engine) Reject(gateID, participantID, reason string) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[gateID]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrNotFound, gateID)
	}
	g.Rejections[participantID] = reason
	e.terminateLocked(gateID, g)
	return Outcome{Status: StatusRejected, Gate: g.snapshot(), Reason: reason}, nil
}

// Get returns a snapshot of a pending gate.
func (e *Engine) Get(gateID string) (Gate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[gateID]
	if !ok {
		return Gate{}, false
	}
	return g.snapshot(), true
}

// FindByActionRef locates the pending gate protecting a proposal.
func (e *Engine) FindByActionRef(sessionID, actionRef string) (Gate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, g := range e.gates {
		if g.Request.SessionID == sessionID && g.Request.ActionRef == actionRef {
			return g.snapshot(), true
		}
	}
	return Gate{}, false
}

// PendingForSession returns snapshots of a session's open gates.
func (e *Engine) PendingForSession(sessionID string) []Gate {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Gate
	for _, g := range e.gates {
		if g.Request.SessionID == sessionID {
			out = append(out, g.snapshot())
		}
	}
	return out
}

// CloseSession drops all gates of an ended session without firing their
// timers.
func (e *Engine) CloseSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, g := range e.gates {
		if g.Request.SessionID == sessionID {
			e.terminateLocked(id, g)
		}
	}
}

// SweepExpired is the janitor failsafe: it terminates and returns gates
// whose deadline passed without the timer firing.
func (e *Engine) SweepExpired(now time.Time) []Gate {
	e.mu.Lock()
	var expired []Gate
	for id, g := range e.gates {
		if !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt) {
			expired = append(expired, g.snapshot())
			e.terminateLocked(id, g)
		}
	}
	e.mu.Unlock()
	return expired
}

// expire is the timer path. The callback runs outside the lock.
func (e *Engine) expire(gateID string) {
	e.mu.Lock()
	g, ok := e.gates[gateID]
	if !ok {
		e.mu.Unlock()
		return
	}
	snap := g.snapshot()
	e.terminateLocked(gateID, g)
	e.mu.Unlock()

	e.logger.Info("gate expired", "gate", gateID, "action_ref", snap.Request.ActionRef)
	if e.onExpire != nil {
		e.onExpire(snap)
	}
}

func (e *Engine) terminateLocked(gateID string, g *Gate) {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	delete(e.gates, gateID)
}

// EligibleApprovers returns the participant ids that count toward the
// quorum: for the role variant, carriers of the named role; for specific,
// the listed participants present in the session; otherwise carriers of
// the approver role or the approve capability.
func EligibleApprovers(rule protocol.QuorumRule, participants []protocol.ParticipantInfo) []string {
	var out []string
	switch rule.Type {
	case protocol.QuorumRole:
		for _, p := range participants {
			if p.HasRole(rule.Role) {
				out = append(out, p.ID)
			}
		}
	case protocol.QuorumSpecific:
		present := make(map[string]bool, len(participants))
		for _, p := range participants {
			present[p.ID] = true
		}
		for _, id := range rule.Participants {
			if present[id] {
				out = append(out, id)
			}
		}
	default:
		for _, p := range participants {
			if p.HasRole(protocol.RoleApprover) || p.HasCapability(protocol.CapApprove) {
				out = append(out, p.ID)
			}
		}
	}
	return out
}

// Evaluate applies the quorum rule to the accumulated approvals. Only
// approvals from eligible participants count. The reason explains an unmet
// quorum.
func Evaluate(rule protocol.QuorumRule, approvals map[string]string, participants []protocol.ParticipantInfo) (met bool, reason string) {
	eligible := EligibleApprovers(rule, participants)
	if len(eligible) == 0 {
		return false, NoEligibleApprovers
	}
	count := 0
	approvedBy := make(map[string]bool, len(approvals))
	for id := range approvals {
		approvedBy[id] = true
	}
	for _, id := range eligible {
		if approvedBy[id] {
			count++
		}
	}

	switch rule.Type {
	case protocol.QuorumAny:
		if count >= rule.Count {
			return true, ""
		}
		return false, fmt.Sprintf("%d of %d approvals", count, rule.Count)
	case protocol.QuorumRole:
		if count >= rule.Count {
			return true, ""
		}
		return false, fmt.Sprintf("%d of %d approvals from role %q", count, rule.Count, rule.Role)
	case protocol.QuorumAll, protocol.QuorumSpecific:
		if count == len(eligible) {
			return true, ""
		}
		return false, fmt.Sprintf("%d of %d required approvers", count, len(eligible))
	case protocol.QuorumMajority:
		if count*2 > len(eligible) {
			return true, ""
		}
		return false, fmt.Sprintf("%d of %d eligible, majority needed", count, len(eligible))
	default:
		return false, fmt.Sprintf("unknown quorum type %q", rule.Type)
	}
}
