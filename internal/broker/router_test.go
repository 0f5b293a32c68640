package broker

import (
	"log/slog"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/transport"
	"github.com/parleyhq/parley/pkg/protocol"
)

// fakeConn collects everything the router sends to one participant.
type fakeConn struct {
	id   string
	recv chan *protocol.Envelope
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, recv: make(chan *protocol.Envelope, 256)}
}

func (c *fakeConn) Send(env *protocol.Envelope) error {
	c.recv <- env
	return nil
}

func (c *fakeConn) Close() error          { return nil }
func (c *fakeConn) IsConnected() bool     { return true }
func (c *fakeConn) ParticipantID() string { return c.id }

// next waits for the next envelope of the given type, skipping others
// (heartbeats, presence noise).
func (c *fakeConn) next(t *testing.T, typ protocol.MessageType) *protocol.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-c.recv:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", typ, c.id)
			return nil
		}
	}
}

// expectNone asserts no envelope of the given type arrives soon.
func (c *fakeConn) expectNone(t *testing.T, typ protocol.MessageType) {
	t.Helper()
	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case env := <-c.recv:
			if env.Type == typ {
				t.Fatalf("unexpected %s on %s", typ, c.id)
			}
		case <-deadline:
			return
		}
	}
}

type testBroker struct {
	router   *Router
	conns    *transport.Registry
	sessions *session.Registry
}

func newTestBroker(t *testing.T, token string) *testBroker {
	t.Helper()
	logger := slog.Default()
	sessions := session.NewRegistry(logger)
	conns := transport.NewRegistry(logger)
	router := NewRouter(RouterOptions{
		Sessions:  sessions,
		Conns:     conns,
		Logger:    logger,
		Defaults:  protocol.DefaultSessionConfig(),
		AuthToken: token,
	})
	t.Cleanup(router.Close)
	return &testBroker{router: router, conns: conns, sessions: sessions}
}

// connect registers a fake connection and joins it to the session.
func (b *testBroker) connect(t *testing.T, sessionID string, info protocol.ParticipantInfo) *fakeConn {
	t.Helper()
	return b.connectToken(t, sessionID, info, "")
}

func (b *testBroker) connectToken(t *testing.T, sessionID string, info protocol.ParticipantInfo, token string) *fakeConn {
	t.Helper()
	conn := newFakeConn(info.ID)
	b.conns.Register(info.ID, conn)
	join := protocol.New(protocol.TypeSessionJoin, sessionID, info.ID,
		&protocol.SessionJoinPayload{
			Participant:       info,
			SupportedVersions: []int{protocol.Version},
			Token:             token,
		})
	b.router.HandleMessage(conn, join)
	return conn
}

func human(id string, caps ...protocol.Capability) protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		ID:           id,
		Name:         id,
		Type:         protocol.ParticipantHuman,
		Capabilities: caps,
	}
}

func agent(id string) protocol.ParticipantInfo {
	return protocol.ParticipantInfo{ID: id, Name: id, Type: protocol.ParticipantAgent}
}

func TestJoinAnnouncesAndReplays(t *testing.T) {
	b := newTestBroker(t, "")

	h1 := b.connect(t, "sess-1", human("h1", protocol.CapPrompt))
	announce := h1.next(t, protocol.TypeParticipantAnnounce)
	p := announce.Payload.(*protocol.ParticipantAnnouncePayload)
	if p.Participant.ID != "h1" {
		t.Errorf("announce participant = %q", p.Participant.ID)
	}

	h2 := b.connect(t, "sess-1", human("h2"))
	// Everyone sees the new join.
	if p := h1.next(t, protocol.TypeParticipantAnnounce).Payload.(*protocol.ParticipantAnnouncePayload); p.Participant.ID != "h2" {
		t.Errorf("h1 saw announce for %q", p.Participant.ID)
	}
	// The joiner sees its own announce plus a replayed one for h1.
	seen := map[string]bool{}
	seen[h2.next(t, protocol.TypeParticipantAnnounce).Payload.(*protocol.ParticipantAnnouncePayload).Participant.ID] = true
	seen[h2.next(t, protocol.TypeParticipantAnnounce).Payload.(*protocol.ParticipantAnnouncePayload).Participant.ID] = true
	if !seen["h1"] || !seen["h2"] {
		t.Errorf("h2 replay incomplete: %v", seen)
	}
}

func TestJoinReplaysVisibleContext(t *testing.T) {
	b := newTestBroker(t, "")
	h1 := b.connect(t, "sess-ctx", human("h1"))
	h1.next(t, protocol.TypeParticipantAnnounce)

	add := protocol.New(protocol.TypeContextAdd, "sess-ctx", "h1",
		&protocol.ContextAddPayload{Item: protocol.ContextItem{
			Key: "notes", ContentType: protocol.ContentText, Content: "agenda",
		}})
	b.router.HandleMessage(nil, add)
	h1.next(t, protocol.TypeContextAdd)

	h2 := b.connect(t, "sess-ctx", human("h2"))
	replayed := h2.next(t, protocol.TypeContextAdd)
	item := replayed.Payload.(*protocol.ContextAddPayload).Item
	if item.Key != "notes" || item.ContentRef == nil {
		t.Errorf("replayed item = %+v", item)
	}
}

func TestVersionMismatchRejectsJoin(t *testing.T) {
	b := newTestBroker(t, "")
	conn := newFakeConn("h1")
	b.conns.Register("h1", conn)
	join := protocol.New(protocol.TypeSessionJoin, "sess-v", "h1",
		&protocol.SessionJoinPayload{
			Participant:       human("h1"),
			SupportedVersions: []int{99},
		})
	b.router.HandleMessage(conn, join)

	errEnv := conn.next(t, protocol.TypeError)
	p := errEnv.Payload.(*protocol.ErrorPayload)
	if p.Code != protocol.ErrCodeInvalidMessage {
		t.Errorf("code = %s", p.Code)
	}
	if _, exists := b.sessions.Get("sess-v"); exists {
		t.Error("session created despite rejected join")
	}
}

func TestJoinTokenCheck(t *testing.T) {
	b := newTestBroker(t, "hunter2")

	bad := newFakeConn("h1")
	b.conns.Register("h1", bad)
	join := protocol.New(protocol.TypeSessionJoin, "sess-t", "h1",
		&protocol.SessionJoinPayload{
			Participant:       human("h1"),
			SupportedVersions: []int{protocol.Version},
			Token:             "wrong",
		})
	b.router.HandleMessage(bad, join)
	if p := bad.next(t, protocol.TypeError).Payload.(*protocol.ErrorPayload); p.Code != protocol.ErrCodeUnauthorized {
		t.Errorf("code = %s", p.Code)
	}

	good := b.connectToken(t, "sess-t", human("h2"), "hunter2")
	good.next(t, protocol.TypeParticipantAnnounce)
}

func TestAutoApprovedProposalEmitsExecute(t *testing.T) {
	b := newTestBroker(t, "")
	h := b.connect(t, "sess-a", human("h1", protocol.CapPrompt))
	h.next(t, protocol.TypeParticipantAnnounce)
	a := b.connect(t, "sess-a", agent("agent-1"))
	a.next(t, protocol.TypeParticipantAnnounce)

	propose := protocol.New(protocol.TypeToolPropose, "sess-a", "agent-1",
		&protocol.ToolProposePayload{
			ToolName:         "shell",
			Category:         protocol.CategoryFileRead,
			RiskLevel:        protocol.RiskSafe,
			RequiresApproval: false,
		})
	b.router.HandleMessage(nil, propose)

	h.next(t, protocol.TypeToolPropose)
	execute := a.next(t, protocol.TypeToolExecute)
	if execute.Ref != propose.ID {
		t.Errorf("execute ref = %q, want proposal id", execute.Ref)
	}
	if execute.Payload.(*protocol.ToolExecutePayload).Target != "agent-1" {
		t.Errorf("execute target = %q", execute.Payload.(*protocol.ToolExecutePayload).Target)
	}
	a.expectNone(t, protocol.TypeGateRequest)
}

func TestGatedProposalApprovedFlow(t *testing.T) {
	b := newTestBroker(t, "")
	approver := b.connect(t, "sess-g", human("boss", protocol.CapApprove))
	approver.next(t, protocol.TypeParticipantAnnounce)
	a := b.connect(t, "sess-g", agent("agent-1"))
	a.next(t, protocol.TypeParticipantAnnounce)

	propose := protocol.New(protocol.TypeToolPropose, "sess-g", "agent-1",
		&protocol.ToolProposePayload{
			ToolName:         "shell",
			Category:         protocol.CategoryFileWrite,
			RiskLevel:        protocol.RiskMedium,
			RequiresApproval: true,
		})
	b.router.HandleMessage(nil, propose)

	request := approver.next(t, protocol.TypeGateRequest)
	gateID := request.Payload.(*protocol.GateRequestPayload).GateID
	if request.Payload.(*protocol.GateRequestPayload).ActionRef != propose.ID {
		t.Errorf("gate action ref = %q", request.Payload.(*protocol.GateRequestPayload).ActionRef)
	}

	approve := protocol.New(protocol.TypeGateApprove, "sess-g", "boss",
		&protocol.GateApprovePayload{GateID: gateID, Comment: "go ahead"})
	b.router.HandleMessage(nil, approve)

	a.next(t, protocol.TypeGateApprove)
	execute := a.next(t, protocol.TypeToolExecute)
	if execute.Ref != propose.ID {
		t.Errorf("execute ref = %q", execute.Ref)
	}
}

func TestGatedProposalRejectedFlow(t *testing.T) {
	b := newTestBroker(t, "")
	approver := b.connect(t, "sess-r", human("boss", protocol.CapApprove))
	approver.next(t, protocol.TypeParticipantAnnounce)
	a := b.connect(t, "sess-r", agent("agent-1"))
	a.next(t, protocol.TypeParticipantAnnounce)

	propose := protocol.New(protocol.TypeToolPropose, "sess-r", "agent-1",
		&protocol.ToolProposePayload{
			ToolName:         "shell",
			RequiresApproval: true,
			Category:         protocol.CategoryShellExecute,
		})
	b.router.HandleMessage(nil, propose)
	gateID := a.next(t, protocol.TypeGateRequest).Payload.(*protocol.GateRequestPayload).GateID

	reject := protocol.New(protocol.TypeGateReject, "sess-r", "boss",
		&protocol.GateRejectPayload{GateID: gateID, Reason: "not today"})
	b.router.HandleMessage(nil, reject)

	got := a.next(t, protocol.TypeGateReject)
	if got.Payload.(*protocol.GateRejectPayload).Reason != "not today" {
		t.Errorf("reason = %q", got.Payload.(*protocol.GateRejectPayload).Reason)
	}
	a.expectNone(t, protocol.TypeToolExecute)
}

func TestForgedToolExecuteRejected(t *testing.T) {
	b := newTestBroker(t, "")
	approver := b.connect(t, "sess-forge", human("boss", protocol.CapApprove))
	approver.next(t, protocol.TypeParticipantAnnounce)
	mallory := b.connect(t, "sess-forge", human("mallory"))
	mallory.next(t, protocol.TypeParticipantAnnounce)
	a := b.connect(t, "sess-forge", agent("agent-1"))
	a.next(t, protocol.TypeParticipantAnnounce)

	propose := protocol.New(protocol.TypeToolPropose, "sess-forge", "agent-1",
		&protocol.ToolProposePayload{
			ToolName:         "shell",
			Category:         protocol.CategoryShellExecute,
			RequiresApproval: true,
		})
	b.router.HandleMessage(nil, propose)
	a.next(t, protocol.TypeGateRequest)

	// A participant without approval rights sends tool.execute directly,
	// trying to skip the open gate.
	forged := protocol.New(protocol.TypeToolExecute, "sess-forge", "mallory",
		&protocol.ToolExecutePayload{Target: "agent-1"}, protocol.WithRef(propose.ID))
	b.router.HandleMessage(nil, forged)

	if p := mallory.next(t, protocol.TypeError).Payload.(*protocol.ErrorPayload); p.Code != protocol.ErrCodeUnauthorized {
		t.Errorf("code = %s", p.Code)
	}
	a.expectNone(t, protocol.TypeToolExecute)

	s, _ := b.sessions.Get("sess-forge")
	if s.Log.Has(forged.ID) {
		t.Error("forged tool.execute was appended")
	}
	if _, open := b.router.Gates().FindByActionRef("sess-forge", propose.ID); !open {
		t.Error("gate closed by forged execute")
	}

	// The broker's own execute still flows after a real approval.
	b.router.HandleMessage(nil, protocol.New(protocol.TypeToolApprove, "sess-forge", "boss",
		&protocol.ToolApprovePayload{}, protocol.WithRef(propose.ID)))
	execute := a.next(t, protocol.TypeToolExecute)
	if execute.Sender != protocol.SenderSystem || execute.Ref != propose.ID {
		t.Errorf("execute sender = %q ref = %q", execute.Sender, execute.Ref)
	}
}

func TestToolRejectAliasSynthesizesGateReject(t *testing.T) {
	b := newTestBroker(t, "")
	approver := b.connect(t, "sess-alias", human("boss", protocol.CapApprove))
	approver.next(t, protocol.TypeParticipantAnnounce)
	a := b.connect(t, "sess-alias", agent("agent-1"))
	a.next(t, protocol.TypeParticipantAnnounce)

	propose := protocol.New(protocol.TypeToolPropose, "sess-alias", "agent-1",
		&protocol.ToolProposePayload{ToolName: "shell", RequiresApproval: true})
	b.router.HandleMessage(nil, propose)
	a.next(t, protocol.TypeGateRequest)

	reject := protocol.New(protocol.TypeToolReject, "sess-alias", "boss",
		&protocol.ToolRejectPayload{Reason: "risky"},
		protocol.WithRef(propose.ID))
	b.router.HandleMessage(nil, reject)

	a.next(t, protocol.TypeToolReject)
	synth := a.next(t, protocol.TypeGateReject)
	if synth.Sender != protocol.SenderSystem {
		t.Errorf("synthesized reject sender = %q", synth.Sender)
	}
	if synth.Payload.(*protocol.GateRejectPayload).Reason != "risky" {
		t.Errorf("reason = %q", synth.Payload.(*protocol.GateRejectPayload).Reason)
	}
}

func TestNoEligibleApproversRejectsImmediately(t *testing.T) {
	b := newTestBroker(t, "")
	// Nobody in the session can approve.
	a := b.connect(t, "sess-none", agent("agent-1"))
	a.next(t, protocol.TypeParticipantAnnounce)

	propose := protocol.New(protocol.TypeToolPropose, "sess-none", "agent-1",
		&protocol.ToolProposePayload{ToolName: "shell", RequiresApproval: true})
	b.router.HandleMessage(nil, propose)

	a.next(t, protocol.TypeGateRequest)
	reject := a.next(t, protocol.TypeGateReject)
	if got := reject.Payload.(*protocol.GateRejectPayload).Reason; got != "no eligible approvers" {
		t.Errorf("reason = %q", got)
	}
	a.expectNone(t, protocol.TypeToolExecute)
}

func TestContextVisibilityFilter(t *testing.T) {
	b := newTestBroker(t, "")
	h1 := b.connect(t, "sess-vis", human("h1"))
	h1.next(t, protocol.TypeParticipantAnnounce)
	h2 := b.connect(t, "sess-vis", human("h2"))
	h2.next(t, protocol.TypeParticipantAnnounce)
	h1.next(t, protocol.TypeParticipantAnnounce) // h2's join

	add := protocol.New(protocol.TypeContextAdd, "sess-vis", "h1",
		&protocol.ContextAddPayload{Item: protocol.ContextItem{
			Key:         "private",
			ContentType: protocol.ContentText,
			Content:     "for h1 only",
			VisibleTo:   []string{"h1"},
		}})
	b.router.HandleMessage(nil, add)

	h1.next(t, protocol.TypeContextAdd)
	h2.expectNone(t, protocol.TypeContextAdd)

	// A later joiner outside the audience gets no replay of it either.
	h3 := b.connect(t, "sess-vis", human("h3"))
	h3.next(t, protocol.TypeParticipantAnnounce)
	h3.expectNone(t, protocol.TypeContextAdd)
}

func TestSecretShareRequiresAudience(t *testing.T) {
	b := newTestBroker(t, "")
	h1 := b.connect(t, "sess-sec", human("h1"))
	h1.next(t, protocol.TypeParticipantAnnounce)

	share := protocol.New(protocol.TypeSecretShare, "sess-sec", "h1",
		&protocol.SecretSharePayload{Key: "api-key", Value: "xyz"})
	b.router.HandleMessage(nil, share)
	if p := h1.next(t, protocol.TypeError).Payload.(*protocol.ErrorPayload); p.Code != protocol.ErrCodeInvalidMessage {
		t.Errorf("code = %s", p.Code)
	}
}

func TestSecretShareAndRevokeScopedDelivery(t *testing.T) {
	b := newTestBroker(t, "")
	h1 := b.connect(t, "sess-sec2", human("h1"))
	h1.next(t, protocol.TypeParticipantAnnounce)
	h2 := b.connect(t, "sess-sec2", human("h2"))
	h2.next(t, protocol.TypeParticipantAnnounce)
	h3 := b.connect(t, "sess-sec2", human("h3"))
	h3.next(t, protocol.TypeParticipantAnnounce)

	share := protocol.New(protocol.TypeSecretShare, "sess-sec2", "h1",
		&protocol.SecretSharePayload{Key: "token", Value: "s3cret", VisibleTo: []string{"h2"}})
	b.router.HandleMessage(nil, share)
	h1.next(t, protocol.TypeSecretShare)
	h2.next(t, protocol.TypeSecretShare)
	h3.expectNone(t, protocol.TypeSecretShare)

	revoke := protocol.New(protocol.TypeSecretRevoke, "sess-sec2", "h1",
		&protocol.SecretRevokePayload{Key: "token"})
	b.router.HandleMessage(nil, revoke)
	h2.next(t, protocol.TypeSecretRevoke)
	h3.expectNone(t, protocol.TypeSecretRevoke)
}

func TestUnauthorizedPromptNotAppended(t *testing.T) {
	b := newTestBroker(t, "")
	h := b.connect(t, "sess-auth", human("h1")) // no prompt capability
	h.next(t, protocol.TypeParticipantAnnounce)

	prompt := protocol.New(protocol.TypePromptSubmit, "sess-auth", "h1",
		&protocol.PromptSubmitPayload{Content: "do it"})
	b.router.HandleMessage(nil, prompt)

	errEnv := h.next(t, protocol.TypeError)
	if p := errEnv.Payload.(*protocol.ErrorPayload); p.Code != protocol.ErrCodeUnauthorized {
		t.Errorf("code = %s", p.Code)
	}
	s, _ := b.sessions.Get("sess-auth")
	if s.Log.Has(prompt.ID) {
		t.Error("unauthorized prompt was appended")
	}
}

func TestSessionEndRequiresAdmin(t *testing.T) {
	b := newTestBroker(t, "")
	h := b.connect(t, "sess-end", human("h1"))
	h.next(t, protocol.TypeParticipantAnnounce)
	admin := b.connect(t, "sess-end", human("root", protocol.CapEndSession))
	admin.next(t, protocol.TypeParticipantAnnounce)
	h.next(t, protocol.TypeParticipantAnnounce)

	end := protocol.New(protocol.TypeSessionEnd, "sess-end", "h1",
		&protocol.SessionEndPayload{Reason: "done"})
	b.router.HandleMessage(nil, end)
	if p := h.next(t, protocol.TypeError).Payload.(*protocol.ErrorPayload); p.Code != protocol.ErrCodeUnauthorized {
		t.Errorf("code = %s", p.Code)
	}

	end = protocol.New(protocol.TypeSessionEnd, "sess-end", "root",
		&protocol.SessionEndPayload{Reason: "done", FinalState: protocol.FinalCompleted})
	b.router.HandleMessage(nil, end)
	h.next(t, protocol.TypeSessionEnd)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, exists := b.sessions.Get("sess-end"); !exists {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session still registered after end")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTotalOrderingAssignsContiguousSeq(t *testing.T) {
	b := newTestBroker(t, "")
	cfg := protocol.DefaultSessionConfig()
	cfg.OrderingMode = protocol.OrderingTotal
	if _, err := b.sessions.Create("sess-seq", "ordered", cfg); err != nil {
		t.Fatal(err)
	}

	h := b.connect(t, "sess-seq", human("h1", protocol.CapPrompt))
	h.next(t, protocol.TypeParticipantAnnounce)

	for i := 0; i < 3; i++ {
		prompt := protocol.New(protocol.TypePromptSubmit, "sess-seq", "h1",
			&protocol.PromptSubmitPayload{Content: "x"})
		b.router.HandleMessage(nil, prompt)
		h.next(t, protocol.TypePromptSubmit)
	}

	s, _ := b.sessions.Get("sess-seq")
	var last uint64
	for _, env := range s.Log.Entries() {
		if env.Seq != last+1 {
			t.Fatalf("seq %d after %d (type %s)", env.Seq, last, env.Type)
		}
		last = env.Seq
	}
	if last == 0 {
		t.Fatal("no sequence numbers assigned")
	}
}

func TestDisconnectSynthesizesLeave(t *testing.T) {
	b := newTestBroker(t, "")
	h1 := b.connect(t, "sess-dc", human("h1"))
	h1.next(t, protocol.TypeParticipantAnnounce)
	h2 := b.connect(t, "sess-dc", human("h2"))
	h2.next(t, protocol.TypeParticipantAnnounce)
	h1.next(t, protocol.TypeParticipantAnnounce)

	b.conns.Deregister("h2", b.mustConn(t, "h2"))
	b.router.HandleClose("h2")

	leave := h1.next(t, protocol.TypeSessionLeave)
	if leave.Sender != "h2" || leave.Payload.(*protocol.SessionLeavePayload).Reason != "disconnected" {
		t.Errorf("leave = sender %q reason %q", leave.Sender,
			leave.Payload.(*protocol.SessionLeavePayload).Reason)
	}
	presence := h1.next(t, protocol.TypePresenceUpdate)
	if p := presence.Payload.(*protocol.PresenceUpdatePayload); p.ParticipantID != "h2" || p.Presence != protocol.PresenceDisconnected {
		t.Errorf("presence = %+v", p)
	}
}

func (b *testBroker) mustConn(t *testing.T, id string) transport.Conn {
	t.Helper()
	c, ok := b.conns.Get(id)
	if !ok {
		t.Fatalf("no connection for %s", id)
	}
	return c
}

func TestUnknownSessionRejected(t *testing.T) {
	b := newTestBroker(t, "")
	conn := newFakeConn("h1")
	b.conns.Register("h1", conn)

	prompt := protocol.New(protocol.TypePromptSubmit, "sess-missing", "h1",
		&protocol.PromptSubmitPayload{Content: "hello"})
	b.router.HandleMessage(conn, prompt)
	if p := conn.next(t, protocol.TypeError).Payload.(*protocol.ErrorPayload); p.Code != protocol.ErrCodeSessionNotFound {
		t.Errorf("code = %s", p.Code)
	}
}
