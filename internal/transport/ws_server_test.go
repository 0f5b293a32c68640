package transport

import (
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/protocol"
)

// collector gathers handler callbacks with synchronization for assertions.
type collector struct {
	mu       sync.Mutex
	messages []*protocol.Envelope
	closes   []string
	gotMsg   chan struct{}
	gotClose chan struct{}
}

func newCollector() *collector {
	return &collector{
		gotMsg:   make(chan struct{}, 16),
		gotClose: make(chan struct{}, 16),
	}
}

func (c *collector) onMessage(_ Conn, env *protocol.Envelope) {
	c.mu.Lock()
	c.messages = append(c.messages, env)
	c.mu.Unlock()
	c.gotMsg <- struct{}{}
}

func (c *collector) onClose(participantID string) {
	c.mu.Lock()
	c.closes = append(c.closes, participantID)
	c.mu.Unlock()
	c.gotClose <- struct{}{}
}

func wait(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func startTestServer(t *testing.T) (*Server, *collector, string) {
	t.Helper()
	col := newCollector()
	registry := NewRegistry(slog.Default())
	srv := NewServer(registry, slog.Default(), col.onMessage, col.onClose)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, col, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func joinEnvelope(sender string) *protocol.Envelope {
	return protocol.New(protocol.TypeSessionJoin, "sess-1", sender, &protocol.SessionJoinPayload{
		Participant: protocol.ParticipantInfo{
			ID:   sender,
			Name: sender,
			Type: protocol.ParticipantHuman,
		},
		SupportedVersions: []int{protocol.Version},
	})
}

func TestFirstFrameBindsParticipant(t *testing.T) {
	srv, col, url := startTestServer(t)

	client := NewClient(url, slog.Default())
	if err := client.Dial(); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.Send(joinEnvelope("alice")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	wait(t, col.gotMsg, "first frame")

	if _, ok := srv.Registry().Get("alice"); !ok {
		t.Fatal("participant not registered after first frame")
	}
	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.messages) != 1 || col.messages[0].Type != protocol.TypeSessionJoin {
		t.Fatalf("first frame not delivered to handler: %+v", col.messages)
	}
}

func TestCloseDeregistersAndNotifies(t *testing.T) {
	srv, col, url := startTestServer(t)

	client := NewClient(url, slog.Default())
	if err := client.Dial(); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := client.Send(joinEnvelope("bob")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	wait(t, col.gotMsg, "join frame")

	client.Close()
	wait(t, col.gotClose, "close callback")

	if _, ok := srv.Registry().Get("bob"); ok {
		t.Fatal("connection still registered after close")
	}
	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.closes) != 1 || col.closes[0] != "bob" {
		t.Fatalf("close callback got %v", col.closes)
	}
}

func TestServerToClientDelivery(t *testing.T) {
	srv, col, url := startTestServer(t)

	received := make(chan *protocol.Envelope, 1)
	client := NewClient(url, slog.Default())
	client.OnMessage(func(env *protocol.Envelope) {
		received <- env
	})
	if err := client.Dial(); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.Send(joinEnvelope("carol")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	wait(t, col.gotMsg, "join frame")

	out := protocol.New(protocol.TypePresenceUpdate, "sess-1", protocol.SenderSystem, &protocol.PresenceUpdatePayload{
		ParticipantID: "carol",
		Presence:      protocol.PresenceActive,
	})
	srv.Registry().Broadcast(out, nil)

	select {
	case env := <-received:
		if env.Type != protocol.TypePresenceUpdate {
			t.Fatalf("got %s, want presence.update", env.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client never received broadcast")
	}
}

func TestBroadcastFilter(t *testing.T) {
	registry := NewRegistry(slog.Default())
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	registry.Register("a", a)
	registry.Register("b", b)

	env := protocol.New(protocol.TypeContextAdd, "s", protocol.SenderSystem, &protocol.ContextAddPayload{})
	registry.Broadcast(env, func(id string) bool { return id == "b" })

	if len(a.sent) != 0 {
		t.Errorf("filtered recipient got %d envelopes", len(a.sent))
	}
	if len(b.sent) != 1 {
		t.Errorf("target recipient got %d envelopes", len(b.sent))
	}
}

func TestBroadcastSurvivesFailedRecipient(t *testing.T) {
	registry := NewRegistry(slog.Default())
	bad := &fakeConn{id: "bad", fail: true}
	good := &fakeConn{id: "good"}
	registry.Register("bad", bad)
	registry.Register("good", good)

	env := protocol.New(protocol.TypePresenceUpdate, "s", protocol.SenderSystem, &protocol.PresenceUpdatePayload{})
	registry.Broadcast(env, nil)

	if len(good.sent) != 1 {
		t.Fatalf("healthy recipient got %d envelopes, want 1", len(good.sent))
	}
}

type fakeConn struct {
	id   string
	fail bool
	sent []*protocol.Envelope
}

func (f *fakeConn) Send(env *protocol.Envelope) error {
	if f.fail {
		return ErrSendBuffer
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) Close() error          { return nil }
func (f *fakeConn) IsConnected() bool     { return true }
func (f *fakeConn) ParticipantID() string { return f.id }
