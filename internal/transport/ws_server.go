package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/pkg/protocol"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendQueueSize   = 64
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Server accepts WebSocket connections and feeds decoded envelopes to the
// message handler. Connections stay anonymous until their first frame; its
// sender field binds the participant id into the registry, then the frame
// flows onward like any other.
type Server struct {
	registry  *Registry
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	onMessage MessageHandler
	onClose   CloseHandler
}

// NewServer creates a WebSocket accept handler over the given registry.
func NewServer(registry *Registry, logger *slog.Logger, onMessage MessageHandler, onClose CloseHandler) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		onMessage: onMessage,
		onClose:   onClose,
	}
}

// Registry exposes the connection registry for broadcast fan-out.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &serverConn{
		id:     uuid.NewString(),
		server: s,
		ws:     ws,
		send:   make(chan []byte, wsSendQueueSize),
		done:   make(chan struct{}),
	}
	c.connected.Store(true)
	s.logger.Debug("connection accepted", "conn", c.id, "remote", r.RemoteAddr)
	c.run()
}

// Close tears down every live connection.
func (s *Server) Close() {
	s.registry.CloseAll()
}

// serverConn is one accepted connection with a single writer goroutine
// draining its send queue. The id identifies the connection in logs before
// the first frame binds a participant.
type serverConn struct {
	id     string
	server *Server
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}

	connected   atomic.Bool
	closeOnce   sync.Once
	participant atomic.Value // string, set by the first frame
}

func (c *serverConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		_ = c.ws.Close()

		id := c.ParticipantID()
		if id == "" {
			return
		}
		if c.server.registry.Deregister(id, c) && c.server.onClose != nil {
			c.server.onClose(id)
		}
	})
}

func (c *serverConn) readLoop() {
	c.ws.SetReadLimit(wsMaxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.server.logger.Warn("dropping undecodable frame",
				"conn", c.id, "participant", c.ParticipantID(), "error", err)
			c.sendProtocolError(err)
			continue
		}
		if err := env.Validate(); err != nil {
			c.sendProtocolError(err)
			continue
		}

		// The first valid frame binds this connection.
		if c.ParticipantID() == "" {
			c.participant.Store(env.Sender)
			c.server.registry.Register(env.Sender, c)
		}

		if c.server.onMessage != nil {
			c.server.onMessage(c, env)
		}
	}
}

func (c *serverConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// Send implements Conn.
func (c *serverConn) Send(env *protocol.Envelope) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		return ErrSendBuffer
	}
}

// Close implements Conn.
func (c *serverConn) Close() error {
	c.close()
	return nil
}

// IsConnected implements Conn.
func (c *serverConn) IsConnected() bool {
	return c.connected.Load()
}

// ParticipantID implements Conn.
func (c *serverConn) ParticipantID() string {
	if v := c.participant.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// sendProtocolError answers a malformed frame with an INVALID_MESSAGE
// error envelope. Best effort: an unbound or saturated connection just
// drops it.
func (c *serverConn) sendProtocolError(cause error) {
	env := protocol.NewError("", protocol.ErrCodeInvalidMessage, cause.Error(), true, "")
	if err := c.Send(env); err != nil {
		c.server.logger.Debug("could not deliver protocol error", "error", err)
	}
}
