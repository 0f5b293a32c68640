package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/pkg/protocol"
)

const (
	reconnectBase        = time.Second
	reconnectCap         = 30 * time.Second
	maxReconnectAttempts = 10
)

// Client is a reconnecting WebSocket client for broker participants. On an
// unexpected close it redials with exponential backoff (base 1s, doubling,
// capped) up to a fixed number of attempts; Close inhibits any further
// reconnects.
type Client struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	connected atomic.Bool
	closed    atomic.Bool

	onMessage func(*protocol.Envelope)
	onClose   func()
}

// NewClient prepares a client for the given ws:// or wss:// URL.
func NewClient(url string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{url: url, logger: logger}
}

// OnMessage sets the inbound envelope handler. Set before Dial.
func (c *Client) OnMessage(fn func(*protocol.Envelope)) {
	c.onMessage = fn
}

// OnClose sets the handler fired when the connection is lost for good
// (explicit Close or reconnect attempts exhausted).
func (c *Client) OnClose(fn func()) {
	c.onClose = fn
}

// Dial connects and starts the read/write loops.
func (c *Client) Dial() error {
	if c.closed.Load() {
		return ErrClosed
	}
	ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.start(ws)
	return nil
}

func (c *Client) start(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.send = make(chan []byte, wsSendQueueSize)
	c.done = make(chan struct{})
	c.mu.Unlock()
	c.connected.Store(true)

	go c.writeLoop(ws, c.send, c.done)
	go c.readLoop(ws, c.done)
}

func (c *Client) readLoop(ws *websocket.Conn, done chan struct{}) {
	ws.SetReadLimit(wsMaxPayloadBytes)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		_ = ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
		return nil
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			close(done)
			_ = ws.Close()
			c.maybeReconnect()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(env)
		}
	}
}

func (c *Client) writeLoop(ws *websocket.Conn, send chan []byte, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// maybeReconnect redials with exponential backoff unless Close was called.
func (c *Client) maybeReconnect() {
	if c.closed.Load() {
		c.fireClose()
		return
	}
	backoff := reconnectBase
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		time.Sleep(backoff)
		if c.closed.Load() {
			c.fireClose()
			return
		}
		ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err == nil {
			c.logger.Info("reconnected", "url", c.url, "attempt", attempt)
			c.start(ws)
			return
		}
		c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
	c.logger.Error("reconnect attempts exhausted", "url", c.url)
	c.fireClose()
}

func (c *Client) fireClose() {
	if c.onClose != nil {
		c.onClose()
	}
}

// Send queues an envelope for delivery.
func (c *Client) Send(env *protocol.Envelope) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	send, done := c.send, c.done
	c.mu.Unlock()
	select {
	case send <- data:
		return nil
	case <-done:
		return ErrNotConnected
	default:
		return ErrSendBuffer
	}
}

// IsConnected reports whether the client currently holds a live socket.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close shuts the connection down and inhibits reconnects.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.connected.Store(false)
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		_ = ws.Close()
	}
	return nil
}
