package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go-social/internal/presence"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait   = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait.
)

type State int

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// Client is one live websocket connection. It registers at most once under the userId
// it was opened with and unregisters with its own handle when the read loop ends.
type Client struct {
	id       string
	userID   string
	conn     *websocket.Conn
	send     chan []byte
	relay    *Relay
	registry *presence.Registry
	metrics  *Metrics
	limiter  *rate.Limiter
	log      *slog.Logger
	// Not cancelled on disconnect, so an issued insert runs to completion.
	ctx context.Context

	mu    sync.Mutex
	state State
}

func (c *Client) ID() string { return c.id }

func (c *Client) UserID() string { return c.userID }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send queues payload for the write pump without blocking.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrSessionClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	close(c.send)
}

// activate registers the client; a client without a userId stays usable but unreachable.
func (c *Client) activate() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.mu.Unlock()

	if c.userID == "" {
		c.log.Debug("connection without userId, not registering")
		return
	}
	if prev := c.registry.Register(c.userID, c); prev != nil {
		c.log.Info("presence superseded by newer connection", "previous_connection_id", prev.ID())
	}
	c.metrics.online.Set(float64(c.registry.Len()))
	c.log.Info("user online")
}

func (c *Client) deactivate() {
	c.Close()
	if c.userID == "" {
		return
	}
	if c.registry.Unregister(c.userID, c.id) {
		c.log.Info("user offline")
	} else {
		c.log.Debug("stale connection closed, presence kept")
	}
	c.metrics.online.Set(float64(c.registry.Len()))
}

// ReadPump pumps events from the websocket connection to the relay.
func (c *Client) ReadPump(maxMessageSize int64) {
	defer func() {
		c.deactivate()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Debug("malformed frame", "error", err)
		return
	}

	switch env.Event {
	case EventSendMessage:
		if c.limiter != nil && !c.limiter.Allow() {
			c.metrics.rejected.Inc()
			c.log.Warn("send_message rate limited")
			return
		}
		var ev SendMessageEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			c.metrics.rejected.Inc()
			c.log.Debug("malformed send_message", "error", err)
			return
		}
		// Errors are logged inside the relay and never close the connection.
		c.relay.Handle(c.ctx, c, ev)
	default:
		c.log.Debug("ignoring unknown event", "event", env.Event)
	}
}

// WritePump pumps queued payloads to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One event per frame: clients parse each frame as a single envelope.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
