// Package server manages individual WebSocket connections, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatecho/internal/logging"
	"github.com/Tyrowin/chatecho/internal/metrics"
)

// Connection is one live client transport. It is owned by the hub's
// registry from registration until it is detached.
type Connection struct {
	id    string
	conn  *websocket.Conn
	hub   *Hub
	addr  string
	token string

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// inbound carries frames from the read pump to the event loop, so control
	// frames keep being read while a handler waits on the store.
	inbound chan []byte

	heartbeat      *Heartbeat
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	maxMessageSize int64
	writeTimeout   time.Duration
}

// NewConnection wraps an upgraded transport. token is the bearer credential
// presented during the handshake and may be empty. conn may be nil in tests
// that drive the hub without a transport.
func NewConnection(h *Hub, conn *websocket.Conn, addr, token string) *Connection {
	opts := h.opts
	c := &Connection{
		id:             uuid.NewString(),
		conn:           conn,
		hub:            h,
		addr:           addr,
		token:          token,
		send:           make(chan []byte, opts.SendBuffer),
		inbound:        make(chan []byte, opts.InboundBuffer),
		rateLimiter:    newRateLimiter(opts.RateLimit.Burst, opts.RateLimit.RefillInterval),
		rateLimit:      opts.RateLimit,
		maxMessageSize: opts.MaxMessageSize,
		writeTimeout:   opts.WriteTimeout,
	}
	c.heartbeat = newHeartbeat(c.id, opts.Heartbeat, c.sendPing, func() { h.evict(c) })
	if conn != nil {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	return c
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer address seen at upgrade.
func (c *Connection) RemoteAddr() string { return c.addr }

// Heartbeat returns the connection's liveness monitor.
func (c *Connection) Heartbeat() *Heartbeat { return c.heartbeat }

// enqueue queues an outbound frame. It returns false when the connection is
// closed or its queue is full.
func (c *Connection) enqueue(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// closeSend closes the send queue once; the write pump then says goodbye.
func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// closeTransport closes the underlying connection. It may be called from any
// goroutine.
func (c *Connection) closeTransport() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		logging.Debug().Err(err).Str("conn_id", c.id).Msg("Error closing connection")
	}
}

func (c *Connection) sendPing() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// handleReadError logs the read failure that ends the read loop.
func (c *Connection) handleReadError(err error) {
	level := zerolog.DebugLevel
	var reason string

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		level, reason = zerolog.WarnLevel, "message too large"
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		reason = "client closed"
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		reason = "connection closed"
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		level, reason = zerolog.WarnLevel, "unexpected close"
	default:
		level, reason = zerolog.WarnLevel, "read error"
	}

	logger := logging.Logger()
	logger.WithLevel(level).
		Err(err).
		Str("conn_id", c.id).
		Str("remote_addr", c.addr).
		Str("reason", reason).
		Int64("max_message_size", c.maxMessageSize).
		Msg("WebSocket read ended")
}

// checkRateLimit reports whether the next inbound event may be processed.
func (c *Connection) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		logging.Warn().
			Str("conn_id", c.id).
			Str("remote_addr", c.addr).
			Int("burst", c.rateLimit.Burst).
			Dur("refill_interval", c.rateLimit.RefillInterval).
			Msg("Rate limit exceeded; discarding event")
		metrics.InboundEvents.WithLabelValues("unknown", "rate_limited").Inc()
		return false
	}
	return true
}

func (c *Connection) readPump() {
	defer func() {
		close(c.inbound)
		c.hub.unregisterConnection(c)
		c.closeTransport()
	}()

	c.conn.SetPongHandler(func(string) error {
		c.heartbeat.Pong()
		return nil
	})

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if !c.hub.registry.Contains(c) {
			logging.Debug().Str("conn_id", c.id).Msg("Connection removed; stopping read loop")
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		select {
		case c.inbound <- rawMessage:
		default:
			logging.Warn().
				Str("conn_id", c.id).
				Str("remote_addr", c.addr).
				Int("queue", cap(c.inbound)).
				Msg("Inbound queue full; discarding event")
			metrics.InboundEvents.WithLabelValues("unknown", "queue_full").Inc()
		}
	}
}

// eventLoop handles inbound frames one at a time, in arrival order, until the
// read pump closes the queue.
func (c *Connection) eventLoop() {
	for rawMessage := range c.inbound {
		if !c.hub.registry.Contains(c) {
			continue
		}
		c.hub.router.Handle(c.hub.ctx, c, rawMessage)
	}
}

func (c *Connection) writePump() {
	defer c.closeTransport()

	for message := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			logging.Debug().Err(err).Str("conn_id", c.id).Msg("Error setting write deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			if !isExpectedCloseError(err) {
				logging.Warn().Err(err).Str("conn_id", c.id).Str("remote_addr", c.addr).Msg("Error writing message")
			}
			return
		}
	}

	c.writeCloseMessage()
}

// writeCloseMessage sends a close frame after the send queue was closed.
func (c *Connection) writeCloseMessage() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout)); err != nil {
		if !isExpectedCloseError(err) {
			logging.Debug().Err(err).Str("conn_id", c.id).Msg("Error writing close message")
		}
	}
}
