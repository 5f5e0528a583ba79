package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-rtc/internal/auth"
	"github.com/Tyrowin/gochat-rtc/internal/config"
	"github.com/Tyrowin/gochat-rtc/internal/registry"
)

// Client represents one authenticated websocket connection. It implements
// registry.Conn: Send and Close never block and never call back into the
// registry.
type Client struct {
	conn      *websocket.Conn
	hub       *Hub
	id        registry.ConnectionID
	identity  registry.Identity
	sessionID string
	createdAt time.Time
	addr      string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool

	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      config.RateLimitConfig
	logger         *slog.Logger
}

// NewClient creates a Client for an upgraded connection. The send buffer is
// sized from limits.SendBuffer.
func NewClient(conn *websocket.Conn, hub *Hub, principal auth.Principal, addr string, limits config.LimitsConfig, logger *slog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(limits.MaxMessageSize)
	}
	buffer := limits.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}

	return &Client{
		conn:           conn,
		hub:            hub,
		identity:       registry.Identity(principal.Identity),
		sessionID:      principal.SessionID,
		createdAt:      time.Now(),
		addr:           addr,
		send:           make(chan []byte, buffer),
		done:           make(chan struct{}),
		maxMessageSize: limits.MaxMessageSize,
		rateLimiter:    newRateLimiter(limits.RateLimit.Burst, limits.RateLimit.RefillInterval),
		rateLimit:      limits.RateLimit,
		logger:         logger.With("identity", principal.Identity, "addr", addr),
	}
}

// Identity returns the authenticated user id.
func (c *Client) Identity() registry.Identity { return c.identity }

// SessionID returns the client-supplied session id, possibly empty.
func (c *Client) SessionID() string { return c.sessionID }

// CreatedAt returns when the client was created.
func (c *Client) CreatedAt() time.Time { return c.createdAt }

// ID returns the registry id, empty until the hub attaches the client.
func (c *Client) ID() registry.ConnectionID { return c.id }

// Send queues payload for the write pump. It returns false when the client
// is closed or its buffer is full.
func (c *Client) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which sends a close frame and closes the
// socket. The read pump then fails and detaches the client.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("failed to set initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// logReadError classifies the error that ended the read loop.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", "error", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket close", "error", err)
	default:
		c.logger.Warn("websocket read error", "error", err)
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn("rate limit exceeded; discarding frame",
			"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			c.hub.metrics.ObserveFrame("any", "rate_limited")
			continue
		}

		c.hub.dispatch(c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		c.drain()
		return c.writeCloseMessage()
	}
}

// drain flushes frames queued before Close so a final call-ended or
// chat-error still reaches the peer.
func (c *Client) drain() {
	for {
		select {
		case message := <-c.send:
			if !c.writeTextMessage(message) {
				return
			}
		default:
			return
		}
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection", "error", err)
		}
	}
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing close message", "error", err)
		}
	}
	return false
}

// writeTextMessage writes one envelope as one text frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", "error", err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn("error writing ping", "error", err)
		return false
	}
	return true
}
