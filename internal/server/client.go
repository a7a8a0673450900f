package server

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/roomrelay/internal/metrics"
	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/Tyrowin/roomrelay/internal/relay"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	// ErrSendBufferFull is returned by Send when the peer is not keeping up.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrConnectionClosed is returned by Send after Close.
	ErrConnectionClosed = errors.New("connection closed")
)

// Hub is the part of relay.Hub the transport needs.
type Hub interface {
	Connect(sender relay.Sender) (relay.ConnID, error)
	Disconnect(id relay.ConnID)
	Dispatch(id relay.ConnID, raw []byte)
	Occupancy() map[string]int
}

// Client is one WebSocket connection. It implements relay.Sender: Send only
// enqueues, and a dedicated write pump drains the queue one frame per event.
type Client struct {
	conn    *websocket.Conn
	hub     Hub
	log     *slog.Logger
	metrics *metrics.Metrics
	addr    string

	id        relay.ConnID
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient wraps an upgraded connection. Call Start once the client has been
// registered with the hub.
func NewClient(conn *websocket.Conn, hub Hub, cfg Config, log *slog.Logger, m *metrics.Metrics, addr string) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		hub:            hub,
		log:            log.With("addr", addr),
		metrics:        m,
		addr:           addr,
		send:           make(chan []byte, cfg.SendBufferSize),
		done:           make(chan struct{}),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
	}
}

// Send queues payload for delivery without blocking. A full queue means the
// peer is not keeping up: the client is closed and ErrSendBufferFull returned.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("Send buffer full, closing slow client", "buffer", cap(c.send))
		_ = c.Close()
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame and closes the socket.
// The read pump then fails and unregisters the client. Safe to call more than
// once and from the hub goroutine.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Start launches the read and write pumps for the registered id.
func (c *Client) Start(id relay.ConnID) {
	c.id = id
	go c.writePump()
	go c.readPump()
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("Error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Debug("Error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// handleReadError logs the read failure at a level matching its cause.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("Message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("Client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("Client connection closed", "error", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("Unexpected WebSocket error", "error", err)
	default:
		c.log.Warn("WebSocket read error", "error", err)
	}
}

// checkRateLimit reports whether the frame may be processed. A discarded
// frame is answered with a rate_limited error.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter == nil || c.rateLimiter.allow() {
		return true
	}

	c.log.Warn("Rate limit exceeded; discarding message",
		"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
	c.metrics.RateLimited()
	c.metrics.ProtocolError(protocol.ReasonRateLimited)

	payload, err := protocol.Encode(protocol.ErrorEvent(protocol.ReasonRateLimited, "Too many messages; slow down."))
	if err != nil {
		c.log.Error("Error encoding rate limit event", "error", err)
		return false
	}
	if err := c.Send(payload); err != nil {
		c.log.Debug("Could not report rate limit", "error", err)
	}
	return false
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c.id)
		_ = c.Close()
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.hub.Dispatch(c.id, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
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
		c.writeCloseMessage()
		return false
	}
}

// closeConnection closes the socket, ignoring errors from a second close.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error closing connection", "error", err)
	}
}

func (c *Client) writeCloseMessage() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error writing close message", "error", err)
	}
}

// writeTextMessage writes one event as its own frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("Error setting write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing message", "error", err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("Error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("Error writing ping message", "error", err)
		return false
	}
	return true
}

// isExpectedCloseError reports errors that only mean the socket is already gone.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
