package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/chatverse/internal/config"
	"github.com/Tyrowin/chatverse/internal/protocol"
)

const writeWait = 10 * time.Second

// Session is the identity a connection acts under. Anonymous sessions get a
// synthetic participant id and may only use invite-code rooms.
type Session struct {
	ConnID        string
	ParticipantID string
	DisplayName   string
	Anonymous     bool
}

// anonymousParticipant derives the participant id of an anonymous connection.
func anonymousParticipant(connID string) string {
	return "anon:" + connID
}

// Client represents a WebSocket client connection in the chat system.
type Client struct {
	session Session
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	hub     *Hub
	addr    string

	maxMessageSize int64
	heartbeat      config.HeartbeatConfig
	rateLimiter    *rateLimiter
	rateLimit      config.RateLimitConfig
}

func newClient(conn *websocket.Conn, hub *Hub, session Session, addr string) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.Server.MaxMessageSize)
	}

	return &Client{
		session:        session,
		conn:           conn,
		send:           make(chan []byte, cfg.Server.SendBuffer),
		done:           make(chan struct{}),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.Server.MaxMessageSize,
		heartbeat:      cfg.Heartbeat,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

func (c *Client) ID() string            { return c.session.ConnID }
func (c *Client) ParticipantID() string { return c.session.ParticipantID }
func (c *Client) Session() Session      { return c.session }

// Send queues payload without blocking. A client whose buffer is full is
// closed; its cleanup then runs like any other disconnect.
func (c *Client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		log.Warn().Str("connID", c.ID()).Str("addr", c.addr).Msg("Send buffer full, closing slow connection")
		c.close()
		return false
	}
}

// close stops the write pump, which closes the socket and unblocks the reader.
func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
}

func (c *Client) extendReadDeadline() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.heartbeat.IdleTimeout)); err != nil {
		log.Debug().Err(err).Str("connID", c.ID()).Msg("Error setting read deadline")
	}
}

// handleReadError logs the reason the read loop ended.
func (c *Client) handleReadError(err error) {
	var netErr interface{ Timeout() bool }
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Warn().Str("connID", c.ID()).Int64("limit", c.maxMessageSize).Msg("Message exceeded maximum size")
	case errors.As(err, &netErr) && netErr.Timeout():
		log.Info().Str("connID", c.ID()).Dur("idleTimeout", c.heartbeat.IdleTimeout).Msg("Connection idle, closing")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Debug().Err(err).Str("connID", c.ID()).Str("addr", c.addr).Msg("Client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		log.Debug().Err(err).Str("connID", c.ID()).Str("addr", c.addr).Msg("Client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		log.Warn().Err(err).Str("connID", c.ID()).Msg("Unexpected WebSocket close")
	default:
		log.Warn().Err(err).Str("connID", c.ID()).Msg("WebSocket read error")
	}
}

// checkRateLimit reports whether the frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		log.Warn().Str("connID", c.ID()).
			Int("burst", c.rateLimit.Burst).
			Dur("interval", c.rateLimit.RefillInterval).
			Msg("Rate limit exceeded; discarding message")
		return false
	}
	return true
}

// readPump processes inbound frames in receipt order until the connection
// ends, then runs disconnect cleanup.
func (c *Client) readPump() {
	defer func() {
		c.hub.router.Disconnect(c)
		c.close()
		c.hub.detach(c)
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.extendReadDeadline()

		if !c.checkRateLimit() {
			c.hub.router.reply(c, protocol.Error{Message: "rate limit exceeded"})
			continue
		}

		c.hub.router.Dispatch(context.Background(), c, rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.heartbeat.Interval)
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
		return c.writeTextMessage(message) && c.writeQueuedMessages()
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		c.writeCloseMessage()
		return false
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		log.Debug().Err(err).Str("connID", c.ID()).Msg("Error closing connection")
	}
}

func (c *Client) writeCloseMessage() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		log.Debug().Err(err).Str("connID", c.ID()).Msg("Error writing close message")
	}
}

// writeTextMessage writes one event frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Debug().Err(err).Str("connID", c.ID()).Msg("Error setting write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			log.Warn().Err(err).Str("connID", c.ID()).Msg("Error writing message")
		}
		return false
	}
	return true
}

// writeQueuedMessages flushes frames that queued up during the last write.
// Every event keeps its own frame so clients can decode them one by one.
func (c *Client) writeQueuedMessages() bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		if !c.writeTextMessage(<-c.send) {
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			log.Debug().Err(err).Str("connID", c.ID()).Msg("Error writing ping")
		}
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
