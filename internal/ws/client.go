package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/sketchroom/internal/ratelimit"
)

const (
	writeWait       = 10 * time.Second
	sendQueueLength = 512

	// Violations tolerated before the connection is dropped
	maxRateLimitViolations = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one connected session. roomID, playerName and joined belong to
// the hub goroutine; the pumps never read them.
type Client struct {
	id          string
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	rateLimiter *ratelimit.Limiter
	remoteAddr  string

	roomID     string
	playerName string
	joined     bool

	logger     zerolog.Logger
	baseLogger zerolog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, remoteAddr string) *Client {
	id := uuid.NewString()
	logger := hub.logger.With().Str("client", id).Logger()
	return &Client{
		id:          id,
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendQueueLength),
		rateLimiter: ratelimit.NewLimiter(hub.config.MessagesPerSecond, hub.config.MessageBurst),
		remoteAddr:  remoteAddr,
		logger:      logger,
		baseLogger:  logger,
	}
}

// ServeWs upgrades the request and starts the client's pumps. The room is
// chosen later by a JOIN_ROOM frame, not by the URL.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	client := newClient(hub, conn, r.RemoteAddr)

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	pongWait := c.hub.config.PongWait
	c.conn.SetReadLimit(c.hub.config.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		in := inbound{client: c, data: message}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings > maxRateLimitViolations {
				c.logger.Warn().Int("violations", rateLimitWarnings).Msg("disconnecting client for excessive rate limit violations")
				return
			}
			if rateLimitWarnings%100 != 1 {
				continue
			}
			c.logger.Warn().Int("violations", rateLimitWarnings).Str("remote", c.remoteAddr).Msg("rate limit exceeded")
			in = inbound{client: c, limited: true}
		}

		select {
		case c.hub.inbound <- in:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
	pingPeriod := (c.hub.config.PongWait * 9) / 10
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
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
