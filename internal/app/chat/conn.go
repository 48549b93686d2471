package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"visionchat/internal/app/user"
	"visionchat/internal/pkg/errs"
	"visionchat/internal/pkg/logx"
	"visionchat/internal/pkg/randx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum allowed size (in bytes) of a frame sent by the client.
	maxFrameSize = 8192

	// capacity of the outbound queue; a connection that falls this far behind is evicted.
	sendQueueSize = 256

	// inbound events per second tolerated from one connection, and the burst on top.
	inboundRate  = 20
	inboundBurst = 40

	// WsCloseCodeEvicted is sent to a connection whose outbound queue overflowed.
	WsCloseCodeEvicted = 4002
)

// Conn is one live WebSocket connection of an authenticated user.
type Conn struct {
	id   string
	user user.User
	ws   *websocket.Conn
	hub  *Hub

	// outbound frames; never closed, done signals the end instead.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	pongWait   time.Duration
	pingPeriod time.Duration

	inbound *rate.Limiter
	logger  zerolog.Logger
}

func newConn(hub *Hub, ws *websocket.Conn, u user.User, heartbeat time.Duration) *Conn {
	id := randx.ConnectionID()

	return &Conn{
		id:         id,
		user:       u,
		ws:         ws,
		hub:        hub,
		send:       make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
		pongWait:   heartbeat,
		pingPeriod: heartbeat * 9 / 10,
		inbound:    rate.NewLimiter(inboundRate, inboundBurst),
		logger: logx.Logger().With().
			Str("conn_id", id).
			Str("user_id", u.ID).
			Logger(),
	}
}

// ID returns the connection handle.
func (c *Conn) ID() string { return c.id }

// User returns the authenticated owner of the connection.
func (c *Conn) User() user.User { return c.user }

// enqueue queues a frame without blocking. It reports false when the connection is
// closed or its queue is full.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendEvent encodes and queues an event for this connection only.
func (c *Conn) sendEvent(eventType string, payload any) {
	data, err := Encode(eventType, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("event", eventType).Msg("Failed to encode event")
		return
	}
	if !c.enqueue(data) {
		c.logger.Warn().Str("event", eventType).Int("queue_len", len(c.send)).Msg("Dropped event for closed or saturated connection")
	}
}

// SendError reports err to the client as an error event. The connection stays open.
func (c *Conn) SendError(err error, chatID string) {
	customErr := errs.As(err)
	c.sendEvent(EventError, ErrorPayload{
		Code:    customErr.Code,
		Message: customErr.Message,
		ChatID:  chatID,
	})
}

// close writes a close frame with code and shuts the socket down. It is safe to call
// from any goroutine and more than once; only the first call has an effect.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws == nil {
			return
		}

		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to write close frame")
		}
		if err := c.ws.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Connection close error")
		}
	})
}

// evict drops a connection that cannot keep up. Its read loop then fails and runs
// the regular cleanup.
func (c *Conn) evict() {
	c.logger.Warn().Int("queue_len", len(c.send)).Msg("Outbound queue full, evicting connection.")
	c.close(WsCloseCodeEvicted, "connection too slow")
}

// ReadPump reads frames until the socket fails or the heartbeat deadline passes.
// Any inbound frame, pong included, counts as a sign of life.
func (c *Conn) ReadPump() {
	c.ws.SetReadLimit(maxFrameSize)

	if err := c.ws.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Connection dropped")
			}
			return
		}

		if err := c.ws.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
			return
		}

		if !c.inbound.Allow() {
			c.logger.Warn().Msg("Inbound rate exceeded, frame dropped")
			continue
		}

		c.processInbound(frame)
	}
}

func (c *Conn) processInbound(frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.logger.Warn().Err(err).Msg("Client sent invalid JSON")
		c.SendError(errs.NewError(errs.ErrInvalidJSONFormat), "")
		return
	}

	switch env.Type {
	case EventChatJoin:
		var p ChatRefPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.SendError(errs.NewError(errs.ErrInvalidParams), "")
			return
		}
		c.handleJoin(p.ChatID)

	case EventChatLeave:
		var p ChatRefPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.SendError(errs.NewError(errs.ErrInvalidParams), "")
			return
		}
		c.hub.router.Unsubscribe(c, p.ChatID)

	case EventTyping:
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.SendError(errs.NewError(errs.ErrInvalidParams), "")
			return
		}
		c.handleTyping(p)

	case EventPing:
		c.sendEvent(EventPong, nil)

	default:
		c.logger.Warn().Str("event", env.Type).Msg("Client sent unsupported event")
		c.SendError(errs.NewError(errs.ErrUnsupportedEvent), "")
	}
}

func (c *Conn) handleJoin(chatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.requestTimeout)
	defer cancel()

	if err := c.hub.router.Subscribe(ctx, c, chatID); err != nil {
		c.logger.Info().Err(err).Str("chat_id", chatID).Msg("Join rejected")
		c.SendError(err, chatID)
		return
	}

	c.sendEvent(EventChatJoined, ChatJoinedPayload{
		ChatID:      chatID,
		OnlineUsers: c.hub.presence.OnlineUsers(chatID),
	})
}

// handleTyping stamps the sender onto the indicator and relays it. Nothing is stored.
func (c *Conn) handleTyping(p TypingPayload) {
	p.UserID = c.user.ID
	p.DisplayName = c.user.DisplayName

	data, err := Encode(EventTyping, p)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode typing event")
		return
	}

	c.hub.router.Relay(c, p.ChatID, data)
}

// WritePump drains the outbound queue and keeps the heartbeat going. It exits when
// the connection is closed or a write fails.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(c.pingPeriod)

	defer func() {
		ticker.Stop()
		c.close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case data := <-c.send:
			if !c.write(websocket.TextMessage, data) {
				return
			}

		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if err := c.ws.WriteMessage(messageType, data); err != nil {
		c.logger.Info().Err(err).Int("message_type", messageType).Msg("Error writing to connection")
		return false
	}

	return true
}
