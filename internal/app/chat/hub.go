package chat

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"visionchat/internal/app/model"
	"visionchat/internal/app/user"
	"visionchat/internal/configs"
	"visionchat/internal/pkg/logx"
)

// Authorizer decides whether u may subscribe to chatID. It is the only access check
// on the realtime path; a non-nil error rejects the subscription.
type Authorizer func(ctx context.Context, u user.User, chatID string) error

// Hub ties the router and the presence registry together and runs the lifecycle of
// each accepted WebSocket.
type Hub struct {
	router   *Router
	presence *Presence

	heartbeat      time.Duration
	requestTimeout time.Duration

	logger zerolog.Logger
}

// NewHub starts the router loop and returns a ready hub.
func NewHub(cfg *configs.AppConfig, authorize Authorizer) *Hub {
	router := NewRouter(authorize)

	h := &Hub{
		router:         router,
		presence:       NewPresence(router, cfg.PresenceGrace),
		heartbeat:      cfg.HeartbeatTimeout,
		requestTimeout: cfg.RequestTimeout,
		logger:         logx.Component("Hub"),
	}

	go router.Run()

	h.logger.Info().
		Dur("heartbeat", cfg.HeartbeatTimeout).
		Dur("presence_grace", cfg.PresenceGrace).
		Msg("Realtime hub started.")

	return h
}

// Router returns the room router, used by the delivery pipeline to fan messages out.
func (h *Hub) Router() *Router { return h.router }

// Presence returns the presence registry.
func (h *Hub) Presence() *Presence { return h.presence }

// ServeConn runs an upgraded WebSocket for u until it disconnects, misses its
// heartbeat or the hub shuts down. The first frame the client receives is
// session:init; afterwards it is subscribed to the community room.
func (h *Hub) ServeConn(ws *websocket.Conn, u user.User) {
	c := newConn(h, ws, u, h.heartbeat)

	h.presence.Join(u.ID, c.id)

	// queued first, but written only once the pumps run, after Attach has put the
	// connection in the community room
	c.sendEvent(EventSessionInit, SessionInitPayload{
		ConnectionID: c.id,
		User:         u,
		OnlineUsers:  h.presence.OnlineUsers(model.GroupChatID),
	})

	if err := h.router.Attach(c); err != nil {
		h.presence.Leave(c.id)
		c.close(websocket.CloseGoingAway, "server shutting down")
		return
	}

	c.logger.Info().Msg("Connection established.")

	go c.WritePump()
	c.ReadPump()

	h.router.Detach(c)
	h.presence.Leave(c.id)
	c.close(websocket.CloseNormalClosure, "")

	c.logger.Info().Msg("Connection closed.")
}

// Shutdown closes every connection and stops the router loop.
func (h *Hub) Shutdown() {
	h.logger.Info().Msg("Shutting down realtime hub...")

	h.router.Stop()
	h.presence.Close()

	h.logger.Info().Msg("Realtime hub shutdown complete.")
}
