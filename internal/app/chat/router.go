package chat

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"visionchat/internal/app/model"
	"visionchat/internal/pkg/logx"
)

const (
	// buffered fan-out requests waiting for the router loop.
	broadcastChannelBuffer = 1024

	// typing indicators in flight; beyond this they are dropped.
	relayChannelBuffer = 256
)

// ErrRouterStopped is returned by router operations after Stop.
var ErrRouterStopped = errors.New("router stopped")

// ErrConnClosed is returned when subscribing a connection that is no longer attached.
var ErrConnClosed = errors.New("connection closed")

type attachReq struct {
	conn  *Conn
	reply chan struct{}
}

type subscribeReq struct {
	conn   *Conn
	chatID string
	reply  chan error
}

type unsubscribeReq struct {
	conn   *Conn
	chatID string
}

type broadcastReq struct {
	chatID  string
	data    []byte
	exclude string // connection ID left out of the fan-out

	// when set, the sender must be subscribed to chatID
	from *Conn
}

type presenceReq struct {
	userID string
	data   []byte
}

// Router owns the set of live connections and their room subscriptions. A single
// goroutine (Run) applies every change and performs every fan-out, so a broadcast
// never races with a subscribe or a detach.
type Router struct {
	conns map[string]*Conn
	rooms map[string]map[string]*Conn

	attach      chan attachReq
	detach      chan *Conn
	subscribe   chan subscribeReq
	unsubscribe chan unsubscribeReq
	broadcast   chan broadcastReq
	relay       chan broadcastReq
	presence    chan presenceReq
	inspect     chan func()

	stopChan chan struct{}
	done     chan struct{}

	authorize Authorizer
	logger    zerolog.Logger
}

// NewRouter creates a router that checks every subscription with authorize.
// Call Run to start it.
func NewRouter(authorize Authorizer) *Router {
	return &Router{
		conns:       make(map[string]*Conn),
		rooms:       make(map[string]map[string]*Conn),
		attach:      make(chan attachReq),
		detach:      make(chan *Conn),
		subscribe:   make(chan subscribeReq),
		unsubscribe: make(chan unsubscribeReq),
		broadcast:   make(chan broadcastReq, broadcastChannelBuffer),
		relay:       make(chan broadcastReq, relayChannelBuffer),
		presence:    make(chan presenceReq, broadcastChannelBuffer),
		inspect:     make(chan func()),
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
		authorize:   authorize,
		logger:      logx.Component("Router"),
	}
}

// Run is the router loop. It returns after Stop, closing every connection still
// attached.
func (r *Router) Run() {
	defer close(r.done)

	r.logger.Info().Msg("Router loop started.")

	for {
		select {
		case req := <-r.attach:
			c := req.conn
			r.conns[c.id] = c
			r.join(c, model.GroupChatID)
			close(req.reply)
			r.logger.Debug().Str("conn_id", c.id).Int("total_conns", len(r.conns)).Msg("Connection attached.")

		case c := <-r.detach:
			r.remove(c)

		case req := <-r.subscribe:
			if _, ok := r.conns[req.conn.id]; !ok {
				req.reply <- ErrConnClosed
				continue
			}
			r.join(req.conn, req.chatID)
			req.reply <- nil

		case req := <-r.unsubscribe:
			if room, ok := r.rooms[req.chatID]; ok {
				delete(room, req.conn.id)
				if len(room) == 0 {
					delete(r.rooms, req.chatID)
				}
			}

		case req := <-r.broadcast:
			r.fanOut(req)

		case req := <-r.relay:
			if _, member := r.rooms[req.chatID][req.from.id]; !member {
				r.logger.Debug().Str("conn_id", req.from.id).Str("chat_id", req.chatID).Msg("Relay from non-member dropped.")
				continue
			}
			r.fanOut(req)

		case req := <-r.presence:
			r.announcePresence(req)

		case fn := <-r.inspect:
			fn()

		case <-r.stopChan:
			for _, c := range r.conns {
				c.close(websocket.CloseGoingAway, "server shutting down")
			}
			r.conns = nil
			r.rooms = nil
			r.logger.Info().Msg("Router loop stopped.")
			return
		}
	}
}

// Stop terminates the loop and waits for it to finish. Later calls are no-ops.
func (r *Router) Stop() {
	select {
	case <-r.stopChan:
	default:
		close(r.stopChan)
	}
	<-r.done
}

func (r *Router) join(c *Conn, chatID string) {
	room, ok := r.rooms[chatID]
	if !ok {
		room = make(map[string]*Conn)
		r.rooms[chatID] = room
	}
	room[c.id] = c
}

func (r *Router) remove(c *Conn) {
	if _, ok := r.conns[c.id]; !ok {
		return
	}
	delete(r.conns, c.id)

	for chatID, room := range r.rooms {
		delete(room, c.id)
		if len(room) == 0 {
			delete(r.rooms, chatID)
		}
	}

	r.logger.Debug().Str("conn_id", c.id).Int("total_conns", len(r.conns)).Msg("Connection detached.")
}

func (r *Router) fanOut(req broadcastReq) {
	for id, c := range r.rooms[req.chatID] {
		if id == req.exclude {
			continue
		}
		r.deliver(c, req.data)
	}
}

// deliver never blocks the loop: a connection whose queue is full is evicted and
// removed when its read loop detaches it.
func (r *Router) deliver(c *Conn, data []byte) {
	if !c.enqueue(data) {
		c.evict()
	}
}

// announcePresence sends the event once per connection that shares a room with the
// user: everyone in the community room plus the private rooms the user is part of.
// The user's own connections are skipped.
func (r *Router) announcePresence(req presenceReq) {
	targets := make(map[string]*Conn)

	for chatID, room := range r.rooms {
		ref, err := model.ParseChatID(chatID)
		if err != nil || !ref.HasParticipant(req.userID) {
			continue
		}
		for id, c := range room {
			if c.user.ID != req.userID {
				targets[id] = c
			}
		}
	}

	for _, c := range targets {
		r.deliver(c, req.data)
	}
}

// Attach registers a connection and subscribes it to the community room. It
// returns once the subscription is in place.
func (r *Router) Attach(c *Conn) error {
	req := attachReq{conn: c, reply: make(chan struct{})}

	select {
	case r.attach <- req:
	case <-r.stopChan:
		return ErrRouterStopped
	}

	select {
	case <-req.reply:
		return nil
	case <-r.stopChan:
		return ErrRouterStopped
	}
}

// Detach removes a connection from every room. Detaching twice is harmless.
func (r *Router) Detach(c *Conn) {
	select {
	case r.detach <- c:
	case <-r.stopChan:
	}
}

// Subscribe authorizes c for chatID and adds it to the room. A rejected
// subscription leaves the connection open and its other subscriptions intact.
func (r *Router) Subscribe(ctx context.Context, c *Conn, chatID string) error {
	if err := r.authorize(ctx, c.user, chatID); err != nil {
		return err
	}

	req := subscribeReq{conn: c, chatID: chatID, reply: make(chan error, 1)}

	select {
	case r.subscribe <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopChan:
		return ErrRouterStopped
	}

	select {
	case err := <-req.reply:
		return err
	case <-r.stopChan:
		return ErrRouterStopped
	}
}

// Unsubscribe removes c from chatID. Unknown rooms are ignored.
func (r *Router) Unsubscribe(c *Conn, chatID string) {
	select {
	case r.unsubscribe <- unsubscribeReq{conn: c, chatID: chatID}:
	case <-r.stopChan:
	}
}

// Broadcast sends an event to every subscriber of chatID except the connection
// excludeConn (empty for none). Broadcasts are delivered in the order they are
// accepted; the call blocks while the router is backed up.
func (r *Router) Broadcast(ctx context.Context, chatID, eventType string, payload any, excludeConn string) error {
	data, err := Encode(eventType, payload)
	if err != nil {
		return err
	}

	select {
	case <-r.stopChan:
		return ErrRouterStopped
	default:
	}

	select {
	case r.broadcast <- broadcastReq{chatID: chatID, data: data, exclude: excludeConn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopChan:
		return ErrRouterStopped
	}
}

// Relay forwards an ephemeral frame from a subscriber of chatID to the rest of the
// room. It drops the frame when the router is saturated or the sender is not
// subscribed, and reports whether it was accepted for routing.
func (r *Router) Relay(from *Conn, chatID string, data []byte) bool {
	select {
	case r.relay <- broadcastReq{chatID: chatID, data: data, exclude: from.id, from: from}:
		return true
	default:
		r.logger.Debug().Str("chat_id", chatID).Msg("Relay queue full, frame dropped.")
		return false
	}
}

// NotifyPresence implements PresenceNotifier.
func (r *Router) NotifyPresence(userID string, online bool) {
	eventType := EventUserOffline
	if online {
		eventType = EventUserOnline
	}

	data, err := Encode(eventType, userID)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode presence event.")
		return
	}

	select {
	case r.presence <- presenceReq{userID: userID, data: data}:
	case <-r.stopChan:
	}
}

// Subscribers returns the connection IDs subscribed to chatID.
func (r *Router) Subscribers(chatID string) []string {
	out := make(chan []string, 1)
	fn := func() {
		ids := make([]string, 0, len(r.rooms[chatID]))
		for id := range r.rooms[chatID] {
			ids = append(ids, id)
		}
		out <- ids
	}

	select {
	case r.inspect <- fn:
		return <-out
	case <-r.stopChan:
		return nil
	}
}
