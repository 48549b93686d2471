package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"visionchat/internal/app/chat"
	"visionchat/internal/app/model"
	"visionchat/internal/app/user"
	"visionchat/internal/client/chatstate"
	"visionchat/internal/client/typing"
	"visionchat/internal/pkg/logx"
	"visionchat/internal/pkg/pubsub"
	"visionchat/internal/pkg/randx"
)

var (
	// ErrEmptyMessage is returned by SendMessage for blank content.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrUnknownPending is returned by Retry for a key with no pending message.
	ErrUnknownPending = errors.New("no pending message with this key")

	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotConnected is returned when a join cannot be acknowledged because the
	// connection dropped. The join is repeated on reconnect.
	ErrNotConnected = errors.New("not connected")

	errSuperseded = errors.New("superseded by a newer catch-up")
)

// PresenceEvent reports a user going online or offline.
type PresenceEvent struct {
	UserID string
	Online bool
}

// TypingEvent reports a change of someone's typing indicator.
type TypingEvent struct {
	ChatID string
	UserID string
	Typing bool
}

// StatusEvent reports the state of the live connection. Connected is published once
// the server has sent its session snapshot, so the connection is usable.
type StatusEvent struct {
	Connected bool
	Reconnect bool

	// set while waiting to reconnect
	Attempt int
	Delay   time.Duration

	Err string
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// BaseURL is the HTTP root of the server, e.g. http://localhost:8080.
	BaseURL string

	// WSURL defaults to BaseURL with a ws scheme and the /ws path.
	WSURL string

	Heartbeat time.Duration

	// Backoff paces reconnects and catch-up retries. Nil selects DefaultBackoff.
	Backoff func() backoff.BackOff

	TypingInterval time.Duration
	TypingIdle     time.Duration
	TypingTTL      time.Duration
}

// Session is the client facade: it keeps the connection alive, reconciles the local
// chat state after every (re)connect and publishes what happens to subscribers.
//
// Subscribers run on the event loop. They must not call Session methods that wait
// for the loop (SendMessage, Chats and the like) directly; start a goroutine instead.
type Session struct {
	api  *API
	self user.User

	loop    *Loop
	conn    *Manager
	backoff func() backoff.BackOff

	// bumped on the loop, read by catch-ups to notice they are stale
	syncGen atomic.Uint64

	// owned by the loop
	state     *chatstate.State
	online    map[string]struct{}
	reconnect bool
	joins     map[string][]chan error

	notifier *typing.Notifier
	tracker  *typing.Tracker

	messages      pubsub.Topic[model.Message]
	presence      pubsub.Topic[PresenceEvent]
	typingChanges pubsub.Topic[TypingEvent]
	status        pubsub.Topic[StatusEvent]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	logger    zerolog.Logger
}

// NewSession creates a session for the user api is signed in as.
func NewSession(api *API, self user.User, opts SessionOptions) *Session {
	wsURL := opts.WSURL
	if wsURL == "" {
		wsURL = websocketURL(opts.BaseURL)
	}

	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff
	}

	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		api:     api,
		self:    self,
		loop:    loop,
		backoff: opts.Backoff,
		state:   chatstate.New(self.ID),
		online:  make(map[string]struct{}),
		joins:   make(map[string][]chan error),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logx.Component("Session").With().Str("user_id", self.ID).Logger(),
	}

	s.conn = NewManager(ManagerOptions{
		URL:       wsURL,
		Token:     api.Token(),
		Heartbeat: opts.Heartbeat,
		Backoff:   opts.Backoff,
	}, loop)

	s.notifier = typing.NewNotifier(func(chatID string, isTyping bool) {
		s.conn.Emit(chat.EventTyping, chat.TypingPayload{ChatID: chatID, IsTyping: isTyping})
	}, opts.TypingInterval, opts.TypingIdle)

	s.tracker = typing.NewTracker(opts.TypingTTL, func(chatID, userID string, isTyping bool) {
		s.loop.Post(func() {
			s.typingChanges.Publish(TypingEvent{ChatID: chatID, UserID: userID, Typing: isTyping})
		})
	})

	return s
}

func websocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// User returns the signed-in user.
func (s *Session) User() user.User { return s.self }

// Start opens the live connection. The community chat is active until
// SetActiveChat says otherwise.
func (s *Session) Start(ctx context.Context) error {
	s.loop.Call(func() {
		if s.state.Active() == "" {
			s.state.SetActive(model.GroupChatID)
		}
	})

	s.conn.On(EventConnect, s.onConnect)
	s.conn.On(EventDisconnect, s.onDisconnect)
	s.conn.On(EventReconnecting, s.onReconnecting)
	s.conn.On(chat.EventSessionInit, s.onSessionInit)
	s.conn.On(chat.EventChatJoined, s.onChatJoined)
	s.conn.On(chat.EventMessage, s.onMessage)
	s.conn.On(chat.EventUserOnline, func(p json.RawMessage) { s.onPresence(p, true) })
	s.conn.On(chat.EventUserOffline, func(p json.RawMessage) { s.onPresence(p, false) })
	s.conn.On(chat.EventTyping, s.onTyping)
	s.conn.On(chat.EventError, s.onError)

	return s.conn.Connect(ctx)
}

func (s *Session) onConnect(p json.RawMessage) {
	var ev ConnectEvent
	_ = json.Unmarshal(p, &ev)
	s.reconnect = ev.Reconnect
}

func (s *Session) onDisconnect(p json.RawMessage) {
	var ev DisconnectEvent
	_ = json.Unmarshal(p, &ev)
	s.api.SetConnectionID("")
	s.resolveJoins("", ErrNotConnected)
	s.status.Publish(StatusEvent{Err: ev.Error})
}

func (s *Session) onReconnecting(p json.RawMessage) {
	var ev ReconnectingEvent
	_ = json.Unmarshal(p, &ev)
	s.status.Publish(StatusEvent{Attempt: ev.Attempt, Delay: ev.Delay})
}

// onSessionInit runs for every new connection. It restores the room subscription of
// the active chat and starts a catch-up; live messages wait until the catch-up is in.
func (s *Session) onSessionInit(p json.RawMessage) {
	var init chat.SessionInitPayload
	if err := json.Unmarshal(p, &init); err != nil {
		s.logger.Warn().Err(err).Msg("Invalid session:init payload")
		return
	}

	s.api.SetConnectionID(init.ConnectionID)
	s.setOnline(init.OnlineUsers)

	active := s.state.Active()
	var joined chan error
	if active != "" && active != model.GroupChatID {
		joined = s.awaitJoin(active)
		if !s.conn.Emit(chat.EventChatJoin, chat.ChatRefPayload{ChatID: active}) {
			s.dropJoin(active, joined)
			joined <- ErrNotConnected
		}
	}

	gen := s.syncGen.Add(1)
	s.state.BeginSync()

	s.wg.Add(1)
	go s.catchUp(gen, active, joined)

	s.status.Publish(StatusEvent{Connected: true, Reconnect: s.reconnect})
}

// catchUp reloads the chat list and, once the room of the active chat is joined
// again, whatever the active chat missed. Each fetch is retried until it succeeds,
// fails for good or a newer connection takes over.
func (s *Session) catchUp(gen uint64, active string, joined <-chan error) {
	defer s.wg.Done()

	var chats []model.Chat
	err := s.retry(gen, "chats", func() (err error) {
		chats, err = s.api.ListChats(s.ctx)
		return err
	})
	if err == nil {
		s.loop.Post(func() { s.state.ApplySnapshot(chats) })
	} else if !errors.Is(err, errSuperseded) && s.ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("Chat list catch-up failed")
	}

	if joined != nil {
		select {
		case err := <-joined:
			if err != nil && !errors.Is(err, ErrNotConnected) {
				s.logger.Warn().Err(err).Str("chat_id", active).Msg("Active chat could not be rejoined")
				rejected := active
				active = model.GroupChatID
				s.loop.Post(func() {
					if s.state.Active() == rejected {
						s.state.SetActive(model.GroupChatID)
					}
				})
			}
		case <-s.ctx.Done():
			return
		}
	}

	if active != "" {
		var after int64
		if !s.loop.Call(func() {
			if msgs := s.state.Messages(active); len(msgs) > 0 {
				after = msgs[len(msgs)-1].Seq
			}
		}) {
			return
		}

		var log MessageLog
		err := s.retry(gen, "messages", func() (err error) {
			log, err = s.api.Messages(s.ctx, active, after)
			return err
		})
		if err == nil {
			s.loop.Post(func() { s.publishMessages(s.state.ApplyLog(log.Chat, log.Messages)) })
		} else if !errors.Is(err, errSuperseded) && s.ctx.Err() == nil {
			s.logger.Warn().Err(err).Str("chat_id", active).Msg("Message catch-up failed")
		}
	}

	s.loop.Post(func() {
		// a newer connection started its own catch-up
		if gen != s.syncGen.Load() {
			return
		}
		s.publishMessages(s.state.EndSync())
	})
}

// retry runs op under the session's backoff. Client errors are final; so is a newer
// catch-up replacing gen.
func (s *Session) retry(gen uint64, what string, op func() error) error {
	operation := func() error {
		if s.syncGen.Load() != gen {
			return backoff.Permanent(errSuperseded)
		}
		err := op()
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		s.logger.Debug().Err(err).Str("fetch", what).Dur("retry_in", d).Msg("Catch-up fetch failed")
	}
	return backoff.RetryNotify(operation, backoff.WithContext(s.backoff(), s.ctx), notify)
}

func (s *Session) publishMessages(msgs []model.Message) {
	for _, m := range msgs {
		s.messages.Publish(m)
	}
}

func (s *Session) onChatJoined(p json.RawMessage) {
	var joined chat.ChatJoinedPayload
	if err := json.Unmarshal(p, &joined); err != nil {
		return
	}
	s.resolveJoins(joined.ChatID, nil)
	for _, id := range joined.OnlineUsers {
		if _, ok := s.online[id]; !ok {
			s.online[id] = struct{}{}
			s.presence.Publish(PresenceEvent{UserID: id, Online: true})
		}
	}
}

func (s *Session) onMessage(p json.RawMessage) {
	var m model.Message
	if err := json.Unmarshal(p, &m); err != nil {
		s.logger.Warn().Err(err).Msg("Invalid message payload")
		return
	}
	if s.state.ApplyMessage(m) {
		s.messages.Publish(m)
	}
}

func (s *Session) onPresence(p json.RawMessage, online bool) {
	var userID string
	if err := json.Unmarshal(p, &userID); err != nil || userID == "" {
		return
	}

	_, was := s.online[userID]
	if was == online {
		return
	}
	if online {
		s.online[userID] = struct{}{}
	} else {
		delete(s.online, userID)
	}
	s.presence.Publish(PresenceEvent{UserID: userID, Online: online})
}

func (s *Session) onTyping(p json.RawMessage) {
	var t chat.TypingPayload
	if err := json.Unmarshal(p, &t); err != nil || t.UserID == s.self.ID {
		return
	}
	s.tracker.Set(t.ChatID, t.UserID, t.IsTyping)
}

func (s *Session) onError(p json.RawMessage) {
	var e chat.ErrorPayload
	_ = json.Unmarshal(p, &e)
	s.logger.Warn().Int("code", e.Code).Str("chat_id", e.ChatID).Msg(e.Message)

	if e.ChatID != "" {
		s.resolveJoins(e.ChatID, &APIError{Code: e.Code, Message: e.Message})
	}
}

// awaitJoin registers a waiter for the acknowledgement of a join of chatID.
func (s *Session) awaitJoin(chatID string) chan error {
	ch := make(chan error, 1)
	s.joins[chatID] = append(s.joins[chatID], ch)
	return ch
}

// dropJoin unregisters a waiter that no longer expects an answer.
func (s *Session) dropJoin(chatID string, ch chan error) {
	waiters := s.joins[chatID]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(s.joins, chatID)
	} else {
		s.joins[chatID] = waiters
	}
}

// resolveJoins answers everyone waiting for a join of chatID, or every waiter when
// chatID is empty.
func (s *Session) resolveJoins(chatID string, err error) {
	for id, waiters := range s.joins {
		if chatID != "" && id != chatID {
			continue
		}
		for _, w := range waiters {
			select {
			case w <- err:
			default:
			}
		}
		delete(s.joins, id)
	}
}

// setOnline replaces the online set with a server snapshot, announcing differences.
func (s *Session) setOnline(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
		if _, ok := s.online[id]; !ok {
			s.presence.Publish(PresenceEvent{UserID: id, Online: true})
		}
	}
	for id := range s.online {
		if _, ok := next[id]; !ok {
			s.presence.Publish(PresenceEvent{UserID: id, Online: false})
		}
	}
	s.online = next
}

// OnMessage subscribes h to new messages of chatID, or of every chat when chatID is
// empty.
func (s *Session) OnMessage(chatID string, h func(model.Message)) (off func()) {
	return s.messages.Subscribe(func(m model.Message) {
		if chatID == "" || m.ChatID == chatID {
			h(m)
		}
	})
}

// OnPresenceChange subscribes h to users going online and offline.
func (s *Session) OnPresenceChange(h func(PresenceEvent)) (off func()) {
	return s.presence.Subscribe(h)
}

// OnTyping subscribes h to typing indicators of chatID, or of every chat when chatID
// is empty.
func (s *Session) OnTyping(chatID string, h func(TypingEvent)) (off func()) {
	return s.typingChanges.Subscribe(func(e TypingEvent) {
		if chatID == "" || e.ChatID == chatID {
			h(e)
		}
	})
}

// OnStatus subscribes h to connection state changes.
func (s *Session) OnStatus(h func(StatusEvent)) (off func()) {
	return s.status.Subscribe(h)
}

// call runs fn on the loop, failing once the session is closed.
func (s *Session) call(fn func()) error {
	if !s.loop.Call(fn) {
		return ErrSessionClosed
	}
	return nil
}

// SendMessage submits content to chatID. The message shows as pending until the
// server confirms it; a failed send stays pending and can be retried with Retry
// under the returned key.
func (s *Session) SendMessage(ctx context.Context, chatID, content string) (string, model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return "", model.Message{}, ErrEmptyMessage
	}

	key := randx.IdempotencyKey()
	if err := s.call(func() { s.state.AddPending(chatID, key, content, time.Now()) }); err != nil {
		return "", model.Message{}, err
	}
	s.notifier.Stop()

	m, err := s.submit(ctx, chatID, key, content)
	return key, m, err
}

// Retry resubmits a pending message with its original key, so the server stores it
// at most once.
func (s *Session) Retry(ctx context.Context, key string) (model.Message, error) {
	var p chatstate.Pending
	var ok bool
	if err := s.call(func() { p, ok = s.state.RetryPending(key) }); err != nil {
		return model.Message{}, err
	}
	if !ok {
		return model.Message{}, ErrUnknownPending
	}
	return s.submit(ctx, p.ChatID, p.Key, p.Content)
}

func (s *Session) submit(ctx context.Context, chatID, key, content string) (model.Message, error) {
	res, err := s.api.SendMessage(ctx, chatID, content, key)
	if err != nil {
		_ = s.call(func() { s.state.FailPending(key, err) })
		return model.Message{}, err
	}

	if err := s.call(func() {
		if s.state.ConfirmPending(key, res.Message, res.Chat) {
			s.messages.Publish(res.Message)
		}
	}); err != nil {
		return model.Message{}, err
	}
	return res.Message, nil
}

// SetActiveChat switches the chat on screen. It joins the room and, once the server
// has acknowledged the join, leaves the previous private room and loads the chat's
// log. A rejected join leaves the previous chat active. While disconnected the join
// is skipped; it is repeated on reconnect.
func (s *Session) SetActiveChat(ctx context.Context, chatID string) error {
	if _, err := model.ParseChatID(chatID); err != nil {
		return err
	}

	var prev string
	var joined chan error
	if err := s.call(func() {
		prev = s.state.Active()
		s.state.SetActive(chatID)
		if prev != chatID && chatID != model.GroupChatID {
			joined = s.awaitJoin(chatID)
		}
	}); err != nil {
		return err
	}

	if joined != nil {
		if !s.conn.Emit(chat.EventChatJoin, chat.ChatRefPayload{ChatID: chatID}) {
			_ = s.call(func() { s.dropJoin(chatID, joined) })
			select {
			case joined <- ErrNotConnected:
			default:
			}
		}

		select {
		case err := <-joined:
			if err != nil && !errors.Is(err, ErrNotConnected) {
				_ = s.call(func() {
					if s.state.Active() == chatID {
						s.state.SetActive(prev)
					}
				})
				return err
			}
		case <-ctx.Done():
			_ = s.call(func() { s.dropJoin(chatID, joined) })
			s.leave(prev, chatID)
			return ctx.Err()
		}
	}
	s.leave(prev, chatID)

	log, err := s.api.Messages(ctx, chatID, 0)
	if err != nil {
		return err
	}
	return s.call(func() {
		s.publishMessages(s.state.ApplyLog(log.Chat, log.Messages))
	})
}

// leave drops the room subscription of prev after switching to next.
func (s *Session) leave(prev, next string) {
	if prev == next || prev == "" || prev == model.GroupChatID {
		return
	}
	s.conn.Emit(chat.EventChatLeave, chat.ChatRefPayload{ChatID: prev})
}

// ActiveChat returns the chat on screen.
func (s *Session) ActiveChat() string {
	var out string
	_ = s.call(func() { out = s.state.Active() })
	return out
}

// StartPrivateChat opens the private chat with userID and makes it active.
func (s *Session) StartPrivateChat(ctx context.Context, userID string) (model.Chat, error) {
	c, err := s.api.PrivateChat(ctx, userID)
	if err != nil {
		return model.Chat{}, err
	}
	if err := s.call(func() { s.state.ApplySnapshot([]model.Chat{c}) }); err != nil {
		return model.Chat{}, err
	}
	return c, s.SetActiveChat(ctx, c.ID)
}

// Keystroke reports typing in chatID. Typing events are throttled.
func (s *Session) Keystroke(chatID string) {
	s.notifier.Keystroke(chatID)
}

// IsConnected reports whether the live connection is up.
func (s *Session) IsConnected() bool {
	return s.conn.IsConnected()
}

// Chats returns the chat list, most recent activity first.
func (s *Session) Chats() []chatstate.ChatView {
	var out []chatstate.ChatView
	_ = s.call(func() { out = s.state.Chats() })
	return out
}

// Messages returns the confirmed messages of chatID in order.
func (s *Session) Messages(chatID string) []model.Message {
	var out []model.Message
	_ = s.call(func() { out = s.state.Messages(chatID) })
	return out
}

// Pending returns the unconfirmed messages of chatID.
func (s *Session) Pending(chatID string) []chatstate.Pending {
	var out []chatstate.Pending
	_ = s.call(func() { out = s.state.Pending(chatID) })
	return out
}

// OnlineUsers returns the sorted IDs of users known to be online.
func (s *Session) OnlineUsers() []string {
	out := make([]string, 0)
	_ = s.call(func() {
		for id := range s.online {
			out = append(out, id)
		}
	})
	sort.Strings(out)
	return out
}

// Typing returns who is typing in chatID.
func (s *Session) Typing(chatID string) []string {
	return s.tracker.Typing(chatID)
}

// Close ends the session. It must not be called from a subscriber.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.notifier.Stop()
		s.cancel()
		s.conn.Close()
		s.wg.Wait()
		s.tracker.Close()
		s.loop.Close()
	})
}
