package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionchat/internal/app/chat"
	"visionchat/internal/app/delivery"
	"visionchat/internal/app/model"
	"visionchat/internal/app/store"
	"visionchat/internal/configs"
	"visionchat/internal/pkg/errs"
	"visionchat/internal/pkg/logx"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	*httptest.Server
	deps *AppDeps
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &configs.AppConfig{
		Environment:      "development",
		JWTSecret:        "test-secret",
		HeartbeatTimeout: 5 * time.Second,
		RequestTimeout:   5 * time.Second,
		MessageMaxBytes:  5000,
	}

	st := store.NewMemory()
	hub := chat.NewHub(cfg, ChatAuthorizer(st))
	deps := &AppDeps{
		Config:   cfg,
		Store:    st,
		Hub:      hub,
		Pipeline: delivery.New(st, hub.Router(), cfg),
	}

	srv := httptest.NewServer(Router(deps))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
		deps.Close()
	})

	return &testServer{Server: srv, deps: deps}
}

func (s *testServer) call(t *testing.T, method, path, token string, body any, header http.Header) envelope {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(res.Body).Decode(&env))
	return env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	require.Zero(t, env.Code, "unexpected error: %s", env.Message)
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func (s *testServer) register(t *testing.T, username string) AuthResponse {
	t.Helper()
	env := s.call(t, http.MethodPost, "/api/auth/register", "", RegisterInput{
		Username:    username,
		Password:    "secret123",
		DisplayName: strings.ToUpper(username[:1]) + username[1:],
	}, nil)
	return decode[AuthResponse](t, env)
}

func (s *testServer) dial(t *testing.T, token string) (*websocket.Conn, chat.SessionInitPayload) {
	t.Helper()

	u := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + url.QueryEscape(token)
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	var init chat.SessionInitPayload
	require.NoError(t, json.Unmarshal(waitFor(t, ws, chat.EventSessionInit).Payload, &init))
	return ws, init
}

func send(t *testing.T, ws *websocket.Conn, eventType string, payload any) {
	t.Helper()
	data, err := chat.Encode(eventType, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

// readUntil reads frames until one of eventType arrives and returns it together
// with the frames skipped on the way.
func readUntil(t *testing.T, ws *websocket.Conn, eventType string) (chat.Envelope, []chat.Envelope) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))

	var skipped []chat.Envelope
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", eventType)

		var env chat.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == eventType {
			return env, skipped
		}
		skipped = append(skipped, env)
	}
}

func waitFor(t *testing.T, ws *websocket.Conn, eventType string) chat.Envelope {
	t.Helper()
	env, _ := readUntil(t, ws, eventType)
	return env
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	env := s.call(t, http.MethodGet, "/health", "", nil, nil)
	assert.Zero(t, env.Code)
}

func TestRegisterLoginProfile(t *testing.T) {
	s := newTestServer(t)

	reg := s.register(t, "alice")
	assert.NotEmpty(t, reg.Token)
	assert.Equal(t, "Alice", reg.User.DisplayName)

	env := s.call(t, http.MethodPost, "/api/auth/register", "", RegisterInput{Username: "alice", Password: "secret123"}, nil)
	assert.Equal(t, errs.ErrUserAlreadyExists, env.Code)

	env = s.call(t, http.MethodPost, "/api/auth/register", "", RegisterInput{Username: "B!", Password: "secret123"}, nil)
	assert.Equal(t, errs.ErrInvalidUsername, env.Code)

	env = s.call(t, http.MethodPost, "/api/auth/login", "", LoginInput{Username: "alice", Password: "wrong-pass"}, nil)
	assert.Equal(t, errs.ErrInvalidCredentials, env.Code)

	login := decode[AuthResponse](t, s.call(t, http.MethodPost, "/api/auth/login", "", LoginInput{Username: "alice", Password: "secret123"}, nil))
	assert.Equal(t, reg.User.ID, login.User.ID)

	env = s.call(t, http.MethodPost, "/api/auth/login", login.Token, LoginInput{Username: "alice", Password: "secret123"}, nil)
	assert.Equal(t, errs.ErrAlreadyLoggedIn, env.Code)

	profile := s.call(t, http.MethodGet, "/api/user/profile", login.Token, nil, nil)
	assert.Contains(t, string(profile.Data), reg.User.ID)

	env = s.call(t, http.MethodGet, "/api/user/profile", "", nil, nil)
	assert.Equal(t, errs.ErrUnauthorized, env.Code)
}

func TestChatAccessRules(t *testing.T) {
	s := newTestServer(t)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")
	mallory := s.register(t, "mallory")

	group := decode[model.Chat](t, s.call(t, http.MethodGet, "/api/chat/group", alice.Token, nil, nil))
	assert.Equal(t, model.GroupChatID, group.ID)

	env := s.call(t, http.MethodGet, "/api/chat/private/"+alice.User.ID, alice.Token, nil, nil)
	assert.Equal(t, errs.ErrSelfChat, env.Code)

	env = s.call(t, http.MethodGet, "/api/chat/private/nobody", alice.Token, nil, nil)
	assert.Equal(t, errs.ErrUserNotFound, env.Code)

	private := decode[model.Chat](t, s.call(t, http.MethodGet, "/api/chat/private/"+bob.User.ID, alice.Token, nil, nil))
	fromBob := decode[model.Chat](t, s.call(t, http.MethodGet, "/api/chat/private/"+alice.User.ID, bob.Token, nil, nil))
	assert.Equal(t, private.ID, fromBob.ID, "both sides resolve to the same chat")

	env = s.call(t, http.MethodGet, "/api/chat/"+private.ID+"/messages", mallory.Token, nil, nil)
	assert.Equal(t, errs.ErrChatAccessDenied, env.Code)

	env = s.call(t, http.MethodPost, "/api/chat/"+private.ID+"/message", mallory.Token, SendMessageInput{Content: "hi"}, nil)
	assert.Equal(t, errs.ErrChatAccessDenied, env.Code)

	env = s.call(t, http.MethodGet, "/api/chat/bogus/messages", alice.Token, nil, nil)
	assert.Equal(t, errs.ErrChatIDInvalid, env.Code)

	env = s.call(t, http.MethodGet, "/api/chat/"+model.GroupChatID+"/messages?after=-1", alice.Token, nil, nil)
	assert.Equal(t, errs.ErrInvalidParams, env.Code)

	list := decode[ChatListResponse](t, s.call(t, http.MethodGet, "/api/chat", alice.Token, nil, nil))
	assert.Len(t, list.Chats, 2)

	list = decode[ChatListResponse](t, s.call(t, http.MethodGet, "/api/chat", mallory.Token, nil, nil))
	assert.Len(t, list.Chats, 1)
}

func TestSendMessageIdempotencyAndCatchUp(t *testing.T) {
	s := newTestServer(t)
	alice := s.register(t, "alice")

	path := "/api/chat/" + model.GroupChatID
	first := decode[SendMessageResponse](t, s.call(t, http.MethodPost, path+"/message", alice.Token, SendMessageInput{Content: "one", IdempotencyKey: "k1"}, nil))
	retry := decode[SendMessageResponse](t, s.call(t, http.MethodPost, path+"/message", alice.Token, SendMessageInput{Content: "one", IdempotencyKey: "k1"}, nil))
	second := decode[SendMessageResponse](t, s.call(t, http.MethodPost, path+"/message", alice.Token, SendMessageInput{Content: "two"}, nil))

	assert.False(t, first.Duplicate)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, first.Message.ID, retry.Message.ID)
	assert.Equal(t, "two", second.Chat.LastMessage.Content)

	env := s.call(t, http.MethodPost, path+"/message", alice.Token, SendMessageInput{Content: "   "}, nil)
	assert.Equal(t, errs.ErrMessageContentEmpty, env.Code)

	all := decode[MessagesResponse](t, s.call(t, http.MethodGet, path+"/messages", alice.Token, nil, nil))
	require.Len(t, all.Messages, 2)

	tail := decode[MessagesResponse](t, s.call(t, http.MethodGet, path+"/messages?after=1", alice.Token, nil, nil))
	require.Len(t, tail.Messages, 1)
	assert.Equal(t, "two", tail.Messages[0].Content)
	assert.False(t, tail.HasMore)

	page := decode[MessagesResponse](t, s.call(t, http.MethodGet, path+"/messages?limit=1", alice.Token, nil, nil))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "one", page.Messages[0].Content)
	assert.True(t, page.HasMore)
}

func TestWebSocketRequiresToken(t *testing.T) {
	s := newTestServer(t)

	u := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	_, res, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestWebSocketJoinRejectedKeepsConnection(t *testing.T) {
	s := newTestServer(t)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")
	mallory := s.register(t, "mallory")

	private := decode[model.Chat](t, s.call(t, http.MethodGet, "/api/chat/private/"+bob.User.ID, alice.Token, nil, nil))

	ws, _ := s.dial(t, mallory.Token)
	send(t, ws, chat.EventChatJoin, chat.ChatRefPayload{ChatID: private.ID})

	var payload chat.ErrorPayload
	require.NoError(t, json.Unmarshal(waitFor(t, ws, chat.EventError).Payload, &payload))
	assert.Equal(t, errs.ErrChatAccessDenied, payload.Code)
	assert.Equal(t, private.ID, payload.ChatID)

	send(t, ws, chat.EventPing, nil)
	waitFor(t, ws, chat.EventPong)
}

func TestPresenceAndTypingOverWebSocket(t *testing.T) {
	s := newTestServer(t)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")

	bobWS, _ := s.dial(t, bob.Token)
	aliceWS, init := s.dial(t, alice.Token)
	assert.ElementsMatch(t, []string{alice.User.ID, bob.User.ID}, init.OnlineUsers)

	online := waitFor(t, bobWS, chat.EventUserOnline)
	assert.JSONEq(t, `"`+alice.User.ID+`"`, string(online.Payload))

	send(t, aliceWS, chat.EventTyping, chat.TypingPayload{ChatID: model.GroupChatID, IsTyping: true})

	var typing chat.TypingPayload
	require.NoError(t, json.Unmarshal(waitFor(t, bobWS, chat.EventTyping).Payload, &typing))
	assert.Equal(t, alice.User.ID, typing.UserID)
	assert.Equal(t, "Alice", typing.DisplayName)
	assert.True(t, typing.IsTyping)

	require.NoError(t, aliceWS.Close())

	offline := waitFor(t, bobWS, chat.EventUserOffline)
	assert.JSONEq(t, `"`+alice.User.ID+`"`, string(offline.Payload))
}

// Alice and Bob share a private chat. Bob gets "hello" live, misses the second
// message while disconnected, and recovers both from the log.
func TestPrivateChatEndToEnd(t *testing.T) {
	s := newTestServer(t)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")

	private := decode[model.Chat](t, s.call(t, http.MethodGet, "/api/chat/private/"+bob.User.ID, alice.Token, nil, nil))

	aliceWS, aliceInit := s.dial(t, alice.Token)
	bobWS, _ := s.dial(t, bob.Token)

	for _, ws := range []*websocket.Conn{aliceWS, bobWS} {
		send(t, ws, chat.EventChatJoin, chat.ChatRefPayload{ChatID: private.ID})
		waitFor(t, ws, chat.EventChatJoined)
	}

	origin := http.Header{logx.ConnectionHeader: []string{aliceInit.ConnectionID}}
	path := "/api/chat/" + private.ID + "/message"

	sent := decode[SendMessageResponse](t, s.call(t, http.MethodPost, path, alice.Token, SendMessageInput{Content: "hello"}, origin))

	var live model.Message
	require.NoError(t, json.Unmarshal(waitFor(t, bobWS, chat.EventMessage).Payload, &live))
	assert.Equal(t, sent.Message.ID, live.ID)
	assert.Equal(t, "hello", live.Content)
	assert.Equal(t, alice.User.ID, live.SenderID)

	require.NoError(t, bobWS.Close())

	// the sending connection gets the message from the response, not the socket
	_, skipped := readUntil(t, aliceWS, chat.EventUserOffline)
	for _, env := range skipped {
		assert.NotEqual(t, chat.EventMessage, env.Type)
	}

	decode[SendMessageResponse](t, s.call(t, http.MethodPost, path, alice.Token, SendMessageInput{Content: "are you there?"}, origin))

	catchUp := decode[MessagesResponse](t, s.call(t, http.MethodGet, "/api/chat/"+private.ID+"/messages", bob.Token, nil, nil))
	require.Len(t, catchUp.Messages, 2)
	assert.Equal(t, "hello", catchUp.Messages[0].Content)
	assert.Equal(t, "are you there?", catchUp.Messages[1].Content)
	assert.Equal(t, "are you there?", catchUp.Chat.LastMessage.Content)
}
