package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"visionchat/internal/app/model"
	"visionchat/internal/app/user"
	"visionchat/internal/pkg/logx"
)

// ConnectionHeader carries the WebSocket connection ID on REST calls so the server
// can leave the sending connection out of the broadcast.
const ConnectionHeader = logx.ConnectionHeader

const defaultRequestTimeout = 10 * time.Second

// APIError is a non-zero envelope code returned by the server.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (http %d): %s", e.Code, e.Status, e.Message)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	Token string    `json:"token"`
	User  user.User `json:"user"`
}

// MessageLog is the catch-up payload of a chat. HasMore is set on a page that does
// not reach the end of the log.
type MessageLog struct {
	Chat     model.Chat      `json:"chat"`
	Messages []model.Message `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

// SendResult is the stored message and the chat preview after it.
type SendResult struct {
	Chat      model.Chat    `json:"chat"`
	Message   model.Message `json:"message"`
	Duplicate bool          `json:"duplicate"`
}

// API is a client for the REST surface of the chat server.
type API struct {
	baseURL string
	http    *http.Client
	timeout time.Duration

	mu     sync.RWMutex
	token  string
	connID string
}

// NewAPI creates a client for baseURL (e.g. http://localhost:8080). A nil httpClient
// selects a fresh client.
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		timeout: defaultRequestTimeout,
	}
}

// SetToken sets the identity token sent as a bearer token.
func (a *API) SetToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
}

// Token returns the current identity token.
func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// SetConnectionID sets the live connection ID sent with every request. Empty clears it.
func (a *API) SetConnectionID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connID = id
}

// Register creates an account and stores the returned token.
func (a *API) Register(ctx context.Context, username, password, displayName string) (AuthResult, error) {
	var out AuthResult
	body := map[string]string{"username": username, "password": password}
	if displayName != "" {
		body["displayName"] = displayName
	}
	if err := a.do(ctx, http.MethodPost, "/api/auth/register", body, &out); err != nil {
		return AuthResult{}, err
	}
	a.SetToken(out.Token)
	return out, nil
}

// Login authenticates and stores the returned token.
func (a *API) Login(ctx context.Context, username, password string) (AuthResult, error) {
	var out AuthResult
	body := map[string]string{"username": username, "password": password}
	if err := a.do(ctx, http.MethodPost, "/api/auth/login", body, &out); err != nil {
		return AuthResult{}, err
	}
	a.SetToken(out.Token)
	return out, nil
}

func (a *API) Profile(ctx context.Context) (user.User, error) {
	var out user.User
	err := a.do(ctx, http.MethodGet, "/api/user/profile", nil, &out)
	return out, err
}

// GroupChat returns the community chat.
func (a *API) GroupChat(ctx context.Context) (model.Chat, error) {
	var out model.Chat
	err := a.do(ctx, http.MethodGet, "/api/chat/group", nil, &out)
	return out, err
}

// PrivateChat returns the private chat with peerID, creating it if needed.
func (a *API) PrivateChat(ctx context.Context, peerID string) (model.Chat, error) {
	var out model.Chat
	err := a.do(ctx, http.MethodGet, "/api/chat/private/"+url.PathEscape(peerID), nil, &out)
	return out, err
}

// ListChats returns the chats of the current user, most recent activity first.
func (a *API) ListChats(ctx context.Context) ([]model.Chat, error) {
	var out struct {
		Chats []model.Chat `json:"chats"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/chat", nil, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// Messages returns the chat and its whole log after sequence number after (0 for
// all), following pages until the server reports the end.
func (a *API) Messages(ctx context.Context, chatID string, after int64) (MessageLog, error) {
	var out MessageLog
	for {
		page, err := a.MessagesPage(ctx, chatID, after)
		if err != nil {
			return MessageLog{}, err
		}

		out.Chat = page.Chat
		out.Messages = append(out.Messages, page.Messages...)
		if !page.HasMore || len(page.Messages) == 0 {
			return out, nil
		}
		after = page.Messages[len(page.Messages)-1].Seq
	}
}

// MessagesPage returns one server page of the log of chatID after sequence number after.
func (a *API) MessagesPage(ctx context.Context, chatID string, after int64) (MessageLog, error) {
	path := "/api/chat/" + url.PathEscape(chatID) + "/messages"
	if after > 0 {
		path += "?after=" + strconv.FormatInt(after, 10)
	}

	var out MessageLog
	err := a.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// SendMessage persists a message. Resending with the same idempotencyKey returns the
// stored message instead of a second copy.
func (a *API) SendMessage(ctx context.Context, chatID, content, idempotencyKey string) (SendResult, error) {
	body := map[string]string{"content": content, "idempotencyKey": idempotencyKey}

	var out SendResult
	err := a.do(ctx, http.MethodPost, "/api/chat/"+url.PathEscape(chatID)+"/message", body, &out)
	return out, err
}

// OnlineUsers returns who is online in chatID.
func (a *API) OnlineUsers(ctx context.Context, chatID string) ([]string, error) {
	var out struct {
		OnlineUsers []string `json:"onlineUsers"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/chat/"+url.PathEscape(chatID)+"/online", nil, &out); err != nil {
		return nil, err
	}
	return out.OnlineUsers, nil
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	a.mu.RLock()
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if a.connID != "" {
		req.Header.Set(ConnectionHeader, a.connID)
	}
	a.mu.RUnlock()

	res, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response (http %d): %w", method, path, res.StatusCode, err)
	}
	if env.Code != 0 {
		return &APIError{Status: res.StatusCode, Code: env.Code, Message: env.Message}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s %s: decode data: %w", method, path, err)
	}
	return nil
}
