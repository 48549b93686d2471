package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"visionchat/internal/app/model"
	"visionchat/internal/app/user"
	"visionchat/internal/pkg/randx"
)

type memoryChat struct {
	chat     model.Chat
	messages []model.Message
}

// Memory is an in-process Store. All state is lost on restart.
type Memory struct {
	mu sync.RWMutex

	accounts   map[string]user.Account // by ID
	byUsername map[string]string       // username -> ID
	chats      map[string]*memoryChat
	idem       map[string]model.Message

	now func() time.Time
}

// NewMemory returns an empty Memory store holding the community chat.
func NewMemory() *Memory {
	m := &Memory{
		accounts:   make(map[string]user.Account),
		byUsername: make(map[string]string),
		chats:      make(map[string]*memoryChat),
		idem:       make(map[string]model.Message),
		now:        time.Now,
	}
	m.chats[model.GroupChatID] = &memoryChat{chat: model.Chat{ID: model.GroupChatID, Kind: model.KindGroup}}
	return m
}

// AddUser inserts a profile without credentials. Used to seed tests and demos.
func (m *Memory) AddUser(u user.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[u.ID] = user.Account{User: u}
}

func (m *Memory) CreateAccount(ctx context.Context, username, passwordHash, displayName string) (user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byUsername[username]; ok {
		return user.User{}, fmt.Errorf("username %q: %w", username, ErrConflict)
	}

	acc := user.Account{
		User:         user.User{ID: randx.UserID(), DisplayName: displayName},
		Username:     username,
		PasswordHash: passwordHash,
	}
	m.accounts[acc.ID] = acc
	m.byUsername[username] = acc.ID

	return acc.User, nil
}

func (m *Memory) GetAccountByUsername(ctx context.Context, username string) (user.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUsername[username]
	if !ok {
		return user.Account{}, ErrNotFound
	}
	return m.accounts[id], nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (user.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[id]
	if !ok {
		return user.User{}, ErrNotFound
	}
	return acc.User, nil
}

func (m *Memory) EnsureChat(ctx context.Context, chatID string) (model.Chat, error) {
	ref, err := model.ParseChatID(chatID)
	if err != nil {
		return model.Chat{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.chats[chatID]; ok {
		return c.chat, nil
	}

	c := &memoryChat{chat: model.Chat{
		ID:           chatID,
		Kind:         ref.Kind,
		Participants: []string{ref.Participants[0], ref.Participants[1]},
	}}
	m.chats[chatID] = c
	return c.chat, nil
}

func (m *Memory) GetChat(ctx context.Context, chatID string) (model.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chats[chatID]
	if !ok {
		return model.Chat{}, ErrNotFound
	}
	return c.chat, nil
}

func (m *Memory) ListChats(ctx context.Context, userID string) ([]model.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Chat
	for _, c := range m.chats {
		if c.chat.Kind == model.KindGroup || slices.Contains(c.chat.Participants, userID) {
			out = append(out, c.chat)
		}
	}

	slices.SortFunc(out, func(a, b model.Chat) int {
		if n := b.LastActivity.Compare(a.LastActivity); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) ListMessages(ctx context.Context, chatID string, afterSeq int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}

	// Seq starts at 1 and is dense, so the slice index of seq n is n-1.
	start := min(max(afterSeq, 0), int64(len(c.messages)))
	end := min(start+int64(limit), int64(len(c.messages)))

	return slices.Clone(c.messages[start:end]), nil
}

func (m *Memory) AppendMessage(ctx context.Context, msg model.NewMessage) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chats[msg.ChatID]
	if !ok {
		return AppendResult{}, ErrNotFound
	}

	var idemKey string
	if msg.IdempotencyKey != "" {
		idemKey = IdempotencyIndex(msg.ChatID, msg.SenderID, msg.IdempotencyKey)
		if existing, ok := m.idem[idemKey]; ok {
			return AppendResult{Message: existing, Chat: c.chat}, nil
		}
	}

	createdAt := m.now().UTC()
	if createdAt.Before(c.chat.LastActivity) {
		createdAt = c.chat.LastActivity
	}

	stored := model.Message{
		ID:             randx.MessageID(),
		ChatID:         msg.ChatID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		Type:           cmp.Or(msg.Type, model.TypeText),
		Seq:            int64(len(c.messages)) + 1,
		CreatedAt:      createdAt,
		IdempotencyKey: msg.IdempotencyKey,
	}

	c.messages = append(c.messages, stored)
	last := stored
	c.chat.LastMessage = &last
	c.chat.LastActivity = createdAt

	if idemKey != "" {
		m.idem[idemKey] = stored
	}

	return AppendResult{Message: stored, Chat: c.chat, Created: true}, nil
}

func (m *Memory) Close() error {
	return nil
}
