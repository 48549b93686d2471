package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionchat/internal/app/model"
)

func TestMemoryAccounts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	u, err := m.CreateAccount(ctx, "ada", "hash", "Ada")
	require.NoError(t, err)

	_, err = m.CreateAccount(ctx, "ada", "hash2", "Other")
	assert.ErrorIs(t, err, ErrConflict)

	acc, err := m.GetAccountByUsername(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, u.ID, acc.ID)
	assert.Equal(t, "hash", acc.PasswordHash)

	_, err = m.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAppendAssignsSequence(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.AppendMessage(ctx, model.NewMessage{ChatID: model.GroupChatID, SenderID: "a", Content: "one"})
	require.NoError(t, err)
	second, err := m.AppendMessage(ctx, model.NewMessage{ChatID: model.GroupChatID, SenderID: "b", Content: "two"})
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.Equal(t, int64(1), first.Message.Seq)
	assert.Equal(t, int64(2), second.Message.Seq)
	assert.Equal(t, model.TypeText, second.Message.Type)
	assert.False(t, second.Message.CreatedAt.Before(first.Message.CreatedAt))
	require.NotNil(t, second.Chat.LastMessage)
	assert.Equal(t, "two", second.Chat.LastMessage.Content)

	all, err := m.ListMessages(ctx, model.GroupChatID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	tail, err := m.ListMessages(ctx, model.GroupChatID, 1, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "two", tail[0].Content)

	none, err := m.ListMessages(ctx, model.GroupChatID, 99, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	msg := model.NewMessage{ChatID: model.GroupChatID, SenderID: "a", Content: "hi", IdempotencyKey: "k1"}

	first, err := m.AppendMessage(ctx, msg)
	require.NoError(t, err)
	again, err := m.AppendMessage(ctx, msg)
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, again.Created)
	assert.Equal(t, first.Message.ID, again.Message.ID)

	// the same key from another sender is a different submission
	other, err := m.AppendMessage(ctx, model.NewMessage{ChatID: model.GroupChatID, SenderID: "b", Content: "hi", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, other.Created)

	all, err := m.ListMessages(ctx, model.GroupChatID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryCreatedAtNeverDecreases(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Minute)}
	m.now = func() time.Time {
		next := clock[0]
		clock = clock[1:]
		return next
	}

	first, err := m.AppendMessage(ctx, model.NewMessage{ChatID: model.GroupChatID, SenderID: "a", Content: "1"})
	require.NoError(t, err)
	second, err := m.AppendMessage(ctx, model.NewMessage{ChatID: model.GroupChatID, SenderID: "a", Content: "2"})
	require.NoError(t, err)

	assert.Equal(t, first.Message.CreatedAt, second.Message.CreatedAt)
	assert.True(t, first.Message.Before(second.Message))
}

func TestMemoryConcurrentAppendsAreTotallyOrdered(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.AppendMessage(ctx, model.NewMessage{ChatID: model.GroupChatID, SenderID: "a", Content: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := m.ListMessages(ctx, model.GroupChatID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 50)
	for i, msg := range all {
		assert.Equal(t, int64(i+1), msg.Seq)
		if i > 0 {
			assert.False(t, msg.CreatedAt.Before(all[i-1].CreatedAt))
		}
	}
}

func TestMemoryChats(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.EnsureChat(ctx, "bogus")
	assert.ErrorIs(t, err, model.ErrInvalidChatID)

	id, err := model.PrivateChatID("alice", "bob")
	require.NoError(t, err)

	c, err := m.EnsureChat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.KindPrivate, c.Kind)
	assert.ElementsMatch(t, []string{"alice", "bob"}, c.Participants)

	_, err = m.AppendMessage(ctx, model.NewMessage{ChatID: id, SenderID: "alice", Content: "psst"})
	require.NoError(t, err)

	chats, err := m.ListChats(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, id, chats[0].ID, "most recent first")

	chats, err = m.ListChats(ctx, "mallory")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, model.GroupChatID, chats[0].ID)

	_, err = m.AppendMessage(ctx, model.NewMessage{ChatID: "private:x:y", SenderID: "x", Content: "?"})
	assert.ErrorIs(t, err, ErrNotFound)
}
