package db

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionchat/internal/app/model"
	"visionchat/internal/app/store"
	"visionchat/internal/pkg/randx"
)

// newTestStore connects to TEST_DATABASE_URL; the tests are skipped without it.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	pool, err := NewPool(context.Background(), dsn)
	require.NoError(t, err)

	s := NewStore(pool)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice, err := s.CreateAccount(ctx, "alice_"+randx.MessageID()[:8], "hash", "Alice")
	require.NoError(t, err)
	bob, err := s.CreateAccount(ctx, "bob_"+randx.MessageID()[:8], "hash", "Bob")
	require.NoError(t, err)

	chatID, err := model.PrivateChatID(alice.ID, bob.ID)
	require.NoError(t, err)

	chat, err := s.EnsureChat(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, model.KindPrivate, chat.Kind)
	assert.Nil(t, chat.LastMessage)

	first, err := s.AppendMessage(ctx, model.NewMessage{ChatID: chatID, SenderID: alice.ID, SenderName: "Alice", Content: "hello", IdempotencyKey: "k-1"})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, int64(1), first.Message.Seq)

	dup, err := s.AppendMessage(ctx, model.NewMessage{ChatID: chatID, SenderID: alice.ID, SenderName: "Alice", Content: "hello", IdempotencyKey: "k-1"})
	require.NoError(t, err)
	assert.False(t, dup.Created)
	assert.Equal(t, first.Message.ID, dup.Message.ID)

	second, err := s.AppendMessage(ctx, model.NewMessage{ChatID: chatID, SenderID: alice.ID, SenderName: "Alice", Content: "are you there?"})
	require.NoError(t, err)
	require.NotNil(t, second.Chat.LastMessage)
	assert.Equal(t, "are you there?", second.Chat.LastMessage.Content)

	log, err := s.ListMessages(ctx, chatID, 0, 0)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "hello", log[0].Content)
	assert.Equal(t, "are you there?", log[1].Content)

	chats, err := s.ListChats(ctx, bob.ID)
	require.NoError(t, err)
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	assert.Contains(t, ids, chatID)
	assert.Contains(t, ids, model.GroupChatID)

	_, err = s.ListMessages(ctx, "private:nobody:noone", 0, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStoreConcurrentDuplicateAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := randx.IdempotencyKey()
	sender := randx.UserID()

	var wg sync.WaitGroup
	results := make([]store.AppendResult, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.AppendMessage(ctx, model.NewMessage{ChatID: model.GroupChatID, SenderID: sender, SenderName: "x", Content: "once", IdempotencyKey: key})
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		if r.Created {
			created++
		}
		assert.Equal(t, results[0].Message.ID, r.Message.ID)
	}
	assert.Equal(t, 1, created)
}
