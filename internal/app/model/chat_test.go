package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrivateChatIDIsOrderIndependent(t *testing.T) {
	ab, err := PrivateChatID("alice", "bob")
	require.NoError(t, err)

	ba, err := PrivateChatID("bob", "alice")
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
	assert.Equal(t, "private:alice:bob", ab)
}

func TestPrivateChatIDRejectsBadInput(t *testing.T) {
	_, err := PrivateChatID("alice", "alice")
	assert.ErrorIs(t, err, ErrSelfChat)

	_, err = PrivateChatID("", "bob")
	assert.ErrorIs(t, err, ErrInvalidChatID)

	_, err = PrivateChatID("a:b", "c")
	assert.ErrorIs(t, err, ErrInvalidChatID)
}

func TestParseChatID(t *testing.T) {
	group, err := ParseChatID(GroupChatID)
	require.NoError(t, err)
	assert.Equal(t, KindGroup, group.Kind)
	assert.True(t, group.HasParticipant("anyone"))

	private, err := ParseChatID("private:alice:bob")
	require.NoError(t, err)
	assert.Equal(t, KindPrivate, private.Kind)
	assert.True(t, private.HasParticipant("alice"))
	assert.True(t, private.HasParticipant("bob"))
	assert.False(t, private.HasParticipant("mallory"))
	assert.Equal(t, "bob", private.Peer("alice"))

	for _, bad := range []string{"", "general", "private:", "private:bob:alice", "private:alice", "private:alice:alice", "private:a:b:c"} {
		_, err := ParseChatID(bad)
		assert.Error(t, err, bad)
	}
}

func TestMessageBefore(t *testing.T) {
	now := time.Now()
	first := Message{Seq: 1, CreatedAt: now}
	second := Message{Seq: 2, CreatedAt: now.Add(-time.Second)}

	assert.True(t, first.Before(second))
	assert.False(t, second.Before(first))
}
