/*
Package store defines the storage collaborator behind the realtime layer: accounts,
chats and the append-only message log.

Two implementations exist: Memory in this package, used in development and tests,
and the PostgreSQL store in package db.
*/
package store

import (
	"context"
	"errors"

	"visionchat/internal/app/model"
	"visionchat/internal/app/user"
)

var (
	// ErrNotFound is returned when the requested user or chat does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a unique constraint (username) is violated.
	ErrConflict = errors.New("conflict")
)

// DefaultPageSize bounds ListMessages when the caller passes a non-positive limit.
const DefaultPageSize = 500

// AppendResult is the outcome of AppendMessage.
type AppendResult struct {
	Message model.Message
	Chat    model.Chat

	// Created is false when an earlier append with the same idempotency key was found.
	Created bool
}

// Store is the CRUD surface of the storage collaborator.
type Store interface {
	// CreateAccount registers a new account. Duplicate usernames yield ErrConflict.
	CreateAccount(ctx context.Context, username, passwordHash, displayName string) (user.User, error)

	// GetAccountByUsername looks up credentials for login.
	GetAccountByUsername(ctx context.Context, username string) (user.Account, error)

	// GetUser looks up a profile by ID.
	GetUser(ctx context.Context, id string) (user.User, error)

	// EnsureChat returns the chat with the canonical id, creating it when missing.
	EnsureChat(ctx context.Context, chatID string) (model.Chat, error)

	// GetChat returns an existing chat with its last-message preview.
	GetChat(ctx context.Context, chatID string) (model.Chat, error)

	// ListChats returns the group chat and the user's private chats, most recent first.
	ListChats(ctx context.Context, userID string) ([]model.Chat, error)

	// ListMessages returns messages with Seq > afterSeq in ascending Seq order.
	ListMessages(ctx context.Context, chatID string, afterSeq int64, limit int) ([]model.Message, error)

	// AppendMessage persists msg exactly once per (chat, sender, idempotency key).
	// The store assigns ID, Seq and CreatedAt; CreatedAt never decreases within a chat.
	AppendMessage(ctx context.Context, msg model.NewMessage) (AppendResult, error)

	// Close releases the underlying resources.
	Close() error
}

// IdempotencyIndex is the key used to detect duplicate appends.
func IdempotencyIndex(chatID, senderID, key string) string {
	return chatID + "\x00" + senderID + "\x00" + key
}
