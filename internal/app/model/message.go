package model

import "time"

// MessageType distinguishes user-authored messages from system notices.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeSystem MessageType = "system"
)

// Message is an immutable entry of a chat's append-only log. Seq is assigned by the
// store and orders messages within one chat.
type Message struct {
	ID             string      `json:"id"`
	ChatID         string      `json:"chatId"`
	SenderID       string      `json:"senderId"`
	SenderName     string      `json:"senderName"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	Seq            int64       `json:"seq"`
	CreatedAt      time.Time   `json:"createdAt"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
}

// Before reports whether m precedes o in its chat's log.
func (m Message) Before(o Message) bool {
	if m.Seq != o.Seq {
		return m.Seq < o.Seq
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

// NewMessage is the input of an append to the storage collaborator.
type NewMessage struct {
	ChatID         string
	SenderID       string
	SenderName     string
	Content        string
	Type           MessageType
	IdempotencyKey string
}
