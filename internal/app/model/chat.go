/*
Package model defines chats and messages and the rules for chat identifiers.

A chat is either the single community room or a private room between exactly two
users. Private chat IDs are derived from the sorted participant pair so that both
sides always resolve to the same chat.
*/
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes the community room from private rooms.
type Kind string

const (
	KindGroup   Kind = "group"
	KindPrivate Kind = "private"
)

// GroupChatID is the identifier of the single community room.
const GroupChatID = "community"

const privatePrefix = "private:"

var (
	// ErrInvalidChatID is returned for identifiers that are neither the group chat nor a
	// well-formed private pair.
	ErrInvalidChatID = errors.New("invalid chat id")

	// ErrSelfChat is returned when both participants of a private chat are the same user.
	ErrSelfChat = errors.New("private chat requires two distinct users")
)

// Chat is a conversation plus the denormalized preview used for list ordering.
// LastMessage and LastActivity are caches; the message log is authoritative.
type Chat struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Participants []string  `json:"participants,omitempty"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
}

// LastSeq returns the sequence of the cached last message, or 0.
func (c Chat) LastSeq() int64 {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.Seq
}

// Ref is a parsed chat identifier.
type Ref struct {
	ID           string
	Kind         Kind
	Participants [2]string
}

// HasParticipant reports whether userID may access the chat.
func (r Ref) HasParticipant(userID string) bool {
	if r.Kind == KindGroup {
		return true
	}
	return r.Participants[0] == userID || r.Participants[1] == userID
}

// Peer returns the other participant of a private chat.
func (r Ref) Peer(userID string) string {
	if r.Participants[0] == userID {
		return r.Participants[1]
	}
	return r.Participants[0]
}

func validUserID(id string) bool {
	return id != "" && !strings.ContainsAny(id, ": \t\n")
}

// PrivateChatID returns the canonical identifier for the unordered pair {a, b}.
func PrivateChatID(a, b string) (string, error) {
	if !validUserID(a) || !validUserID(b) {
		return "", fmt.Errorf("%w: bad participant", ErrInvalidChatID)
	}
	if a == b {
		return "", ErrSelfChat
	}
	if b < a {
		a, b = b, a
	}
	return privatePrefix + a + ":" + b, nil
}

// ParseChatID validates id and returns its parsed form. Only canonical private IDs
// are accepted.
func ParseChatID(id string) (Ref, error) {
	if id == GroupChatID {
		return Ref{ID: id, Kind: KindGroup}, nil
	}

	rest, ok := strings.CutPrefix(id, privatePrefix)
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidChatID, id)
	}

	a, b, ok := strings.Cut(rest, ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidChatID, id)
	}

	canonical, err := PrivateChatID(a, b)
	if err != nil {
		return Ref{}, err
	}
	if canonical != id {
		return Ref{}, fmt.Errorf("%w: %q is not canonical", ErrInvalidChatID, id)
	}

	return Ref{ID: id, Kind: KindPrivate, Participants: [2]string{a, b}}, nil
}
