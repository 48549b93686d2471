/*
Package chat is the server side of the realtime layer: live connections, the room
router that fans events out to them, and the presence registry.

Every frame on the socket is an Envelope {type, payload}.
*/
package chat

import (
	"encoding/json"
	"fmt"

	"visionchat/internal/app/user"
)

// Event types exchanged over the WebSocket.
const (
	// client -> server
	EventChatJoin  = "chat:join"
	EventChatLeave = "chat:leave"
	EventPing      = "ping"

	// both directions
	EventTyping = "chat:typing"

	// server -> client
	EventSessionInit = "session:init"
	EventChatJoined  = "chat:joined"
	EventMessage     = "message"
	EventUserOnline  = "user:online"
	EventUserOffline = "user:offline"
	EventError       = "error"
	EventPong        = "pong"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals an envelope for eventType with payload.
func Encode(eventType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}

// ChatRefPayload is the payload of chat:join and chat:leave.
type ChatRefPayload struct {
	ChatID string `json:"chatId"`
}

// TypingPayload is chat:typing. Clients send ChatID and IsTyping; the server fills in
// the sender before relaying.
type TypingPayload struct {
	ChatID      string `json:"chatId"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}

// SessionInitPayload is the first frame of every connection.
type SessionInitPayload struct {
	ConnectionID string    `json:"connectionId"`
	User         user.User `json:"user"`
	OnlineUsers  []string  `json:"onlineUsers"`
}

// ChatJoinedPayload acknowledges a successful chat:join.
type ChatJoinedPayload struct {
	ChatID      string   `json:"chatId"`
	OnlineUsers []string `json:"onlineUsers"`
}

// ErrorPayload reports a rejected request on the socket; the connection stays open.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	ChatID  string `json:"chatId,omitempty"`
}
