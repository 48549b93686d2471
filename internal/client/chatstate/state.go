/*
Package chatstate reconciles what a client knows about its chats: the chat list with
previews and unread counters, the loaded message logs, and the messages the user has
sent that the server has not confirmed yet.

State is not safe for concurrent use. The client owns it from its event loop.
*/
package chatstate

import (
	"sort"
	"time"

	"visionchat/internal/app/model"
)

// PendingStatus is the delivery state of a locally sent message.
type PendingStatus string

const (
	PendingSending PendingStatus = "sending"
	PendingFailed  PendingStatus = "failed"
)

// Pending is a message sent by this client and not yet confirmed by the server. Key
// is the idempotency key it was submitted with.
type Pending struct {
	Key       string
	ChatID    string
	Content   string
	Status    PendingStatus
	Err       error
	CreatedAt time.Time
}

// ChatView is a chat list entry.
type ChatView struct {
	Chat   model.Chat
	Unread int
}

type chatEntry struct {
	chat     model.Chat
	unread   int
	messages []model.Message
	ids      map[string]struct{}
	keys     map[string]struct{}
}

// State is the client's reconciled view.
type State struct {
	selfID string
	active string

	chats map[string]*chatEntry

	pending      map[string]*Pending
	pendingOrder []string

	syncing  bool
	buffered []model.Message
}

// New creates an empty state for the signed-in user selfID.
func New(selfID string) *State {
	return &State{
		selfID:  selfID,
		chats:   make(map[string]*chatEntry),
		pending: make(map[string]*Pending),
	}
}

func (s *State) entry(chatID string) *chatEntry {
	if e, ok := s.chats[chatID]; ok {
		return e
	}

	c := model.Chat{ID: chatID}
	if ref, err := model.ParseChatID(chatID); err == nil {
		c.Kind = ref.Kind
		if ref.Kind == model.KindPrivate {
			c.Participants = ref.Participants[:]
		}
	}

	e := &chatEntry{
		chat: c,
		ids:  make(map[string]struct{}),
		keys: make(map[string]struct{}),
	}
	s.chats[chatID] = e
	return e
}

func newer(a, b *model.Message) bool {
	if b == nil {
		return a != nil
	}
	if a == nil {
		return false
	}
	return b.Before(*a)
}

// mergeChat takes the incoming metadata and keeps whichever preview is more recent,
// so a stale snapshot never moves a chat's last activity backwards. With countGap, a
// newer preview from someone else adds the skipped sequence numbers to unread.
func (s *State) mergeChat(e *chatEntry, incoming model.Chat, countGap bool) {
	prevSeq := e.chat.LastSeq()

	if incoming.Kind != "" {
		e.chat.Kind = incoming.Kind
	}
	if len(incoming.Participants) > 0 {
		e.chat.Participants = incoming.Participants
	}

	if newer(incoming.LastMessage, e.chat.LastMessage) {
		last := *incoming.LastMessage
		e.chat.LastMessage = &last
		e.chat.LastActivity = incoming.LastActivity
		if e.chat.LastActivity.IsZero() {
			e.chat.LastActivity = last.CreatedAt
		}

		if countGap && e.chat.ID != s.active && prevSeq > 0 && last.SenderID != s.selfID {
			e.unread += int(last.Seq - prevSeq)
		}
	} else if e.chat.LastMessage == nil && incoming.LastActivity.After(e.chat.LastActivity) {
		e.chat.LastActivity = incoming.LastActivity
	}
}

// ApplySnapshot merges a chat list fetched from the server.
func (s *State) ApplySnapshot(chats []model.Chat) {
	for _, c := range chats {
		s.mergeChat(s.entry(c.ID), c, true)
	}
}

// SetActive makes chatID the chat on screen and clears its unread counter.
func (s *State) SetActive(chatID string) {
	s.active = chatID
	if chatID != "" {
		s.entry(chatID).unread = 0
	}
}

// Active returns the chat on screen.
func (s *State) Active() string {
	return s.active
}

// ApplyLog merges a fetched message log of chat. Messages already known are skipped.
// It returns the messages that were new.
func (s *State) ApplyLog(chat model.Chat, messages []model.Message) []model.Message {
	e := s.entry(chat.ID)

	added := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		if s.insert(e, m) {
			added = append(added, m)
		}
	}
	s.mergeChat(e, chat, true)

	return added
}

// ApplyMessage applies a message pushed by the server and reports whether it was new.
// During a sync it is held back and replayed by EndSync.
func (s *State) ApplyMessage(m model.Message) bool {
	if s.syncing {
		s.buffered = append(s.buffered, m)
		return false
	}
	return s.applyLive(m)
}

func (s *State) applyLive(m model.Message) bool {
	e := s.entry(m.ChatID)

	if m.IdempotencyKey != "" {
		if _, ok := s.pending[m.IdempotencyKey]; ok {
			s.removePending(m.IdempotencyKey)
		}
	}

	if !s.insert(e, m) {
		return false
	}

	// a snapshot may already have counted this one as part of a gap
	prevSeq := e.chat.LastSeq()

	msg := m
	s.mergeChat(e, model.Chat{ID: m.ChatID, LastMessage: &msg, LastActivity: m.CreatedAt}, false)
	if m.ChatID != s.active && m.SenderID != s.selfID && m.Seq > prevSeq {
		e.unread++
	}
	return true
}

// insert adds m at its position in the log unless its ID or idempotency key is
// already present.
func (s *State) insert(e *chatEntry, m model.Message) bool {
	if _, ok := e.ids[m.ID]; ok {
		return false
	}
	if m.IdempotencyKey != "" {
		if _, ok := e.keys[m.IdempotencyKey]; ok {
			return false
		}
		e.keys[m.IdempotencyKey] = struct{}{}
	}
	e.ids[m.ID] = struct{}{}

	i := sort.Search(len(e.messages), func(i int) bool { return m.Before(e.messages[i]) })
	e.messages = append(e.messages, model.Message{})
	copy(e.messages[i+1:], e.messages[i:])
	e.messages[i] = m

	return true
}

// AddPending records an optimistic message under its idempotency key.
func (s *State) AddPending(chatID, key, content string, now time.Time) Pending {
	p := &Pending{Key: key, ChatID: chatID, Content: content, Status: PendingSending, CreatedAt: now}
	if _, ok := s.pending[key]; !ok {
		s.pendingOrder = append(s.pendingOrder, key)
	}
	s.pending[key] = p
	return *p
}

// ConfirmPending replaces the pending entry of key with the stored message and merges
// the chat preview returned with it. It reports whether the message was new.
func (s *State) ConfirmPending(key string, m model.Message, chat model.Chat) bool {
	s.removePending(key)

	e := s.entry(m.ChatID)
	added := s.insert(e, m)
	if chat.ID == "" {
		msg := m
		chat = model.Chat{ID: m.ChatID, LastMessage: &msg, LastActivity: m.CreatedAt}
	}
	s.mergeChat(e, chat, false)

	return added
}

// FailPending marks the pending entry of key as failed.
func (s *State) FailPending(key string, err error) {
	if p, ok := s.pending[key]; ok {
		p.Status = PendingFailed
		p.Err = err
	}
}

// RetryPending puts a failed entry back to sending and returns it.
func (s *State) RetryPending(key string) (Pending, bool) {
	p, ok := s.pending[key]
	if !ok {
		return Pending{}, false
	}
	p.Status = PendingSending
	p.Err = nil
	return *p, true
}

func (s *State) removePending(key string) {
	if _, ok := s.pending[key]; !ok {
		return
	}
	delete(s.pending, key)
	for i, k := range s.pendingOrder {
		if k == key {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			break
		}
	}
}

// BeginSync starts holding back live messages while a catch-up fetch is in flight.
func (s *State) BeginSync() {
	s.syncing = true
}

// EndSync applies the messages held back since BeginSync, after the fetched snapshot,
// and returns those that were new.
func (s *State) EndSync() []model.Message {
	s.syncing = false
	buffered := s.buffered
	s.buffered = nil

	added := make([]model.Message, 0, len(buffered))
	for _, m := range buffered {
		if s.applyLive(m) {
			added = append(added, m)
		}
	}
	return added
}

// Syncing reports whether a catch-up is in flight.
func (s *State) Syncing() bool {
	return s.syncing
}

// Chats returns the chat list, most recent activity first.
func (s *State) Chats() []ChatView {
	views := make([]ChatView, 0, len(s.chats))
	for _, e := range s.chats {
		views = append(views, ChatView{Chat: e.chat, Unread: e.unread})
	}

	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i].Chat.LastActivity, views[j].Chat.LastActivity
		if !a.Equal(b) {
			return a.After(b)
		}
		return views[i].Chat.ID < views[j].Chat.ID
	})
	return views
}

// Chat returns the view of chatID.
func (s *State) Chat(chatID string) (ChatView, bool) {
	e, ok := s.chats[chatID]
	if !ok {
		return ChatView{}, false
	}
	return ChatView{Chat: e.chat, Unread: e.unread}, true
}

// Messages returns the confirmed log of chatID in order.
func (s *State) Messages(chatID string) []model.Message {
	e, ok := s.chats[chatID]
	if !ok {
		return []model.Message{}
	}
	return append([]model.Message(nil), e.messages...)
}

// Pending returns the unconfirmed messages of chatID in the order they were sent.
func (s *State) Pending(chatID string) []Pending {
	out := make([]Pending, 0)
	for _, key := range s.pendingOrder {
		if p := s.pending[key]; p.ChatID == chatID {
			out = append(out, *p)
		}
	}
	return out
}
