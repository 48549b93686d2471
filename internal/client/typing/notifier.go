/*
Package typing implements both ends of the typing indicator.

The Notifier turns keystrokes into a throttled stream of typing events. The Tracker
keeps the receiving side's view and expires indicators whose "stopped" event never
arrived.
*/
package typing

import (
	"sync"
	"time"
)

const (
	DefaultInterval = 300 * time.Millisecond
	DefaultIdle     = time.Second
	DefaultTTL      = 3 * time.Second
)

// EmitFunc sends a typing event for chatID.
type EmitFunc func(chatID string, isTyping bool)

// Notifier emits isTyping=true at most once per interval while keystrokes keep
// coming, and isTyping=false once the user has been idle for the idle period.
type Notifier struct {
	mu sync.Mutex

	emit     EmitFunc
	interval time.Duration
	idle     time.Duration
	now      func() time.Time

	chatID   string
	typing   bool
	lastSent time.Time

	timer *time.Timer
	gen   uint64
}

// NewNotifier creates a notifier. Zero durations select the defaults. emit is called
// after the notifier's lock is released, so it may block.
func NewNotifier(emit EmitFunc, interval, idle time.Duration) *Notifier {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Notifier{emit: emit, interval: interval, idle: idle, now: time.Now}
}

type event struct {
	chatID   string
	isTyping bool
}

func (n *Notifier) send(events []event) {
	for _, e := range events {
		n.emit(e.chatID, e.isTyping)
	}
}

// Keystroke records input in chatID. Switching chats ends the indicator in the
// previous one first.
func (n *Notifier) Keystroke(chatID string) {
	n.mu.Lock()

	var events []event
	if n.typing && n.chatID != chatID {
		events = append(events, event{n.chatID, false})
		n.typing = false
	}
	n.chatID = chatID

	now := n.now()
	if !n.typing || now.Sub(n.lastSent) >= n.interval {
		events = append(events, event{chatID, true})
		n.typing = true
		n.lastSent = now
	}

	if n.timer != nil {
		n.timer.Stop()
	}
	n.gen++
	gen := n.gen
	n.timer = time.AfterFunc(n.idle, func() { n.expire(gen) })

	n.mu.Unlock()
	n.send(events)
}

func (n *Notifier) expire(gen uint64) {
	n.mu.Lock()
	if gen != n.gen || !n.typing {
		n.mu.Unlock()
		return
	}
	n.typing = false
	chatID := n.chatID
	n.mu.Unlock()

	n.emit(chatID, false)
}

// Stop ends the indicator immediately, as when a message is sent.
func (n *Notifier) Stop() {
	n.mu.Lock()

	n.gen++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	var events []event
	if n.typing {
		n.typing = false
		events = append(events, event{n.chatID, false})
	}

	n.mu.Unlock()
	n.send(events)
}
