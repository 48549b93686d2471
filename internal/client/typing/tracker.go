package typing

import (
	"sort"
	"sync"
	"time"
)

// ChangeFunc is told when a user starts or stops typing in a chat.
type ChangeFunc func(chatID, userID string, typing bool)

type key struct {
	chatID string
	userID string
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Tracker holds who is typing where. An indicator not refreshed within the TTL is
// dropped as if the user had stopped.
type Tracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	entries  map[key]*entry
	onChange ChangeFunc
	closed   bool
}

// NewTracker creates a tracker. A zero ttl selects DefaultTTL. onChange may be nil;
// it runs with the tracker's lock held and must not call back into it.
func NewTracker(ttl time.Duration, onChange ChangeFunc) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if onChange == nil {
		onChange = func(string, string, bool) {}
	}
	return &Tracker{ttl: ttl, entries: make(map[key]*entry), onChange: onChange}
}

// Set applies a received typing event.
func (t *Tracker) Set(chatID, userID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	k := key{chatID, userID}
	e, ok := t.entries[k]

	if !isTyping {
		if ok {
			e.timer.Stop()
			delete(t.entries, k)
			t.onChange(chatID, userID, false)
		}
		return
	}

	if ok {
		e.timer.Stop()
	} else {
		e = &entry{}
		t.entries[k] = e
		t.onChange(chatID, userID, true)
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(t.ttl, func() { t.expire(k, gen) })
}

func (t *Tracker) expire(k key, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[k]
	if !ok || e.gen != gen {
		return
	}
	delete(t.entries, k)
	t.onChange(k.chatID, k.userID, false)
}

// Typing returns the sorted IDs of users typing in chatID.
func (t *Tracker) Typing(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]string, 0)
	for k := range t.entries {
		if k.chatID == chatID {
			users = append(users, k.userID)
		}
	}
	sort.Strings(users)
	return users
}

// Close stops all expiry timers. Later events are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
}
