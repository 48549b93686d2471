package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"visionchat/internal/app/model"
	"visionchat/internal/pkg/logx"
)

// PresenceNotifier receives online/offline transitions. The router implements it.
type PresenceNotifier interface {
	NotifyPresence(userID string, online bool)
}

type presenceEntry struct {
	handles map[string]struct{}

	// pending offline announcement, armed when the last handle leaves
	offline *time.Timer
	gen     uint64
}

// Presence tracks which users hold at least one live connection.
type Presence struct {
	mu sync.Mutex

	users   map[string]*presenceEntry
	handles map[string]string // handle -> user ID

	grace    time.Duration
	notifier PresenceNotifier
	logger   zerolog.Logger
}

// NewPresence creates a registry announcing transitions to notifier. A positive grace
// delays the offline announcement so a quick reconnect goes unnoticed.
func NewPresence(notifier PresenceNotifier, grace time.Duration) *Presence {
	return &Presence{
		users:    make(map[string]*presenceEntry),
		handles:  make(map[string]string),
		grace:    grace,
		notifier: notifier,
		logger:   logx.Component("Presence"),
	}
}

// Join registers handle for userID. The first handle of a user announces it online,
// unless an offline announcement was still pending, in which case that is cancelled
// and nothing is announced.
func (p *Presence) Join(userID, handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.handles[handle]; ok {
		return
	}
	p.handles[handle] = userID

	entry, ok := p.users[userID]
	if !ok {
		entry = &presenceEntry{handles: make(map[string]struct{})}
		p.users[userID] = entry
		entry.handles[handle] = struct{}{}

		p.logger.Debug().Str("user_id", userID).Msg("User online.")
		p.notifier.NotifyPresence(userID, true)
		return
	}

	if entry.offline != nil {
		entry.offline.Stop()
		entry.offline = nil
		entry.gen++
		p.logger.Debug().Str("user_id", userID).Msg("Reconnect within grace, offline cancelled.")
	}
	entry.handles[handle] = struct{}{}
}

// Leave removes handle. Unknown handles are ignored, so calling it twice is harmless.
func (p *Presence) Leave(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	userID, ok := p.handles[handle]
	if !ok {
		return
	}
	delete(p.handles, handle)

	entry := p.users[userID]
	delete(entry.handles, handle)
	if len(entry.handles) > 0 {
		return
	}

	if p.grace <= 0 {
		p.goOffline(userID)
		return
	}

	entry.gen++
	gen := entry.gen
	entry.offline = time.AfterFunc(p.grace, func() { p.expire(userID, gen) })
}

func (p *Presence) expire(userID string, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.users[userID]
	if !ok || entry.gen != gen || len(entry.handles) > 0 {
		return
	}
	p.goOffline(userID)
}

// goOffline must be called with p.mu held.
func (p *Presence) goOffline(userID string) {
	delete(p.users, userID)
	p.logger.Debug().Str("user_id", userID).Msg("User offline.")
	p.notifier.NotifyPresence(userID, false)
}

// IsOnline reports whether userID counts as online. A user inside the grace window
// still does.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.users[userID]
	return ok
}

// OnlineUsers returns the sorted online members of chatID: everyone for the
// community room, the online participants for a private chat.
func (p *Presence) OnlineUsers(chatID string) []string {
	ref, err := model.ParseChatID(chatID)
	if err != nil {
		return []string{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	online := make([]string, 0)
	if ref.Kind == model.KindGroup {
		for id := range p.users {
			online = append(online, id)
		}
		sort.Strings(online)
		return online
	}

	for _, id := range ref.Participants {
		if _, ok := p.users[id]; ok {
			online = append(online, id)
		}
	}
	return online
}

// Close cancels pending offline announcements.
func (p *Presence) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.users {
		if entry.offline != nil {
			entry.offline.Stop()
			entry.offline = nil
		}
		entry.gen++
	}
}
