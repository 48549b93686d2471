package typing

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) emit(chatID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s:%t", chatID, isTyping))
}

func (r *recorder) change(chatID, userID string, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s/%s:%t", chatID, userID, typing))
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestNotifierThrottlesTypingEvents(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier(rec.emit, 300*time.Millisecond, time.Hour)
	defer n.Stop()

	clock := time.Unix(0, 0)
	n.now = func() time.Time { return clock }

	// ten keystrokes 50ms apart span 450ms: one event at 0 and one at 300ms
	for i := 0; i < 10; i++ {
		n.Keystroke("community")
		clock = clock.Add(50 * time.Millisecond)
	}

	assert.Equal(t, []string{"community:true", "community:true"}, rec.get())
}

func TestNotifierSendsFalseAfterIdle(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier(rec.emit, time.Second, 50*time.Millisecond)

	n.Keystroke("community")

	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"community:true", "community:false"}, rec.get())
}

func TestNotifierStopSendsFalseOnce(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier(rec.emit, time.Second, 50*time.Millisecond)

	n.Keystroke("community")
	n.Stop()
	n.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"community:true", "community:false"}, rec.get())
}

func TestNotifierSwitchingChatsEndsPreviousIndicator(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier(rec.emit, time.Second, time.Hour)
	defer n.Stop()

	n.Keystroke("community")
	n.Keystroke("private:a:b")

	assert.Equal(t, []string{"community:true", "community:false", "private:a:b:true"}, rec.get())
}

func TestNotifierDoesNotHoldLockWhileEmitting(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	emit := func(string, bool) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	n := NewNotifier(emit, time.Hour, time.Hour)

	go n.Keystroke("community")
	<-entered

	// the first emit is stuck on a slow socket write
	done := make(chan struct{})
	go func() {
		n.Keystroke("community")
		n.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notifier blocked behind a pending emit")
	}
	close(release)
}

func TestTrackerExpiresWithoutStopEvent(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(50*time.Millisecond, rec.change)
	defer tr.Close()

	tr.Set("community", "u1", true)
	assert.Equal(t, []string{"u1"}, tr.Typing("community"))

	require.Eventually(t, func() bool { return len(tr.Typing("community")) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"community/u1:true", "community/u1:false"}, rec.get())
}

func TestTrackerRefreshExtendsIndicator(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(80*time.Millisecond, rec.change)
	defer tr.Close()

	tr.Set("community", "u1", true)
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		tr.Set("community", "u1", true)
	}

	assert.Equal(t, []string{"u1"}, tr.Typing("community"))
	assert.Equal(t, []string{"community/u1:true"}, rec.get())
}

func TestTrackerStopEventClearsImmediately(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(time.Hour, rec.change)
	defer tr.Close()

	tr.Set("community", "u2", true)
	tr.Set("community", "u1", true)
	tr.Set("private:u1:u2", "u1", true)
	assert.Equal(t, []string{"u1", "u2"}, tr.Typing("community"))

	tr.Set("community", "u1", false)
	tr.Set("community", "u3", false)

	assert.Equal(t, []string{"u2"}, tr.Typing("community"))
	assert.Equal(t, []string{"u1"}, tr.Typing("private:u1:u2"))
	assert.Equal(t, []string{
		"community/u2:true",
		"community/u1:true",
		"private:u1:u2/u1:true",
		"community/u1:false",
	}, rec.get())
}
