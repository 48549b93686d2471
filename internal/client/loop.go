/*
Package client is the client side of the realtime chat: the connection manager with
automatic reconnect, a REST client for the chat API, and the Session that ties them
to the local chat state.

Everything that touches client state runs on a single event-loop goroutine (Loop).
Socket frames, REST completions and timers are posted to it.
*/
package client

import "sync"

// Loop runs posted functions one at a time, in posting order, on its own goroutine.
// Post never blocks, so a function running on the loop may post more work.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewLoop starts a loop. Close stops it.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues fn. It reports false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it. It must not be called from the loop
// itself. It reports false if the loop closed before fn ran.
func (l *Loop) Call(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}

	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		select {
		case <-l.wake:
		case <-l.stop:
			return
		}

		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}

// Close discards queued work and stops the loop after the running function returns.
// Like Call, it must not be called from the loop.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()

	close(l.stop)
	<-l.done
}
