package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"visionchat/internal/app/chat"
	"visionchat/internal/pkg/logx"
)

// Synthetic events raised by the Manager itself.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventReconnecting = "reconnecting"
)

const (
	// DefaultHeartbeat is how long the server may stay silent before the connection
	// is considered dead. The server pings more often than that.
	DefaultHeartbeat = 45 * time.Second

	writeWait = 10 * time.Second
)

// ErrUnauthorized is returned when the server rejects the handshake token. The
// manager gives up instead of retrying.
var ErrUnauthorized = errors.New("websocket handshake unauthorized")

// ConnectEvent is the payload of EventConnect.
type ConnectEvent struct {
	Reconnect bool `json:"reconnect"`
}

// DisconnectEvent is the payload of EventDisconnect.
type DisconnectEvent struct {
	Error string `json:"error,omitempty"`
}

// ReconnectingEvent is the payload of EventReconnecting.
type ReconnectingEvent struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// Handler receives the raw payload of an event on the event loop.
type Handler func(payload json.RawMessage)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string

	// Token is sent as the token query parameter.
	Token string

	// Heartbeat defaults to DefaultHeartbeat.
	Heartbeat time.Duration

	// Backoff controls reconnect delays. Nil selects DefaultBackoff.
	Backoff func() backoff.BackOff

	Dialer *websocket.Dialer
}

// DefaultBackoff waits 1s, 2s, 4s ... up to 30s between attempts, each delay
// randomized by ±50%, and never gives up.
func DefaultBackoff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Manager keeps one WebSocket to the server alive and dispatches its events to
// handlers on the event loop.
type Manager struct {
	opts ManagerOptions
	loop *Loop

	mu       sync.Mutex
	handlers map[string]map[int]Handler
	nextID   int
	ws       *websocket.Conn
	cancel   context.CancelFunc
	started  bool

	writeMu   sync.Mutex
	connected atomic.Bool

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewManager creates a manager dispatching on loop.
func NewManager(opts ManagerOptions, loop *Loop) *Manager {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	return &Manager{
		opts:     opts,
		loop:     loop,
		handlers: make(map[string]map[int]Handler),
		logger:   logx.Component("ConnectionManager"),
	}
}

// On registers h for event and returns a function that removes it.
func (m *Manager) On(event string, h Handler) (off func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Handler)
	}
	id := m.nextID
	m.nextID++
	m.handlers[event][id] = h

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers[event], id)
	}
}

// Post runs fn on the event loop.
func (m *Manager) Post(fn func()) bool {
	return m.loop.Post(fn)
}

func (m *Manager) dispatch(event string, payload json.RawMessage) {
	m.loop.Post(func() {
		m.mu.Lock()
		hs := make([]Handler, 0, len(m.handlers[event]))
		for _, h := range m.handlers[event] {
			hs = append(hs, h)
		}
		m.mu.Unlock()

		for _, h := range hs {
			h(payload)
		}
	})
}

func (m *Manager) dispatchValue(event string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		m.logger.Error().Err(err).Str("event", event).Msg("Failed to encode synthetic event")
		return
	}
	m.dispatch(event, payload)
}

// IsConnected reports whether a live connection is up.
func (m *Manager) IsConnected() bool {
	return m.connected.Load()
}

// Connect starts maintaining the connection in the background. Progress is reported
// through the connect, disconnect and reconnecting events. The connection is kept
// until Close or until ctx is done.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("connection manager already started")
	}
	m.started = true

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.supervise(ctx)

	return nil
}

func (m *Manager) supervise(ctx context.Context) {
	defer m.wg.Done()

	connects := 0
	for {
		ws, err := m.dialWithBackoff(ctx)
		if err != nil {
			m.logger.Info().Err(err).Msg("Connection manager stopped.")
			m.dispatchValue(EventDisconnect, DisconnectEvent{Error: err.Error()})
			return
		}

		m.mu.Lock()
		m.ws = ws
		m.mu.Unlock()
		m.connected.Store(true)

		m.logger.Info().Bool("reconnect", connects > 0).Msg("Connected.")
		m.dispatchValue(EventConnect, ConnectEvent{Reconnect: connects > 0})
		connects++

		err = m.readLoop(ws)

		m.connected.Store(false)
		m.mu.Lock()
		m.ws = nil
		m.mu.Unlock()
		_ = ws.Close()

		m.logger.Info().Err(err).Msg("Disconnected.")
		m.dispatchValue(EventDisconnect, DisconnectEvent{Error: errorString(err)})

		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) dialWithBackoff(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(m.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	query := target.Query()
	query.Set("token", m.opts.Token)
	target.RawQuery = query.Encode()

	var ws *websocket.Conn
	attempt := 0

	operation := func() error {
		conn, res, err := m.opts.Dialer.DialContext(ctx, target.String(), nil)
		if err != nil {
			if res != nil && res.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(ErrUnauthorized)
			}
			return err
		}
		ws = conn
		return nil
	}

	notify := func(err error, delay time.Duration) {
		attempt++
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Connect failed, retrying.")
		m.dispatchValue(EventReconnecting, ReconnectingEvent{Attempt: attempt, Delay: delay})
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(m.opts.Backoff(), ctx), notify); err != nil {
		return nil, err
	}
	return ws, nil
}

// readLoop dispatches frames until the connection fails. A server silent for longer
// than the heartbeat counts as a failure.
func (m *Manager) readLoop(ws *websocket.Conn) error {
	extend := func() error {
		return ws.SetReadDeadline(time.Now().Add(m.opts.Heartbeat))
	}
	if err := extend(); err != nil {
		return err
	}

	ws.SetPingHandler(func(appData string) error {
		if err := extend(); err != nil {
			return err
		}
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if err := extend(); err != nil {
			return err
		}

		var env chat.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn().Err(err).Msg("Server sent invalid JSON")
			continue
		}
		m.dispatch(env.Type, env.Payload)
	}
}

// Emit sends an event if connected and reports whether it was written. Events are
// not queued while disconnected.
func (m *Manager) Emit(event string, payload any) bool {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()

	if ws == nil || !m.connected.Load() {
		return false
	}

	data, err := chat.Encode(event, payload)
	if err != nil {
		m.logger.Error().Err(err).Str("event", event).Msg("Failed to encode event")
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		m.logger.Debug().Err(err).Str("event", event).Msg("Emit failed")
		return false
	}
	return true
}

// Close tears the session down: a pending reconnect is abandoned and the live
// connection is closed. It waits for the background goroutine.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	ws := m.ws
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		m.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		m.writeMu.Unlock()
		_ = ws.Close()
	}

	m.wg.Wait()
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
