package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/pkg/logger"
)

// SocketState is the connection state of the shared realtime socket.
type SocketState string

const (
	SocketDisconnected SocketState = "disconnected"
	SocketConnecting   SocketState = "connecting"
	SocketConnected    SocketState = "connected"
	SocketReconnecting SocketState = "reconnecting"
)

// Message is the framing used on the realtime socket. Payload stays raw so
// each subsystem decodes only its own events.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// SocketConfig configures the shared socket.
type SocketConfig struct {
	URL                  string
	HandshakeTimeout     time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
	Log                  *logger.Logger
	Metrics              *Metrics
}

// Socket is the single realtime connection shared by all subscriptions,
// shipment tracking, and the messaging channel. Subsystems register
// per-event handlers and send frames; only the owning lifecycle may close
// the connection. A drop triggers exponential-backoff reconnection up to
// the attempt bound, after which the socket stays disconnected until an
// explicit Connect resets the counter.
type Socket struct {
	cfg SocketConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	gen     int
	state   SocketState
	closed  bool
	attempt int
	timer   *time.Timer

	writeMu sync.Mutex

	stateListeners provider.Listeners[SocketState]

	handlersMu sync.RWMutex
	handlers   map[string]*provider.Listeners[json.RawMessage]

	log     *logger.Logger
	metrics *Metrics
}

// NewSocket creates a disconnected socket.
func NewSocket(cfg SocketConfig) *Socket {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxAttempts == 0 {
		cfg.ReconnectMaxAttempts = 5
	}
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}

	return &Socket{
		cfg:      cfg,
		state:    SocketDisconnected,
		handlers: make(map[string]*provider.Listeners[json.RawMessage]),
		log:      cfg.Log,
		metrics:  cfg.Metrics,
	}
}

// State returns the current connection state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnState registers a connection-state listener and immediately replays the
// current state to it.
func (s *Socket) OnState(fn func(SocketState)) provider.Unsubscribe {
	s.mu.Lock()
	current := s.state
	s.mu.Unlock()
	return s.stateListeners.AddWithReplay(fn, current)
}

// On registers a handler for one socket event. Handlers for the same event
// run in registration order, in backend arrival order across messages.
func (s *Socket) On(event string, fn func(json.RawMessage)) provider.Unsubscribe {
	s.handlersMu.Lock()
	l, ok := s.handlers[event]
	if !ok {
		l = &provider.Listeners[json.RawMessage]{}
		s.handlers[event] = l
	}
	s.handlersMu.Unlock()
	return l.Add(fn)
}

// Connect establishes the connection. Calling it again after the automatic
// reconnection gave up resets the attempt counter and tries anew.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = false
	s.attempt = 0
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.setState(SocketConnecting)
	if err := s.dial(ctx); err != nil {
		s.setState(SocketDisconnected)
		return err
	}
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect. It is
// idempotent. Only the owning lifecycle should call it.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	s.conn = nil
	s.gen++
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = conn.Close()
	}
	s.setState(SocketDisconnected)
	return nil
}

// Send writes one frame. It fails immediately when the socket is not
// connected; queueing across gaps is the caller's policy, not the socket's.
func (s *Socket) Send(event string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = data
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return provider.NewError(provider.CodeNetworkError, "socket not connected")
	}

	msg := Message{Event: event, Payload: raw, Ref: uuid.NewString()}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return provider.WrapError(provider.CodeNetworkError, "socket write", err)
	}
	s.metrics.sent()
	return nil
}

func (s *Socket) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return provider.WrapError(provider.CodeNetworkError, "socket dial", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return provider.NewError(provider.CodeNetworkError, "socket closed during dial")
	}
	s.conn = conn
	s.gen++
	gen := s.gen
	s.attempt = 0
	s.mu.Unlock()

	go s.readLoop(conn, gen)
	go s.heartbeat(conn, gen)

	s.setState(SocketConnected)
	return nil
}

func (s *Socket) readLoop(conn *websocket.Conn, gen int) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			s.handleDrop(conn, gen)
			return
		}
		s.metrics.received()
		s.dispatch(msg)
	}
}

// dispatch invokes handlers synchronously so events reach listeners in the
// order the backend delivered them.
func (s *Socket) dispatch(msg Message) {
	s.handlersMu.RLock()
	l := s.handlers[msg.Event]
	s.handlersMu.RUnlock()
	if l != nil {
		l.Notify(msg.Payload)
	}
}

func (s *Socket) handleDrop(conn *websocket.Conn, gen int) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	conn.Close()
	s.scheduleReconnect()
}

func (s *Socket) scheduleReconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.attempt++
	attempt := s.attempt
	if attempt > s.cfg.ReconnectMaxAttempts {
		s.mu.Unlock()
		s.log.Warn("socket reconnect attempts exhausted")
		s.setState(SocketDisconnected)
		return
	}
	delay := s.cfg.ReconnectBaseDelay << (attempt - 1)
	s.timer = time.AfterFunc(delay, s.tryReconnect)
	s.mu.Unlock()

	s.metrics.reconnect()
	s.log.WithField("attempt", attempt).WithField("delay", delay.String()).Info("socket reconnect scheduled")
	s.setState(SocketReconnecting)
}

func (s *Socket) tryReconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.dial(context.Background()); err != nil {
		s.scheduleReconnect()
	}
}

func (s *Socket) heartbeat(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		live := s.conn == conn && gen == s.gen
		s.mu.Unlock()
		if !live {
			return
		}

		s.writeMu.Lock()
		err := conn.WriteJSON(Message{Event: "heartbeat"})
		s.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Socket) setState(state SocketState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.stateListeners.Notify(state)
}
