// Package chat implements the resilient messaging channel: connection state
// tracking over the shared socket, optimistic sends with an offline queue
// drained on reconnect, and fire-and-forget typing indicators.
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/internal/transport"
	"github.com/marketloop/providerkit/pkg/logger"
)

// MessageStatus tracks a message's delivery progress.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
)

// Message is one chat message. Optimistic local messages carry a LocalID
// and IsLocal until the backend echoes them with a server ID.
type Message struct {
	ID             string        `json:"id,omitempty"`
	LocalID        string        `json:"localId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId,omitempty"`
	Body           string        `json:"body"`
	Status         MessageStatus `json:"status,omitempty"`
	IsLocal        bool          `json:"isLocal,omitempty"`
	// Attempts counts failed delivery attempts while queued, so callers
	// can tell a poison message from one that just arrived.
	Attempts  int       `json:"attempts,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// TypingEvent is an incoming typing notification.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// Channel is the messaging provider. Connection state, reconnection, and
// backoff belong to the shared socket; the channel adds message semantics
// on top: optimistic sends, offline queueing, and inbound dispatch.
type Channel struct {
	socket *transport.Socket
	queue  *OfflineQueue
	log    *logger.Logger

	mu    sync.Mutex
	ready bool

	stopState  provider.Unsubscribe
	stopMsg    provider.Unsubscribe
	stopTyping provider.Unsubscribe

	messages provider.Listeners[Message]
	typing   provider.Listeners[TypingEvent]
}

// NewChannel creates the channel over a shared socket.
func NewChannel(socket *transport.Socket, log *logger.Logger) *Channel {
	if log == nil {
		log = logger.Nop()
	}
	return &Channel{
		socket: socket,
		queue:  NewOfflineQueue(),
		log:    log,
	}
}

// Initialize attaches the channel to the socket. It does not connect; the
// caller owns the socket lifecycle.
func (c *Channel) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}

	c.stopMsg = c.socket.On("chat:message", c.handleMessage)
	c.stopTyping = c.socket.On("chat:typing", c.handleTyping)
	c.stopState = c.socket.OnState(func(state transport.SocketState) {
		if state == transport.SocketConnected {
			c.drainQueue()
		}
	})
	c.ready = true
	return nil
}

// IsReady reports whether Initialize has completed.
func (c *Channel) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Dispose detaches from the socket. Queued messages are dropped; the
// socket itself stays up for the other subsystems.
func (c *Channel) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return nil
	}

	c.stopState()
	c.stopMsg()
	c.stopTyping()
	c.queue.Clear()
	c.messages.Clear()
	c.typing.Clear()
	c.ready = false
	return nil
}

// Connect brings the shared socket up. Calling it after reconnection gave
// up resets the attempt counter.
func (c *Channel) Connect(ctx context.Context) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	return c.socket.Connect(ctx)
}

// Disconnect closes the shared socket.
func (c *Channel) Disconnect() error {
	if err := c.requireReady(); err != nil {
		return err
	}
	return c.socket.Disconnect()
}

// ConnectionState returns the socket's current state.
func (c *Channel) ConnectionState() transport.SocketState {
	return c.socket.State()
}

// OnConnectionStateChange registers a state listener; the current state is
// replayed immediately.
func (c *Channel) OnConnectionStateChange(fn func(transport.SocketState)) provider.Unsubscribe {
	return c.socket.OnState(fn)
}

// OnMessage registers a listener for inbound messages.
func (c *Channel) OnMessage(fn func(Message)) provider.Unsubscribe {
	return c.messages.Add(fn)
}

// OnTyping registers a listener for inbound typing notifications.
func (c *Channel) OnTyping(fn func(TypingEvent)) provider.Unsubscribe {
	return c.typing.Add(fn)
}

// SendMessage sends a message, or queues it when the socket is down. The
// returned message is the optimistic local copy; it always carries a
// LocalID so the backend echo can be reconciled.
func (c *Channel) SendMessage(conversationID, body string) (Message, error) {
	if err := c.requireReady(); err != nil {
		return Message{}, err
	}

	msg := Message{
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		Body:           body,
		Status:         StatusSending,
		IsLocal:        true,
		CreatedAt:      time.Now().UTC(),
	}

	if c.socket.State() != transport.SocketConnected {
		c.queue.Enqueue(msg)
		c.log.WithField("localId", msg.LocalID).Debug("message queued while offline")
		return msg, nil
	}

	if err := c.socket.Send("chat:message", msg); err != nil {
		c.queue.Enqueue(msg)
		c.log.WithError(err).WithField("localId", msg.LocalID).Warn("send failed, message queued")
		return msg, nil
	}

	msg.Status = StatusSent
	return msg, nil
}

// SendTyping fires a typing indicator. Typing is ephemeral: failures are
// dropped, never queued.
func (c *Channel) SendTyping(conversationID string) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	if c.socket.State() != transport.SocketConnected {
		return nil
	}
	if err := c.socket.Send("chat:typing", typingPayload{ConversationID: conversationID}); err != nil {
		c.log.WithError(err).Debug("typing indicator dropped")
	}
	return nil
}

// QueuedMessages reports how many messages are waiting for a reconnect.
func (c *Channel) QueuedMessages() int {
	return c.queue.Len()
}

// drainQueue flushes the offline queue after a reconnect. Entries that
// fail to send go back to the tail without blocking the rest.
func (c *Channel) drainQueue() {
	failed := c.queue.Drain(func(msg Message) error {
		return c.socket.Send("chat:message", msg)
	})
	if failed > 0 {
		c.log.WithField("failed", failed).Warn("offline queue drain left messages queued")
	}
}

func (c *Channel) handleMessage(payload json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.log.WithError(err).Warn("malformed chat message")
		return
	}
	c.messages.Notify(msg)
}

func (c *Channel) handleTyping(payload json.RawMessage) {
	var ev TypingEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	c.typing.Notify(ev)
}

func (c *Channel) requireReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return provider.NewError(provider.CodeNotInitialized, "messaging channel is not initialized")
	}
	return nil
}
