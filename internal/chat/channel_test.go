package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/internal/transport"
)

type wireFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type socketServer struct {
	t      *testing.T
	srv    *httptest.Server
	frames chan wireFrame

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newSocketServer(t *testing.T) *socketServer {
	s := &socketServer{t: t, frames: make(chan wireFrame, 64)}
	upgrader := websocket.Upgrader{}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			var f wireFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Event == "heartbeat" {
				continue
			}
			s.frames <- f
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *socketServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *socketServer) push(event string, payload interface{}) {
	s.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(s.t, err)

	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(s.t, conn.WriteJSON(wireFrame{Event: event, Payload: raw}))
}

func (s *socketServer) expectMessage() Message {
	s.t.Helper()
	select {
	case f := <-s.frames:
		require.Equal(s.t, "chat:message", f.Event)
		var msg Message
		require.NoError(s.t, json.Unmarshal(f.Payload, &msg))
		return msg
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for chat:message frame")
		return Message{}
	}
}

func (s *socketServer) expectSilence() {
	s.t.Helper()
	select {
	case f := <-s.frames:
		s.t.Fatalf("unexpected %s frame", f.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestChannel(t *testing.T, srv *socketServer) (*Channel, *transport.Socket) {
	t.Helper()
	socket := transport.NewSocket(transport.SocketConfig{
		URL:                srv.url(),
		ReconnectBaseDelay: 10 * time.Millisecond,
	})
	t.Cleanup(func() { socket.Disconnect() })

	ch := NewChannel(socket, nil)
	require.NoError(t, ch.Initialize(context.Background()))
	t.Cleanup(func() { ch.Dispose() })
	return ch, socket
}

func TestOfflineQueueDrainsInOrder(t *testing.T) {
	q := NewOfflineQueue()
	q.Enqueue(Message{LocalID: "1"})
	q.Enqueue(Message{LocalID: "2"})
	q.Enqueue(Message{LocalID: "3"})

	var sent []string
	failed := q.Drain(func(m Message) error {
		sent = append(sent, m.LocalID)
		return nil
	})

	assert.Zero(t, failed)
	assert.Equal(t, []string{"1", "2", "3"}, sent)
	assert.Zero(t, q.Len())
}

func TestOfflineQueueFailedEntryDoesNotStarveRest(t *testing.T) {
	q := NewOfflineQueue()
	q.Enqueue(Message{LocalID: "1"})
	q.Enqueue(Message{LocalID: "2"})
	q.Enqueue(Message{LocalID: "3"})

	var attempted []string
	failed := q.Drain(func(m Message) error {
		attempted = append(attempted, m.LocalID)
		if m.LocalID == "2" {
			return errors.New("still down")
		}
		return nil
	})

	// The failure in the middle never blocks the entry behind it.
	assert.Equal(t, []string{"1", "2", "3"}, attempted)
	assert.Equal(t, 1, failed)
	require.Equal(t, 1, q.Len())

	var retried []string
	q.Drain(func(m Message) error {
		retried = append(retried, m.LocalID)
		return nil
	})
	assert.Equal(t, []string{"2"}, retried)
}

func TestOfflineQueueCountsFailedAttempts(t *testing.T) {
	q := NewOfflineQueue()
	q.Enqueue(Message{LocalID: "1"})

	for i := 0; i < 2; i++ {
		failed := q.Drain(func(Message) error { return errors.New("still down") })
		require.Equal(t, 1, failed)
	}

	var drained []Message
	q.Drain(func(m Message) error {
		drained = append(drained, m)
		return nil
	})
	require.Len(t, drained, 1)
	assert.Equal(t, 2, drained[0].Attempts)
}

func TestSendMessageQueuesWhileOffline(t *testing.T) {
	srv := newSocketServer(t)
	ch, _ := newTestChannel(t, srv)

	m1, err := ch.SendMessage("conv-1", "first")
	require.NoError(t, err)
	m2, err := ch.SendMessage("conv-1", "second")
	require.NoError(t, err)

	assert.True(t, m1.IsLocal)
	assert.Equal(t, StatusSending, m1.Status)
	assert.NotEmpty(t, m1.LocalID)
	assert.NotEqual(t, m1.LocalID, m2.LocalID)
	assert.Equal(t, 2, ch.QueuedMessages())

	// Reconnecting drains the queue in enqueue order.
	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, m1.LocalID, srv.expectMessage().LocalID)
	assert.Equal(t, m2.LocalID, srv.expectMessage().LocalID)
	assert.Zero(t, ch.QueuedMessages())
}

func TestSendMessageConnectedMarksSent(t *testing.T) {
	srv := newSocketServer(t)
	ch, _ := newTestChannel(t, srv)
	require.NoError(t, ch.Connect(context.Background()))

	msg, err := ch.SendMessage("conv-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, msg.Status)

	got := srv.expectMessage()
	assert.Equal(t, "hello", got.Body)
	assert.Equal(t, StatusSending, got.Status)
	assert.Zero(t, ch.QueuedMessages())
}

func TestTypingIsNeverQueued(t *testing.T) {
	srv := newSocketServer(t)
	ch, _ := newTestChannel(t, srv)

	// Offline typing is silently dropped.
	require.NoError(t, ch.SendTyping("conv-1"))
	assert.Zero(t, ch.QueuedMessages())
	srv.expectSilence()

	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.SendTyping("conv-1"))

	select {
	case f := <-srv.frames:
		assert.Equal(t, "chat:typing", f.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for typing frame")
	}
}

func TestInboundMessageDispatch(t *testing.T) {
	srv := newSocketServer(t)
	ch, _ := newTestChannel(t, srv)
	require.NoError(t, ch.Connect(context.Background()))

	got := make(chan Message, 1)
	ch.OnMessage(func(m Message) { got <- m })

	srv.push("chat:message", Message{ID: "m-1", ConversationID: "conv-1", Body: "hi"})

	select {
	case m := <-got:
		assert.Equal(t, "m-1", m.ID)
		assert.Equal(t, "hi", m.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestConnectionStateReplay(t *testing.T) {
	srv := newSocketServer(t)
	ch, _ := newTestChannel(t, srv)

	states := make(chan transport.SocketState, 8)
	ch.OnConnectionStateChange(func(s transport.SocketState) { states <- s })

	assert.Equal(t, transport.SocketDisconnected, <-states)

	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, transport.SocketConnecting, <-states)
	assert.Equal(t, transport.SocketConnected, <-states)
}

func TestChannelRequiresInitialize(t *testing.T) {
	srv := newSocketServer(t)
	socket := transport.NewSocket(transport.SocketConfig{URL: srv.url()})
	ch := NewChannel(socket, nil)

	_, err := ch.SendMessage("conv-1", "hello")
	assert.Equal(t, provider.CodeNotInitialized, provider.CodeOf(err))
	assert.Equal(t, provider.CodeNotInitialized, provider.CodeOf(ch.SendTyping("conv-1")))
}
