package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketloop/providerkit/internal/auth"
	"github.com/marketloop/providerkit/internal/chat"
	"github.com/marketloop/providerkit/internal/data"
	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/internal/securestore"
	"github.com/marketloop/providerkit/internal/shipping"
	"github.com/marketloop/providerkit/internal/transport"
	"github.com/marketloop/providerkit/pkg/testutil"
)

type stack struct {
	backend *Backend
	client  *transport.Client
	socket  *transport.Socket
}

func newStack(t *testing.T) *stack {
	t.Helper()
	backend := NewBackend(nil)
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	client, err := transport.NewClient(transport.ClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	socket := transport.NewSocket(transport.SocketConfig{
		URL:                "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket",
		ReconnectBaseDelay: 10 * time.Millisecond,
	})
	t.Cleanup(func() { socket.Disconnect() })

	return &stack{backend: backend, client: client, socket: socket}
}

func TestAuthFlowEndToEnd(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	mgr := auth.NewManager(auth.NewRESTBackend(s.client), securestore.NewMemoryStore(), auth.Config{}, nil)
	require.NoError(t, mgr.Initialize(ctx))
	assert.Equal(t, auth.StatusUnauthenticated, mgr.AuthStatus())

	session, err := mgr.Register(ctx, auth.Registration{Email: "a@b.co", Password: "pw", Name: "Ada"})
	require.NoError(t, err)
	assert.True(t, mgr.IsAuthenticated())
	assert.NotEmpty(t, session.Tokens.Access)
	assert.NotEmpty(t, session.Tokens.Refresh)

	// The refresh endpoint answers with the flat token shape; the manager
	// must normalize it and rotate tokens in place.
	before := mgr.AccessToken()
	require.NoError(t, mgr.RefreshToken(ctx))
	assert.True(t, mgr.IsAuthenticated())
	assert.NotEqual(t, before, mgr.AccessToken())

	require.NoError(t, mgr.Logout(ctx))
	assert.False(t, mgr.IsAuthenticated())

	_, err = mgr.Login(ctx, auth.Credentials{Email: "a@b.co", Password: "wrong"})
	require.Error(t, err)
	assert.Equal(t, provider.CodeNotAuthenticated, provider.CodeOf(err))

	_, err = mgr.Login(ctx, auth.Credentials{Email: "a@b.co", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, mgr.IsAuthenticated())
}

func TestSocialLoginIsNotSupported(t *testing.T) {
	s := newStack(t)
	mgr := auth.NewManager(auth.NewRESTBackend(s.client), securestore.NewMemoryStore(), auth.Config{}, nil)
	require.NoError(t, mgr.Initialize(context.Background()))

	_, err := mgr.SocialLogin(context.Background(), auth.SocialCredentials{Provider: "apple"})
	require.Error(t, err)
	assert.Equal(t, provider.CodeNotSupported, provider.CodeOf(err))
}

func TestDataCRUDWithRealtimeChanges(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	require.NoError(t, s.socket.Connect(ctx))

	p := data.NewProvider(data.NewRESTAdapter(s.client), s.socket, nil)
	require.NoError(t, p.Initialize(ctx))
	t.Cleanup(func() { p.Dispose() })

	events := make(chan data.ChangeEvent, 8)
	_, err := p.Subscribe("products", nil, func(e data.ChangeEvent) { events <- e })
	require.NoError(t, err)
	testutil.WaitFor(t, 2*time.Second, func() bool {
		return s.backend.SubscriberCount("products") == 1
	}, "backend never registered the subscription")

	inserted, err := p.Insert(ctx, "products", data.Document{"name": "widget", "price": 9.99})
	require.NoError(t, err)
	id, _ := inserted["id"].(string)
	require.NotEmpty(t, id)

	select {
	case e := <-events:
		assert.Equal(t, data.ChangeInsert, e.Type)
		assert.Equal(t, id, e.DocumentID)
		assert.Equal(t, "widget", e.NewData["name"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for insert change")
	}

	docs, err := p.Collection("products").Where("name", data.OpEq, "widget").Get(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	n, err := p.Collection("products").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	updated, err := p.Update(ctx, "products", id, data.Document{"price": 7.5})
	require.NoError(t, err)
	assert.Equal(t, 7.5, updated["price"])

	select {
	case e := <-events:
		assert.Equal(t, data.ChangeUpdate, e.Type)
		assert.Equal(t, 9.99, e.OldData["price"])
		assert.Equal(t, 7.5, e.NewData["price"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update change")
	}

	deleted, err := p.DeleteMany(ctx, "products", []data.Condition{{Field: "name", Operator: data.OpEq, Value: "widget"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	select {
	case e := <-events:
		assert.Equal(t, data.ChangeDelete, e.Type)
		assert.Equal(t, id, e.DocumentID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delete change")
	}
}

func TestChatEchoPreservesLocalID(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	ch := chat.NewChannel(s.socket, nil)
	require.NoError(t, ch.Initialize(ctx))
	t.Cleanup(func() { ch.Dispose() })
	require.NoError(t, ch.Connect(ctx))

	got := make(chan chat.Message, 1)
	ch.OnMessage(func(m chat.Message) { got <- m })

	sent, err := ch.SendMessage("conv-1", "hello there")
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.Equal(t, sent.LocalID, m.LocalID)
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, chat.StatusSent, m.Status)
		assert.False(t, m.IsLocal)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}
}

func TestTrackingSubscribeGetsImmediateUpdate(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	require.NoError(t, s.socket.Connect(ctx))

	tracker := shipping.NewTracker(s.client, s.socket, nil)
	require.NoError(t, tracker.Initialize(ctx))
	t.Cleanup(func() { tracker.Dispose() })

	got := make(chan shipping.TrackingUpdate, 1)
	_, err := tracker.Subscribe("TN1", "ups", func(u shipping.TrackingUpdate) { got <- u })
	require.NoError(t, err)

	select {
	case u := <-got:
		assert.Equal(t, "TN1", u.TrackingNumber)
		assert.Equal(t, "in_transit", u.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tracking update")
	}

	update, err := tracker.Track(ctx, "TN1", "ups")
	require.NoError(t, err)
	assert.Len(t, update.Events, 2)
}

func TestShippingEndpointEnvelope(t *testing.T) {
	backend := NewBackend(nil)
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/shipping/track?trackingNumber=TN9&carrier=dhl")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	env := testutil.DecodeEnvelope(t, body)
	var update shipping.TrackingUpdate
	testutil.DecodeData(t, env, &update)
	assert.Equal(t, "TN9", update.TrackingNumber)
	assert.Equal(t, "dhl", update.Carrier)
}
