// Package shipping tracks shipments: one-shot status lookups over REST and
// live tracking updates multiplexed on the shared realtime socket.
package shipping

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/internal/transport"
	"github.com/marketloop/providerkit/pkg/logger"
)

// TrackingEvent is one scan in a shipment's history.
type TrackingEvent struct {
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// TrackingUpdate is the current state of a tracked shipment, delivered
// both by REST lookups and by tracking:update pushes.
type TrackingUpdate struct {
	TrackingNumber string          `json:"trackingNumber"`
	Carrier        string          `json:"carrier"`
	Status         string          `json:"status"`
	EstimatedDate  string          `json:"estimatedDeliveryDate,omitempty"`
	Events         []TrackingEvent `json:"events,omitempty"`
}

type trackingSubscribePayload struct {
	TrackingNumber string `json:"trackingNumber"`
	Carrier        string `json:"carrier"`
}

type trackingSub struct {
	payload   trackingSubscribePayload
	listeners *provider.Listeners[TrackingUpdate]
}

// Tracker is the shipment tracking provider.
type Tracker struct {
	client *transport.Client
	socket *transport.Socket
	log    *logger.Logger

	mu    sync.Mutex
	ready bool
	subs  map[string]*trackingSub

	stopUpdate provider.Unsubscribe
	stopState  provider.Unsubscribe
}

// NewTracker creates the tracker. The socket may be nil; live updates are
// then unavailable while REST lookups keep working.
func NewTracker(client *transport.Client, socket *transport.Socket, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Nop()
	}
	return &Tracker{
		client: client,
		socket: socket,
		log:    log,
		subs:   make(map[string]*trackingSub),
	}
}

// Initialize attaches the tracker to the socket.
func (t *Tracker) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ready {
		return nil
	}

	if t.socket != nil {
		t.stopUpdate = t.socket.On("tracking:update", t.handleUpdate)
		t.stopState = t.socket.OnState(func(state transport.SocketState) {
			if state == transport.SocketConnected {
				t.resubscribe()
			}
		})
	}
	t.ready = true
	return nil
}

// IsReady reports whether Initialize has completed.
func (t *Tracker) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Dispose detaches from the socket and drops all subscriptions.
func (t *Tracker) Dispose() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		return nil
	}

	if t.stopUpdate != nil {
		t.stopUpdate()
		t.stopState()
	}
	for key, sub := range t.subs {
		sub.listeners.Clear()
		delete(t.subs, key)
	}
	t.ready = false
	return nil
}

// Track fetches the current status of a shipment.
func (t *Tracker) Track(ctx context.Context, trackingNumber, carrier string) (*TrackingUpdate, error) {
	if err := t.requireReady(); err != nil {
		return nil, err
	}

	q := url.Values{"trackingNumber": {trackingNumber}}
	if carrier != "" {
		q.Set("carrier", carrier)
	}
	resp, err := t.client.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   "shipping/track",
		Query:  q,
	})
	if err != nil {
		return nil, err
	}
	data, err := transport.Unwrap(resp)
	if err != nil {
		return nil, err
	}

	var update TrackingUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, provider.WrapError(provider.CodeAPIError, "parse tracking response", err)
	}
	return &update, nil
}

// Subscribe registers for live updates on one shipment. Identical
// subscriptions share a backend channel; the last unsubscribe closes it.
func (t *Tracker) Subscribe(trackingNumber, carrier string, fn func(TrackingUpdate)) (provider.Unsubscribe, error) {
	if err := t.requireReady(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.socket == nil {
		t.mu.Unlock()
		return nil, provider.NewError(provider.CodeNotSupported, "live tracking requires a socket")
	}

	key := trackingNumber + "|" + carrier
	sub, exists := t.subs[key]
	if !exists {
		sub = &trackingSub{
			payload:   trackingSubscribePayload{TrackingNumber: trackingNumber, Carrier: carrier},
			listeners: &provider.Listeners[TrackingUpdate]{},
		}
		t.subs[key] = sub
	}
	remove := sub.listeners.Add(fn)
	t.mu.Unlock()

	if !exists {
		if err := t.socket.Send("tracking:subscribe", sub.payload); err != nil {
			t.mu.Lock()
			remove()
			if sub.listeners.Len() == 0 {
				delete(t.subs, key)
			}
			t.mu.Unlock()
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			remove()
			if s, ok := t.subs[key]; ok && s.listeners.Len() == 0 {
				delete(t.subs, key)
			}
			t.mu.Unlock()
		})
	}, nil
}

// ActiveSubscriptions reports the number of live tracking channels.
func (t *Tracker) ActiveSubscriptions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Tracker) handleUpdate(payload json.RawMessage) {
	var update TrackingUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		t.log.WithError(err).Warn("malformed tracking update")
		return
	}

	t.mu.Lock()
	targets := make([]*trackingSub, 0, 1)
	for _, sub := range t.subs {
		if sub.payload.TrackingNumber == update.TrackingNumber {
			targets = append(targets, sub)
		}
	}
	t.mu.Unlock()

	for _, sub := range targets {
		sub.listeners.Notify(update)
	}
}

func (t *Tracker) resubscribe() {
	t.mu.Lock()
	payloads := make([]trackingSubscribePayload, 0, len(t.subs))
	for _, sub := range t.subs {
		payloads = append(payloads, sub.payload)
	}
	t.mu.Unlock()

	for _, p := range payloads {
		if err := t.socket.Send("tracking:subscribe", p); err != nil {
			t.log.WithError(err).WithField("trackingNumber", p.TrackingNumber).Warn("tracking resubscribe failed")
		}
	}
}

func (t *Tracker) requireReady() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		return provider.NewError(provider.CodeNotInitialized, "shipping tracker is not initialized")
	}
	return nil
}
