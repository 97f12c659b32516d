package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketloop/providerkit/internal/data"
	"github.com/marketloop/providerkit/internal/transport"
)

// socketClient is one connected realtime client and the collections it
// subscribed to.
type socketClient struct {
	backend *Backend

	writeMu sync.Mutex
	conn    wsConn

	mu            sync.Mutex
	subscriptions map[string][]data.Condition // collection -> filter
	tracking      map[string]bool             // tracking number
}

// wsConn is the subset of *websocket.Conn the client uses; tests stub it.
type wsConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

func (b *Backend) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &socketClient{
		backend:       b,
		conn:          conn,
		subscriptions: make(map[string][]data.Condition),
		tracking:      make(map[string]bool),
	}
	b.clientsMu.Lock()
	b.clients[client] = struct{}{}
	b.clientsMu.Unlock()

	defer func() {
		b.clientsMu.Lock()
		delete(b.clients, client)
		b.clientsMu.Unlock()
		conn.Close()
	}()

	for {
		var msg transport.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		client.handle(msg)
	}
}

func (c *socketClient) handle(msg transport.Message) {
	switch msg.Event {
	case "heartbeat":
		// keepalive only

	case "db:subscribe":
		var p struct {
			Collection string           `json:"collection"`
			Filter     []data.Condition `json:"filter"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Collection == "" {
			return
		}
		c.mu.Lock()
		c.subscriptions[p.Collection] = p.Filter
		c.mu.Unlock()

	case "db:unsubscribe":
		var p struct {
			Collection string `json:"collection"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.mu.Lock()
		delete(c.subscriptions, p.Collection)
		c.mu.Unlock()

	case "tracking:subscribe":
		var p struct {
			TrackingNumber string `json:"trackingNumber"`
			Carrier        string `json:"carrier"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.TrackingNumber == "" {
			return
		}
		c.mu.Lock()
		c.tracking[p.TrackingNumber] = true
		c.mu.Unlock()

		// Immediately confirm with the current status.
		c.send("tracking:update", map[string]string{
			"trackingNumber": p.TrackingNumber,
			"carrier":        p.Carrier,
			"status":         "in_transit",
		})

	case "chat:message":
		// Echo back with a server identity, preserving the local id so
		// clients can reconcile their optimistic copy.
		var m map[string]interface{}
		if err := json.Unmarshal(msg.Payload, &m); err != nil {
			return
		}
		m["id"] = uuid.NewString()
		m["status"] = "sent"
		delete(m, "isLocal")
		c.backend.broadcast("chat:message", m)

	case "chat:typing":
		var p map[string]interface{}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.backend.broadcastExcept(c, "chat:typing", p)
	}
}

func (c *socketClient) send(event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteJSON(transport.Message{Event: event, Payload: raw})
}

// wantsChange reports whether this client's subscription matches an event.
func (c *socketClient) wantsChange(ev data.ChangeEvent) bool {
	c.mu.Lock()
	filter, ok := c.subscriptions[ev.Collection]
	c.mu.Unlock()
	if !ok {
		return false
	}
	if len(filter) == 0 {
		return true
	}
	doc := ev.NewData
	if ev.Type == data.ChangeDelete {
		doc = ev.OldData
	}
	return doc == nil || data.MatchesConditions(doc, filter)
}

// SubscriberCount reports how many connected clients subscribe to a
// collection. Tests use it to wait out the subscribe round trip.
func (b *Backend) SubscriberCount(collection string) int {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()

	n := 0
	for client := range b.clients {
		client.mu.Lock()
		if _, ok := client.subscriptions[collection]; ok {
			n++
		}
		client.mu.Unlock()
	}
	return n
}

// broadcastChange pushes a db:change to every subscribed client.
func (b *Backend) broadcastChange(ev data.ChangeEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.clientsMu.Lock()
	targets := make([]*socketClient, 0, len(b.clients))
	for client := range b.clients {
		if client.wantsChange(ev) {
			targets = append(targets, client)
		}
	}
	b.clientsMu.Unlock()

	for _, client := range targets {
		client.send("db:change", ev)
	}
}

func (b *Backend) broadcast(event string, payload interface{}) {
	b.clientsMu.Lock()
	targets := make([]*socketClient, 0, len(b.clients))
	for client := range b.clients {
		targets = append(targets, client)
	}
	b.clientsMu.Unlock()

	for _, client := range targets {
		client.send(event, payload)
	}
}

func (b *Backend) broadcastExcept(skip *socketClient, event string, payload interface{}) {
	b.clientsMu.Lock()
	targets := make([]*socketClient, 0, len(b.clients))
	for client := range b.clients {
		if client != skip {
			targets = append(targets, client)
		}
	}
	b.clientsMu.Unlock()

	for _, client := range targets {
		client.send(event, payload)
	}
}

// sortDocuments orders documents by one field, strings and numbers only.
func sortDocuments(docs []data.Document, field string, desc bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		less := compareValues(docs[i][field], docs[j][field]) < 0
		if desc {
			return !less
		}
		return less
	})
}

func compareValues(a, b interface{}) int {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}
