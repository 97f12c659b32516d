package data

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/internal/transport"
	"github.com/marketloop/providerkit/pkg/logger"
)

// ChangeType classifies a realtime change.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one realtime change delivered to subscribers.
type ChangeEvent struct {
	Type       ChangeType `json:"type"`
	Collection string     `json:"collection"`
	DocumentID string     `json:"documentId"`
	OldData    Document   `json:"oldData,omitempty"`
	NewData    Document   `json:"newData,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

type subscribePayload struct {
	Collection string      `json:"collection"`
	Filter     []Condition `json:"filter,omitempty"`
}

type unsubscribePayload struct {
	Collection string `json:"collection"`
}

// subscription is one live (collection, filter) channel. Its listener count
// is the reference count: the backend channel exists exactly while it is
// above zero.
type subscription struct {
	collection string
	conditions []Condition
	listeners  *provider.Listeners[ChangeEvent]
}

// Hub multiplexes realtime change subscriptions over the shared socket.
// Subscriptions with the same collection and filter share one backend
// channel; the last unsubscribe tears it down. Events are delivered in
// arrival order and filtered client side before dispatch.
type Hub struct {
	socket *transport.Socket
	log    *logger.Logger

	mu   sync.Mutex
	subs map[string]*subscription

	stopChange provider.Unsubscribe
	stopState  provider.Unsubscribe
}

// NewHub creates the hub and attaches it to the socket. The hub re-issues
// every active subscription after a reconnect.
func NewHub(socket *transport.Socket, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	h := &Hub{
		socket: socket,
		log:    log,
		subs:   make(map[string]*subscription),
	}
	h.stopChange = socket.On("db:change", h.handleChange)
	h.stopState = socket.OnState(func(state transport.SocketState) {
		if state == transport.SocketConnected {
			h.resubscribe()
		}
	})
	return h
}

// Subscribe registers a listener for changes on a collection matching the
// given conditions. The first listener for a (collection, filter) pair
// opens the backend channel; later identical subscriptions reuse it.
func (h *Hub) Subscribe(collection string, conditions []Condition, fn func(ChangeEvent)) (provider.Unsubscribe, error) {
	key := subscriptionKey(collection, conditions)

	h.mu.Lock()
	sub, exists := h.subs[key]
	if !exists {
		sub = &subscription{
			collection: collection,
			conditions: append([]Condition(nil), conditions...),
			listeners:  &provider.Listeners[ChangeEvent]{},
		}
		h.subs[key] = sub
	}
	remove := sub.listeners.Add(fn)
	h.mu.Unlock()

	if !exists {
		if err := h.socket.Send("db:subscribe", subscribePayload{Collection: collection, Filter: sub.conditions}); err != nil {
			h.mu.Lock()
			remove()
			if sub.listeners.Len() == 0 {
				delete(h.subs, key)
			}
			h.mu.Unlock()
			return nil, err
		}
		h.log.WithField("collection", collection).Debug("opened change channel")
	}

	var once sync.Once
	return func() {
		once.Do(func() { h.release(key, remove) })
	}, nil
}

// SubscribeToDocument registers a listener for changes to a single record.
func (h *Hub) SubscribeToDocument(collection, id string, fn func(ChangeEvent)) (provider.Unsubscribe, error) {
	conditions := []Condition{{Field: "id", Operator: OpEq, Value: id}}
	return h.Subscribe(collection, conditions, fn)
}

// release drops one listener and tears the channel down when it was the
// last one.
func (h *Hub) release(key string, remove provider.Unsubscribe) {
	h.mu.Lock()
	sub, ok := h.subs[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	remove()
	if sub.listeners.Len() > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.subs, key)

	// Only tell the backend to drop the collection when no other filter
	// on it is still live.
	collection := sub.collection
	stillLive := false
	for _, other := range h.subs {
		if other.collection == collection {
			stillLive = true
			break
		}
	}
	h.mu.Unlock()

	if stillLive {
		return
	}
	if err := h.socket.Send("db:unsubscribe", unsubscribePayload{Collection: collection}); err != nil {
		h.log.WithError(err).WithField("collection", collection).Warn("unsubscribe send failed")
	}
}

// Close detaches the hub from the socket and drops all subscriptions.
func (h *Hub) Close() {
	h.stopChange()
	h.stopState()

	h.mu.Lock()
	for key, sub := range h.subs {
		sub.listeners.Clear()
		delete(h.subs, key)
	}
	h.mu.Unlock()
}

// ActiveSubscriptions reports the number of live (collection, filter)
// channels.
func (h *Hub) ActiveSubscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// handleChange runs on the socket's read loop, so events reach listeners
// in backend arrival order.
func (h *Hub) handleChange(payload json.RawMessage) {
	var event ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.log.WithError(err).Warn("malformed change event")
		return
	}

	h.mu.Lock()
	targets := make([]*subscription, 0, 2)
	for _, sub := range h.subs {
		if sub.collection == event.Collection && matchesEvent(sub.conditions, event) {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.listeners.Notify(event)
	}
}

// resubscribe re-issues every live subscription after a reconnect.
func (h *Hub) resubscribe() {
	h.mu.Lock()
	payloads := make([]subscribePayload, 0, len(h.subs))
	for _, sub := range h.subs {
		payloads = append(payloads, subscribePayload{Collection: sub.collection, Filter: sub.conditions})
	}
	h.mu.Unlock()

	for _, p := range payloads {
		if err := h.socket.Send("db:subscribe", p); err != nil {
			h.log.WithError(err).WithField("collection", p.Collection).Warn("resubscribe failed")
		}
	}
}

// subscriptionKey canonicalizes (collection, filter) so equivalent
// subscriptions share a channel regardless of condition order.
func subscriptionKey(collection string, conditions []Condition) string {
	parts := make([]string, len(conditions))
	for i, c := range conditions {
		raw, _ := json.Marshal(c)
		parts[i] = string(raw)
	}
	sort.Strings(parts)
	return collection + "|" + strings.Join(parts, ",")
}

// matchesEvent filters an event client side. Deletes are matched against
// the old data, everything else against the new.
func matchesEvent(conditions []Condition, event ChangeEvent) bool {
	if len(conditions) == 0 {
		return true
	}
	doc := event.NewData
	if event.Type == ChangeDelete {
		doc = event.OldData
	}
	if doc == nil {
		// No payload to match against; fall back to the document id so
		// single-record subscriptions still fire.
		for _, c := range conditions {
			if !(c.Field == "id" && c.Operator == OpEq && fmt.Sprintf("%v", c.Value) == event.DocumentID) {
				return false
			}
		}
		return true
	}
	return MatchesConditions(doc, conditions)
}

// MatchesConditions evaluates canonical conditions against a document.
func MatchesConditions(doc Document, conditions []Condition) bool {
	for _, c := range conditions {
		if !matchesCondition(doc, c) {
			return false
		}
	}
	return true
}

func matchesCondition(doc Document, c Condition) bool {
	actual, present := doc[c.Field]

	switch c.Operator {
	case OpEq:
		return present && looseEqual(actual, c.Value)
	case OpNeq:
		return present && !looseEqual(actual, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false
		}
		cmp, ok := compare(actual, c.Value)
		if !ok {
			return false
		}
		switch c.Operator {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpLike:
		pattern, ok := c.Value.(string)
		if !ok || !present {
			return false
		}
		s, ok := actual.(string)
		return ok && likeMatch(pattern, s)
	case OpIn:
		if !present {
			return false
		}
		values, err := inValues(c.Value)
		if err != nil {
			return false
		}
		for _, v := range values {
			if looseEqual(actual, v) {
				return true
			}
		}
		return false
	case OpIs:
		switch v := c.Value.(type) {
		case nil:
			return !present || actual == nil
		case bool:
			b, ok := actual.(bool)
			return ok && b == v
		default:
			return false
		}
	default:
		return false
	}
}

// looseEqual compares across JSON's numeric representations.
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compare(a, b interface{}) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// likeMatch evaluates a SQL LIKE pattern: % matches any run, _ one rune.
func likeMatch(pattern, s string) bool {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
