package data

import (
	"context"
	"sync"

	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/internal/transport"
	"github.com/marketloop/providerkit/pkg/logger"
)

// Provider is the data access façade: a configured adapter behind the
// neutral query surface, plus the realtime subscription hub when a socket
// is available.
type Provider struct {
	adapter Adapter
	socket  *transport.Socket
	log     *logger.Logger

	mu    sync.Mutex
	hub   *Hub
	ready bool
}

// NewProvider wires an adapter and an optional socket. A nil socket
// disables realtime subscriptions; everything else keeps working.
func NewProvider(adapter Adapter, socket *transport.Socket, log *logger.Logger) *Provider {
	if log == nil {
		log = logger.Nop()
	}
	return &Provider{adapter: adapter, socket: socket, log: log}
}

// Initialize brings up the realtime hub and marks the provider ready.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}

	if p.socket != nil {
		p.hub = NewHub(p.socket, p.log)
	}
	p.ready = true
	p.log.Info("data provider ready")
	return nil
}

// IsReady reports whether Initialize has completed.
func (p *Provider) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Dispose tears down the hub. The adapter and socket belong to the caller.
func (p *Provider) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return nil
	}

	if p.hub != nil {
		p.hub.Close()
		p.hub = nil
	}
	p.ready = false
	return nil
}

// Collection starts a fluent query against a collection.
func (p *Provider) Collection(name string) *Query {
	return NewQuery(p.adapter, name)
}

// GetByID fetches one record.
func (p *Provider) GetByID(ctx context.Context, collection, id string) (Document, error) {
	if err := p.requireReady(); err != nil {
		return nil, err
	}
	return p.adapter.GetByID(ctx, collection, id)
}

// Insert creates one record and returns it as stored.
func (p *Provider) Insert(ctx context.Context, collection string, doc Document) (Document, error) {
	if err := p.requireReady(); err != nil {
		return nil, err
	}
	return p.adapter.Insert(ctx, collection, doc)
}

// InsertMany creates several records.
func (p *Provider) InsertMany(ctx context.Context, collection string, docs []Document) ([]Document, error) {
	if err := p.requireReady(); err != nil {
		return nil, err
	}
	return p.adapter.InsertMany(ctx, collection, docs)
}

// Update patches one record by id.
func (p *Provider) Update(ctx context.Context, collection, id string, changes Document) (Document, error) {
	if err := p.requireReady(); err != nil {
		return nil, err
	}
	return p.adapter.Update(ctx, collection, id, changes)
}

// UpdateMany patches every record matching the conditions.
func (p *Provider) UpdateMany(ctx context.Context, collection string, conditions []Condition, changes Document) (int64, error) {
	if err := p.requireReady(); err != nil {
		return 0, err
	}
	return p.adapter.UpdateMany(ctx, collection, conditions, changes)
}

// Delete removes one record by id.
func (p *Provider) Delete(ctx context.Context, collection, id string) error {
	if err := p.requireReady(); err != nil {
		return err
	}
	return p.adapter.Delete(ctx, collection, id)
}

// DeleteMany removes every record matching the conditions.
func (p *Provider) DeleteMany(ctx context.Context, collection string, conditions []Condition) (int64, error) {
	if err := p.requireReady(); err != nil {
		return 0, err
	}
	return p.adapter.DeleteMany(ctx, collection, conditions)
}

// Subscribe opens (or joins) a realtime change channel.
func (p *Provider) Subscribe(collection string, conditions []Condition, fn func(ChangeEvent)) (provider.Unsubscribe, error) {
	hub, err := p.requireHub()
	if err != nil {
		return nil, err
	}
	return hub.Subscribe(collection, conditions, fn)
}

// SubscribeToDocument opens (or joins) a realtime channel for one record.
func (p *Provider) SubscribeToDocument(collection, id string, fn func(ChangeEvent)) (provider.Unsubscribe, error) {
	hub, err := p.requireHub()
	if err != nil {
		return nil, err
	}
	return hub.SubscribeToDocument(collection, id, fn)
}

// BeginTransaction starts a transaction on adapters that support them.
func (p *Provider) BeginTransaction(ctx context.Context) (Tx, error) {
	if err := p.requireReady(); err != nil {
		return nil, err
	}
	return BeginTransaction(ctx, p.adapter)
}

// RawQuery runs a native query on adapters that expose one.
func (p *Provider) RawQuery(ctx context.Context, query string, args ...interface{}) ([]Document, error) {
	if err := p.requireReady(); err != nil {
		return nil, err
	}
	return RawQuery(ctx, p.adapter, query, args...)
}

func (p *Provider) requireReady() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return provider.NewError(provider.CodeNotInitialized, "data provider is not initialized")
	}
	return nil
}

func (p *Provider) requireHub() (*Hub, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return nil, provider.NewError(provider.CodeNotInitialized, "data provider is not initialized")
	}
	if p.hub == nil {
		return nil, provider.NewError(provider.CodeNotSupported, "realtime subscriptions require a socket")
	}
	return p.hub, nil
}
