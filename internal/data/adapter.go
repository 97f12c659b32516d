package data

import (
	"context"

	"github.com/marketloop/providerkit/internal/provider"
)

// Adapter translates the neutral descriptor and CRUD calls into one
// concrete backend's native protocol. The query layer never knows which
// backend is active.
type Adapter interface {
	// Query runs a descriptor. When both limit and offset are set the
	// adapter must issue a single bounded range call, never independent
	// limit-then-offset calls.
	Query(ctx context.Context, desc Descriptor) ([]Document, error)
	Count(ctx context.Context, desc Descriptor) (int64, error)

	GetByID(ctx context.Context, collection, id string) (Document, error)
	Insert(ctx context.Context, collection string, doc Document) (Document, error)
	InsertMany(ctx context.Context, collection string, docs []Document) ([]Document, error)
	Update(ctx context.Context, collection, id string, changes Document) (Document, error)
	UpdateMany(ctx context.Context, collection string, conditions []Condition, changes Document) (int64, error)
	Delete(ctx context.Context, collection, id string) error
	DeleteMany(ctx context.Context, collection string, conditions []Condition) (int64, error)
}

// RawQuerier is the optional escape hatch past the descriptor layer.
type RawQuerier interface {
	RawQuery(ctx context.Context, query string, args ...interface{}) ([]Document, error)
}

// Tx is a transaction handle.
type Tx interface {
	Adapter
	Commit() error
	Rollback() error
}

// Transactional is implemented by adapters that support transactions.
// Adapters without the capability simply do not implement it; callers go
// through BeginTransaction and handle NOT_SUPPORTED.
type Transactional interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// BeginTransaction starts a transaction on adapters that support them and
// returns NOT_SUPPORTED on those that do not.
func BeginTransaction(ctx context.Context, a Adapter) (Tx, error) {
	t, ok := a.(Transactional)
	if !ok {
		return nil, provider.NewError(provider.CodeNotSupported, "adapter does not support transactions")
	}
	return t.BeginTx(ctx)
}

// RawQuery runs a native query on adapters that expose one and returns
// NOT_SUPPORTED otherwise.
func RawQuery(ctx context.Context, a Adapter, query string, args ...interface{}) ([]Document, error) {
	r, ok := a.(RawQuerier)
	if !ok {
		return nil, provider.NewError(provider.CodeNotSupported, "adapter does not support raw queries")
	}
	return r.RawQuery(ctx, query, args...)
}
