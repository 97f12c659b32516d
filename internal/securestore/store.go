// Package securestore provides the durable key-value storage providers use
// to persist sessions and tokens across restarts. Values are opaque bytes;
// the file driver encrypts them at rest.
package securestore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no stored value. Absence of the
// access-token key is the sole "no session" signal at initialize time, so
// callers must be able to distinguish it from transport failures.
var ErrNotFound = errors.New("securestore: key not found")

// Store is a namespaced key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// namespaced prefixes every key with "<prefix>:".
type namespaced struct {
	inner  Store
	prefix string
}

// Namespaced wraps a store so every key is prefixed. Multiple provider
// instances can then share one physical store without colliding.
func Namespaced(inner Store, prefix string) Store {
	if prefix == "" {
		return inner
	}
	return &namespaced{inner: inner, prefix: prefix}
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.inner.Get(ctx, n.prefix+":"+key)
}

func (n *namespaced) Set(ctx context.Context, key string, value []byte) error {
	return n.inner.Set(ctx, n.prefix+":"+key, value)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, n.prefix+":"+key)
}
