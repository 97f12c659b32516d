package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps backend names to constructors for one provider family.
// Business logic never type-switches on the active backend; it asks the
// registry once at construction time.
type Registry[T any] struct {
	mu        sync.RWMutex
	factories map[string]func() (T, error)
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{factories: make(map[string]func() (T, error))}
}

// Register adds a backend variant. Registering the same name twice
// replaces the earlier constructor.
func (r *Registry[T]) Register(name string, factory func() (T, error)) {
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
}

// New constructs the named variant. Unknown names yield
// UNSUPPORTED_PROVIDER.
func (r *Registry[T]) New(name string) (T, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		var zero T
		return zero, NewError(CodeUnsupportedProvider,
			fmt.Sprintf("no provider registered under %q (have %v)", name, r.Names()))
	}
	return factory()
}

// Names lists the registered variants, sorted.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
