package provider

import "sync"

// Unsubscribe removes a previously registered listener. Calling it more
// than once is harmless.
type Unsubscribe func()

type listenerEntry[T any] struct {
	id int
	fn func(T)
}

// Listeners is a registry of callbacks keyed by identity, delivering
// notifications in registration order. It replaces the ad hoc callback sets
// the backends grew independently.
type Listeners[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []listenerEntry[T]
}

// Add registers a listener and returns its unsubscribe handle.
func (l *Listeners[T]) Add(fn func(T)) Unsubscribe {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, listenerEntry[T]{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

// AddWithReplay registers a listener and synchronously invokes it once with
// current before returning. Auth and connection state use this so a new
// subscriber never waits for the next transition to learn where things stand.
func (l *Listeners[T]) AddWithReplay(fn func(T), current T) Unsubscribe {
	unsub := l.Add(fn)
	fn(current)
	return unsub
}

// Notify invokes every registered listener with v, in registration order.
// Listeners are snapshotted under the lock and invoked outside it, so a
// listener may unsubscribe itself (or others) without deadlocking.
func (l *Listeners[T]) Notify(v T) {
	l.mu.Lock()
	snapshot := make([]func(T), len(l.entries))
	for i, e := range l.entries {
		snapshot[i] = e.fn
	}
	l.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear removes all listeners.
func (l *Listeners[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
