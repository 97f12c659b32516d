package chat

import "sync"

// OfflineQueue holds messages written while the socket was down, in send
// order. Draining attempts every entry exactly once per pass; entries that
// fail again go back to the tail so one bad message never starves the
// rest.
type OfflineQueue struct {
	mu      sync.Mutex
	entries []Message
}

// NewOfflineQueue creates an empty queue.
func NewOfflineQueue() *OfflineQueue {
	return &OfflineQueue{}
}

// Enqueue appends a message to the tail.
func (q *OfflineQueue) Enqueue(msg Message) {
	q.mu.Lock()
	q.entries = append(q.entries, msg)
	q.mu.Unlock()
}

// Len reports the number of queued messages.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear drops everything.
func (q *OfflineQueue) Clear() {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
}

// Drain sends every queued message in enqueue order using send. Failed
// entries are re-appended behind anything queued during the drain. It
// returns how many entries failed.
func (q *OfflineQueue) Drain(send func(Message) error) int {
	q.mu.Lock()
	batch := q.entries
	q.entries = nil
	q.mu.Unlock()

	failed := 0
	for _, msg := range batch {
		if err := send(msg); err != nil {
			msg.Attempts++
			q.Enqueue(msg)
			failed++
		}
	}
	return failed
}
