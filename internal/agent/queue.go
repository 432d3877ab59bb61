package agent

import (
	"sync"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
)

// QueuedMessage is one unit awaiting delivery to a worker.
type QueuedMessage struct {
	From string
	Text string
}

// SendQueue serializes delivery to one worker: messages routed to it are
// delivered one at a time, in arrival order, even when they originate from
// multiple sources racing concurrently.
type SendQueue struct {
	id      identity.Identity
	pending []QueuedMessage
	mu      sync.Mutex
	locked  bool
}

func NewSendQueue(id identity.Identity) *SendQueue {
	return &SendQueue{id: id}
}

func (q *SendQueue) Enqueue(msg QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msg)
}

func (q *SendQueue) Dequeue() (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return QueuedMessage{}, false
	}

	msg := q.pending[0]
	q.pending = q.pending[1:]
	return msg, true
}

// TryLock claims the single delivery slot. It returns false while another
// goroutine is already draining the queue.
func (q *SendQueue) TryLock() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.locked {
		return false
	}
	q.locked = true
	return true
}

func (q *SendQueue) Unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.locked = false
}

// Clear drops all pending messages, e.g. on session teardown.
func (q *SendQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
