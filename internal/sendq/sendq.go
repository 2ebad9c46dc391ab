// Package sendq buffers websocket frames that arrive before the peer is
// ready to receive them.
package sendq

import "sync"

// DefaultLimit bounds the number of queued frames per connection.
const DefaultLimit = 1000

// Queue is a bounded FIFO of raw frames. When full, Push drops the oldest
// frame so the newest audio always survives.
type Queue struct {
	mu     sync.Mutex
	frames [][]byte
	limit  int
	drops  int
}

// New builds a queue holding at most limit frames; limit <= 0 means
// DefaultLimit.
func New(limit int) *Queue {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Queue{limit: limit}
}

// Push appends frame, evicting the oldest entry when the queue is full.
// It reports whether an eviction happened.
func (q *Queue) Push(frame []byte) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= q.limit {
		q.frames = q.frames[1:]
		q.drops++
		dropped = true
	}
	q.frames = append(q.frames, frame)
	return dropped
}

// Drain returns all queued frames in arrival order and empties the queue.
func (q *Queue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = nil
	return out
}

// Len reports the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Drops reports how many frames were evicted over the queue's lifetime.
func (q *Queue) Drops() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}
