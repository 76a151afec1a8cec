package prefetch

import (
	"sync"

	"github.com/freeeve/endgametrainer/api/internal/position"
)

// Queue is a fixed-size ring of positions waiting to be warmed. A position
// is held at most once; when the ring is full the oldest one is overwritten.
type Queue struct {
	mu      sync.Mutex
	ring    []position.Key
	head    int // index of the oldest entry
	n       int
	pending map[position.Key]struct{}
	dropped uint64
}

// NewQueue creates a queue holding at most size positions.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		ring:    make([]position.Key, size),
		pending: make(map[position.Key]struct{}, size),
	}
}

// Enqueue adds key unless it is already pending and reports whether it was
// added.
func (q *Queue) Enqueue(key position.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[key]; ok {
		return false
	}
	if q.n == len(q.ring) {
		delete(q.pending, q.ring[q.head])
		q.ring[q.head] = key
		q.head = (q.head + 1) % len(q.ring)
		q.dropped++
	} else {
		q.ring[(q.head+q.n)%len(q.ring)] = key
		q.n++
	}
	q.pending[key] = struct{}{}
	return true
}

// Dequeue pops the oldest position.
func (q *Queue) Dequeue() (position.Key, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		return "", false
	}
	key := q.ring[q.head]
	q.ring[q.head] = ""
	q.head = (q.head + 1) % len(q.ring)
	q.n--
	delete(q.pending, key)
	return key, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Dropped counts positions overwritten before a worker got to them.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards all pending positions. The dropped count is kept.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.ring)
	clear(q.pending)
	q.head, q.n = 0, 0
}
