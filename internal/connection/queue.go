package connection

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
)

// OverflowPolicy decides what Push does when the queue is full.
type OverflowPolicy int

const (
	// DropOldest discards the message at the head to make room.
	DropOldest OverflowPolicy = iota
	// Block waits for the sender loop to make room, or for the queue to close.
	Block
)

type DropCallback func(msg *fcp.Message)

// OutboundQueue is the bounded FIFO between the producers of one session and its sender loop.
type OutboundQueue struct {
	capacity int
	policy   OverflowPolicy
	onDrop   DropCallback

	mu      sync.Mutex
	cond    *sync.Cond
	items   []*fcp.Message
	head    int
	size    int
	closed  bool
	dropped int64
}

func NewOutboundQueue(capacity int, policy OverflowPolicy, onDrop DropCallback) *OutboundQueue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &OutboundQueue{
		capacity: capacity,
		policy:   policy,
		onDrop:   onDrop,
		items:    make([]*fcp.Message, capacity),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends msg. It returns false once the queue is closed.
func (q *OutboundQueue) Push(msg *fcp.Message) bool {
	q.mu.Lock()
	for q.size == q.capacity && q.policy == Block && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return false
	}
	var dropped *fcp.Message
	if q.size == q.capacity {
		dropped = q.items[q.head]
		q.items[q.head] = nil
		q.head = (q.head + 1) % q.capacity
		q.size--
		q.dropped++
	}
	q.items[(q.head+q.size)%q.capacity] = msg
	q.size++
	q.cond.Broadcast()
	q.mu.Unlock()

	if dropped != nil && q.onDrop != nil {
		q.onDrop(dropped)
	}
	return true
}

// Pop blocks for the next message. After Close it drains what is left and then returns false.
func (q *OutboundQueue) Pop() (*fcp.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.size == 0 {
		return nil, false
	}
	msg := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % q.capacity
	q.size--
	q.cond.Broadcast()
	return msg, true
}

func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *OutboundQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close rejects further pushes and wakes blocked producers and the consumer.
func (q *OutboundQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *OutboundQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
