// Package queue is the bounded FIFO of job ids between the orchestrator and
// the worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"transcoderexpress/internal/metrics"
)

var (
	// ErrQueueFull is returned by Push under the Reject policy when the queue is at capacity.
	ErrQueueFull = errors.New("queue full")
	// ErrClosed is returned by Push and Pop once Close has been called.
	ErrClosed = errors.New("queue closed")
)

// Policy decides what Push does when the queue is at capacity.
type Policy int

const (
	// Block waits for space, cancellation, or Close.
	Block Policy = iota
	// Reject fails immediately with ErrQueueFull.
	Reject
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts "block" or "reject".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return Block, nil
	case "reject":
		return Reject, nil
	default:
		return Block, fmt.Errorf("unknown queue policy %q (want block or reject)", s)
	}
}

// Queue is a bounded FIFO of job ids. It is safe for concurrent use by
// multiple producers and consumers.
type Queue struct {
	items  chan string
	policy Policy

	// mu is held for reading by every Push so that Close can wait for
	// in-flight pushes before the queue is considered sealed.
	mu        sync.RWMutex
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a queue. A capacity below 1 is raised to 1.
func New(capacity int, policy Policy) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	metrics.QueueCapacity.Set(float64(capacity))
	return &Queue{
		items:  make(chan string, capacity),
		policy: policy,
		closed: make(chan struct{}),
	}
}

// Push appends id to the queue.
func (q *Queue) Push(ctx context.Context, id string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	// Fast path: room available.
	select {
	case q.items <- id:
		return nil
	default:
	}

	if q.policy == Reject {
		return ErrQueueFull
	}

	metrics.QueuePushBlocked.Inc()
	select {
	case q.items <- id:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop removes the oldest id. It blocks until an id is available, the queue
// is closed, or ctx is done. After Close it returns ErrClosed even when ids
// remain; use Drain to collect them.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	select {
	case <-q.closed:
		return "", ErrClosed
	default:
	}

	select {
	case id := <-q.items:
		return id, nil
	case <-q.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops the queue. Blocked pushers and poppers return ErrClosed. When
// Close returns, no further id can enter the queue. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	// Wait for pushes that were already past their closed check.
	q.mu.Lock()
	q.mu.Unlock() //nolint:staticcheck // empty critical section is the barrier
}

// Drain removes and returns every id still buffered, oldest first.
func (q *Queue) Drain() []string {
	var out []string
	for {
		select {
		case id := <-q.items:
			out = append(out, id)
		default:
			return out
		}
	}
}

// Len returns the number of buffered ids.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the capacity.
func (q *Queue) Cap() int {
	return cap(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}
