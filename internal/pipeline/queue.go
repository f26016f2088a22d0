package pipeline

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrDuplicate = errors.New("segment already queued")
	ErrClosed    = errors.New("queue closed")
)

type item struct {
	name string
	stop bool
}

// Queue is an unbounded FIFO of segment names with a single consumer. Push
// never blocks, so capture is never held up by processing. Close enqueues a
// sentinel behind everything already pushed.
type Queue struct {
	mu     sync.Mutex
	items  []item
	seen   map[string]struct{}
	closed bool
	ready  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		seen:  make(map[string]struct{}),
		ready: make(chan struct{}, 1),
	}
}

func (q *Queue) Push(name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, ok := q.seen[name]; ok {
		return ErrDuplicate
	}
	q.seen[name] = struct{}{}
	q.items = append(q.items, item{name: name})
	q.signal()
	return nil
}

// Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.items = append(q.items, item{stop: true})
	q.signal()
}

// Pop blocks until a name is available. It returns ErrClosed once the
// sentinel is reached and ctx.Err() if ctx ends first.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			next := q.items[0]
			if next.stop {
				q.mu.Unlock()
				return "", ErrClosed
			}
			q.items[0] = item{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return next.name, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Len counts queued names, excluding the sentinel.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if q.closed {
		n--
	}
	return n
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
