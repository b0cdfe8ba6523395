package mailbox

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next once the mailbox is closed and drained.
var ErrClosed = errors.New("mailbox closed")

// Mailbox is an unbounded FIFO queue with one blocking receive side.
//
// Push never blocks, so publishers holding their own locks can deliver
// without waiting on slow consumers.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
	done   chan struct{}
}

// New creates an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends item. It returns false when the mailbox is closed.
func (m *Mailbox[T]) Push(item T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}

	return true
}

// Next removes the oldest item, waiting until one is available.
//
// Items pushed before Close are still delivered; ErrClosed follows them.
func (m *Mailbox[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			item := m.items[0]
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			return item, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-m.signal:
		case <-m.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close stops accepting items and wakes waiting receivers.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.items)
}
