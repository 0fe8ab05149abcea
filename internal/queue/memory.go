package queue

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/featureboard/internal/activity"
)

// DefaultMemoryCapacity bounds the in-process queue when no size is configured.
const DefaultMemoryCapacity = 256

// Memory is a bounded in-process queue backed by a buffered channel.
type Memory struct {
	mu     sync.RWMutex
	events chan activity.Event
	closed bool
}

// NewMemory constructs a Memory queue holding at most capacity events.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{events: make(chan activity.Event, capacity)}
}

// Enqueue never blocks: it returns ErrQueueFull when the buffer is at capacity.
func (m *Memory) Enqueue(ctx context.Context, event activity.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrQueueClosed
	}
	select {
	case m.events <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue keeps handing out buffered events after Close and returns
// ErrQueueClosed once the buffer is empty.
func (m *Memory) Dequeue(ctx context.Context) (activity.Event, error) {
	select {
	case event, ok := <-m.events:
		if !ok {
			return activity.Event{}, ErrQueueClosed
		}
		return event, nil
	case <-ctx.Done():
		return activity.Event{}, ctx.Err()
	}
}

// Close stops intake. It is safe to call more than once.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.events)
	return nil
}

// Len reports the number of buffered events.
func (m *Memory) Len() int {
	return len(m.events)
}
