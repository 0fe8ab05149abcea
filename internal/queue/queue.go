// Package queue buffers activity events between the producers that emit them
// and the engine workers that resolve and dispatch them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/featureboard/internal/activity"
)

var (
	// ErrQueueFull indicates that a bounded queue has no room for the event.
	ErrQueueFull = errors.New("queue: full")
	// ErrQueueClosed indicates that the queue accepts no more work and has nothing left to hand out.
	ErrQueueClosed = errors.New("queue: closed")
	// ErrMalformedPayload indicates a message that could not be decoded into an event.
	ErrMalformedPayload = errors.New("queue: malformed payload")
)

// Queue is a FIFO of activity events.
type Queue interface {
	// Enqueue adds the event without waiting for room.
	Enqueue(ctx context.Context, event activity.Event) error
	// Dequeue blocks until an event is available, the context ends or the queue is closed.
	Dequeue(ctx context.Context) (activity.Event, error)
	// Close stops intake.
	Close() error
}

func encodeEvent(event activity.Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("queue: encode event: %w", err)
	}
	return payload, nil
}

func decodeEvent(payload []byte) (activity.Event, error) {
	var event activity.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return activity.Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return event, nil
}
