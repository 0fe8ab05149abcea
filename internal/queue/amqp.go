package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/featureboard/internal/activity"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultAMQPQueue names the durable queue events are published to.
	DefaultAMQPQueue = "featureboard.notify.events"

	defaultAMQPPrefetch = 16
	contentTypeJSON     = "application/json"
)

var errMissingAMQPURL = errors.New("queue: amqp url is required")

// AMQPConfig configures the RabbitMQ queue.
type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// amqpChannel is the slice of *amqp.Channel the queue publishes through.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type amqpConnection interface {
	Close() error
}

// AMQP is a queue shared across processes through a durable RabbitMQ queue.
// Messages are acknowledged when handed to a worker, so delivery is at most
// once from this layer's point of view.
type AMQP struct {
	conn       amqpConnection
	channel    amqpChannel
	deliveries <-chan amqp.Delivery
	queue      string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewAMQP dials the broker, declares the queue and starts consuming.
func NewAMQP(cfg AMQPConfig) (*AMQP, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errMissingAMQPURL
	}
	queueName := strings.TrimSpace(cfg.Queue)
	if queueName == "" {
		queueName = DefaultAMQPQueue
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultAMQPPrefetch
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: amqp dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue: amqp channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue: amqp declare %s: %w", queueName, err)
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue: amqp qos: %w", err)
	}
	deliveries, err := channel.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue: amqp consume %s: %w", queueName, err)
	}
	return newAMQP(conn, channel, deliveries, queueName), nil
}

func newAMQP(conn amqpConnection, channel amqpChannel, deliveries <-chan amqp.Delivery, queueName string) *AMQP {
	return &AMQP{
		conn:       conn,
		channel:    channel,
		deliveries: deliveries,
		queue:      queueName,
		closed:     make(chan struct{}),
	}
}

// Enqueue publishes the event as a persistent message.
func (a *AMQP) Enqueue(ctx context.Context, event activity.Event) error {
	select {
	case <-a.closed:
		return ErrQueueClosed
	default:
	}
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}
	err = a.channel.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("queue: amqp publish: %w", err)
	}
	return nil
}

// Dequeue waits for the next delivery and acknowledges it. Undecodable
// messages are rejected without requeue.
func (a *AMQP) Dequeue(ctx context.Context) (activity.Event, error) {
	select {
	case <-a.closed:
		return activity.Event{}, ErrQueueClosed
	case <-ctx.Done():
		return activity.Event{}, ctx.Err()
	case delivery, ok := <-a.deliveries:
		if !ok {
			return activity.Event{}, ErrQueueClosed
		}
		event, err := decodeEvent(delivery.Body)
		if err != nil {
			_ = delivery.Reject(false)
			return activity.Event{}, err
		}
		if err := delivery.Ack(false); err != nil {
			return activity.Event{}, fmt.Errorf("queue: amqp ack: %w", err)
		}
		return event, nil
	}
}

// Close stops consumption and releases the broker connection. Unacknowledged
// messages return to the broker.
func (a *AMQP) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		if channelErr := a.channel.Close(); channelErr != nil && !errors.Is(channelErr, amqp.ErrClosed) {
			err = channelErr
		}
		if connErr := a.conn.Close(); connErr != nil && !errors.Is(connErr, amqp.ErrClosed) && err == nil {
			err = connErr
		}
	})
	return err
}
