package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/featureboard/internal/activity"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisKey names the list events are pushed onto.
	DefaultRedisKey = "featureboard:notify:events"

	defaultRedisPollTimeout = 2 * time.Second
)

var errMissingRedisClient = errors.New("queue: redis client is required")

// RedisConfig configures the Redis list queue.
type RedisConfig struct {
	Client      redis.UniversalClient
	Key         string
	PollTimeout time.Duration
}

// Redis is a queue shared across processes through a Redis list: LPUSH on
// enqueue, BRPOP on dequeue. Events left in the list when this process closes
// stay there for the next consumer.
type Redis struct {
	client      redis.UniversalClient
	key         string
	pollTimeout time.Duration
	closed      atomic.Bool
}

// NewRedis constructs a Redis queue. The caller owns the client.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = DefaultRedisKey
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultRedisPollTimeout
	}
	return &Redis{client: cfg.Client, key: key, pollTimeout: pollTimeout}, nil
}

// Enqueue pushes the JSON-encoded event onto the list.
func (r *Redis) Enqueue(ctx context.Context, event activity.Event) error {
	if r.closed.Load() {
		return ErrQueueClosed
	}
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}
	if err := r.client.LPush(ctx, r.key, payload).Err(); err != nil {
		return fmt.Errorf("queue: redis lpush: %w", err)
	}
	return nil
}

// Dequeue polls the list with BRPOP until an event arrives.
func (r *Redis) Dequeue(ctx context.Context) (activity.Event, error) {
	for {
		if r.closed.Load() {
			return activity.Event{}, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return activity.Event{}, err
		}
		values, err := r.client.BRPop(ctx, r.pollTimeout, r.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return activity.Event{}, ctxErr
			}
			return activity.Event{}, fmt.Errorf("queue: redis brpop: %w", err)
		}
		if len(values) != 2 {
			return activity.Event{}, fmt.Errorf("%w: unexpected brpop reply of %d elements", ErrMalformedPayload, len(values))
		}
		return decodeEvent([]byte(values[1]))
	}
}

// Close stops intake and consumption for this process.
func (r *Redis) Close() error {
	r.closed.Store(true)
	return nil
}
