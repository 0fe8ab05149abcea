package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredisQueue(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	queue, err := NewRedis(RedisConfig{Client: client, Key: "featureboard:test:events", PollTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("construct failed: %v", err)
	}
	return queue, server
}

func TestRedisRoundTripsEventsInOrder(t *testing.T) {
	queue, server := newMiniredisQueue(t)
	ctx := context.Background()

	for _, feedbackID := range []string{"feedback-1", "feedback-2", "feedback-3"} {
		if err := queue.Enqueue(ctx, testEvent(feedbackID)); err != nil {
			t.Fatalf("enqueue %s failed: %v", feedbackID, err)
		}
	}
	stored, err := server.List("featureboard:test:events")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected three encoded events in the list, got %d", len(stored))
	}

	for _, want := range []string{"feedback-1", "feedback-2", "feedback-3"} {
		event, err := queue.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue failed: %v", err)
		}
		if event.FeedbackID != want || event.ProjectID != "project-p" || !event.OccurredAt.Equal(time.Unix(1700000000, 0)) {
			t.Fatalf("unexpected event %+v, want feedback %s", event, want)
		}
	}
}

func TestRedisReportsMalformedEntries(t *testing.T) {
	queue, server := newMiniredisQueue(t)
	if _, err := server.Lpush("featureboard:test:events", "not-json"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if _, err := queue.Dequeue(context.Background()); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if err := queue.Enqueue(context.Background(), testEvent("feedback-ok")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	event, err := queue.Dequeue(context.Background())
	if err != nil || event.FeedbackID != "feedback-ok" {
		t.Fatalf("expected the queue to keep working after a bad entry, got %+v %v", event, err)
	}
}

func TestRedisDequeueWaitsForContextOnEmptyList(t *testing.T) {
	queue, _ := newMiniredisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	if _, err := queue.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRedisCloseLeavesPendingEventsInList(t *testing.T) {
	queue, server := newMiniredisQueue(t)
	if err := queue.Enqueue(context.Background(), testEvent("feedback-1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	stored, err := server.List("featureboard:test:events")
	if err != nil || len(stored) != 1 {
		t.Fatalf("expected the pending event to stay for the next consumer, got %v %v", stored, err)
	}
}

func TestNewRedisRequiresClient(t *testing.T) {
	if _, err := NewRedis(RedisConfig{}); err == nil {
		t.Fatalf("expected error without client")
	}
}

func TestRedisStopsWithoutTouchingServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	queue, err := NewRedis(RedisConfig{Client: client})
	if err != nil {
		t.Fatalf("construct failed: %v", err)
	}
	if queue.key != DefaultRedisKey {
		t.Fatalf("expected default key, got %q", queue.key)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := queue.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}

	if err := queue.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := queue.Enqueue(context.Background(), testEvent("feedback-1")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if _, err := queue.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}
