package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/featureboard/internal/activity"
	"github.com/MarcoPoloResearchLab/featureboard/internal/queue"
	"go.uber.org/zap"
)

const (
	// DefaultWorkers is the number of event workers started by Start.
	DefaultWorkers = 2

	defaultSubmitTimeout = 250 * time.Millisecond
	dequeueErrorBackoff  = time.Second
)

var errMissingEngineDependency = errors.New("notify: engine requires a queue, resolver and dispatcher")

// RecipientResolver turns an event into recipients.
type RecipientResolver interface {
	Resolve(ctx context.Context, event activity.Event) ([]Recipient, error)
}

// Deliverer fans an event out to resolved recipients.
type Deliverer interface {
	Dispatch(ctx context.Context, event activity.Event, recipients []Recipient) Summary
}

// EngineConfig describes the dependencies of the Engine.
type EngineConfig struct {
	Queue      queue.Queue
	Resolver   RecipientResolver
	Dispatcher Deliverer
	Workers    int
	// SubmitTimeout bounds how long Submit may wait on a network-backed
	// queue before the event is dropped.
	SubmitTimeout time.Duration
	Logger        *zap.Logger
}

// Engine accepts activity events without blocking the caller and processes
// them on a fixed pool of background workers.
type Engine struct {
	queue         queue.Queue
	resolver      RecipientResolver
	dispatcher    Deliverer
	workers       int
	submitTimeout time.Duration
	logger        *zap.Logger

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
	closing   atomic.Bool
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Queue == nil || cfg.Resolver == nil || cfg.Dispatcher == nil {
		return nil, errMissingEngineDependency
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		queue:         cfg.Queue,
		resolver:      cfg.Resolver,
		dispatcher:    cfg.Dispatcher,
		workers:       workers,
		submitTimeout: submitTimeout,
		logger:        logger.Named("notify"),
	}, nil
}

// Submit hands the event to the background workers. It never reports
// failure to the caller: malformed events and events that do not fit in the
// queue are logged, counted and dropped. The memory queue returns at once;
// a Redis or AMQP enqueue may hold the caller for at most SubmitTimeout.
func (e *Engine) Submit(event activity.Event) {
	event = event.Normalized()
	if err := event.Validate(); err != nil {
		eventsTotal.WithLabelValues(eventResultMalformed).Inc()
		e.logger.Warn("malformed event dropped",
			zap.String("operation", "notify.submit"),
			zap.String("type", string(event.Type)),
			zap.String("project_id", event.ProjectID),
			zap.String("feedback_id", event.FeedbackID),
			zap.Error(err))
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if e.closing.Load() {
		e.drop(event, queue.ErrQueueClosed)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.submitTimeout)
	defer cancel()
	if err := e.queue.Enqueue(ctx, event); err != nil {
		e.drop(event, err)
		return
	}
	eventsTotal.WithLabelValues(eventResultAccepted).Inc()
}

func (e *Engine) drop(event activity.Event, reason error) {
	eventsTotal.WithLabelValues(eventResultDropped).Inc()
	e.logger.Warn("event dropped",
		zap.String("operation", "notify.submit"),
		zap.String("type", string(event.Type)),
		zap.String("project_id", event.ProjectID),
		zap.String("feedback_id", event.FeedbackID),
		zap.Error(reason))
}

// Start launches the worker pool. Cancelling ctx stops workers without
// draining; use Close for a graceful stop.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		for range e.workers {
			e.wg.Add(1)
			go e.worker(ctx)
		}
		e.logger.Info("notification engine started", zap.Int("workers", e.workers))
	})
}

// Close stops intake, lets the workers drain what the queue still holds and
// waits for them to exit.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closing.Store(true)
		err = e.queue.Close()
		e.wg.Wait()
		e.logger.Info("notification engine stopped")
	})
	return err
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		event, err := e.queue.Dequeue(ctx)
		switch {
		case err == nil:
			e.processSafely(ctx, event)
		case errors.Is(err, queue.ErrQueueClosed):
			return
		case ctx.Err() != nil:
			return
		case errors.Is(err, queue.ErrMalformedPayload):
			eventsTotal.WithLabelValues(eventResultMalformed).Inc()
			e.logger.Warn("malformed queued event dropped", zap.String("operation", "notify.worker"), zap.Error(err))
		default:
			e.logger.Error("dequeue failed", zap.String("operation", "notify.worker"), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueErrorBackoff):
			}
		}
	}
}

func (e *Engine) processSafely(ctx context.Context, event activity.Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			eventsTotal.WithLabelValues(eventResultFailed).Inc()
			e.logger.Error("event processing panicked",
				zap.String("operation", "notify.process"),
				zap.String("type", string(event.Type)),
				zap.String("feedback_id", event.FeedbackID),
				zap.Any("panic", recovered))
		}
	}()
	if _, err := e.Process(ctx, event); err != nil {
		e.logger.Error("event processing failed",
			zap.String("operation", "notify.process"),
			zap.String("type", string(event.Type)),
			zap.String("project_id", event.ProjectID),
			zap.String("feedback_id", event.FeedbackID),
			zap.Error(err))
	}
}

// Process resolves and dispatches one event synchronously. Malformed events
// are counted and dropped without error.
func (e *Engine) Process(ctx context.Context, event activity.Event) (Summary, error) {
	event = event.Normalized()
	if err := event.Validate(); err != nil {
		eventsTotal.WithLabelValues(eventResultMalformed).Inc()
		e.logger.Warn("malformed event dropped",
			zap.String("operation", "notify.process"),
			zap.Error(err))
		return Summary{}, nil
	}

	recipients, err := e.resolver.Resolve(ctx, event)
	if err != nil {
		eventsTotal.WithLabelValues(eventResultFailed).Inc()
		return Summary{}, fmt.Errorf("notify: resolve %s for %s: %w", event.Type, event.FeedbackID, err)
	}
	recipientsPerEvent.Observe(float64(len(recipients)))

	summary := e.dispatcher.Dispatch(ctx, event, recipients)
	eventsTotal.WithLabelValues(eventResultProcessed).Inc()
	e.logger.Debug("event processed",
		zap.String("type", string(event.Type)),
		zap.String("project_id", event.ProjectID),
		zap.String("feedback_id", event.FeedbackID),
		zap.Int("recipients", summary.Recipients),
		zap.Int("attempts", summary.Attempts),
		zap.Int("sent", summary.Sent),
		zap.Int("failed", summary.Failed),
		zap.Int("expired", summary.Expired))
	return summary, nil
}
