package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/featureboard/internal/activity"
	"github.com/MarcoPoloResearchLab/featureboard/internal/delivery"
	"github.com/MarcoPoloResearchLab/featureboard/internal/devices"
	"github.com/MarcoPoloResearchLab/featureboard/internal/email"
	"github.com/MarcoPoloResearchLab/featureboard/internal/preferences"
	"github.com/MarcoPoloResearchLab/featureboard/internal/push"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

const (
	// DefaultDispatchConcurrency bounds concurrent sends within one event.
	DefaultDispatchConcurrency = 8
	// DefaultSendTimeout bounds a single send.
	DefaultSendTimeout = 10 * time.Second

	bookkeepingTimeout = 5 * time.Second
)

var errMissingRecorder = errors.New("notify: dispatcher requires endpoints and a delivery recorder")

// Endpoints is the slice of the device registry the dispatcher needs.
type Endpoints interface {
	ListActive(ctx context.Context, userID string) ([]devices.Endpoint, error)
	Deactivate(ctx context.Context, endpointID string) (bool, error)
	MarkUsed(ctx context.Context, endpointID string) error
}

// Recorder appends delivery records.
type Recorder interface {
	Append(ctx context.Context, record delivery.Record) error
}

// DispatcherConfig describes the dependencies of the Dispatcher. A nil Push
// or Email disables that channel.
type DispatcherConfig struct {
	Endpoints   Endpoints
	Push        push.Provider
	Email       email.Sender
	Records     Recorder
	Renderer    Renderer
	Concurrency int
	SendTimeout time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Dispatcher fans an event out to every eligible destination with bounded
// concurrency. Each destination is attempted once and recorded once.
type Dispatcher struct {
	endpoints   Endpoints
	push        push.Provider
	email       email.Sender
	records     Recorder
	renderer    Renderer
	concurrency int
	sendTimeout time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

// Summary counts the outcomes of one dispatch.
type Summary struct {
	Recipients int
	Attempts   int
	Sent       int
	Failed     int
	Expired    int
}

func (s *Summary) add(outcome delivery.Outcome) {
	s.Attempts++
	switch outcome {
	case delivery.OutcomeSent:
		s.Sent++
	case delivery.OutcomeExpired:
		s.Expired++
	default:
		s.Failed++
	}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Endpoints == nil || cfg.Records == nil {
		return nil, errMissingRecorder
	}
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = PlainRenderer{}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultDispatchConcurrency
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		endpoints:   cfg.Endpoints,
		push:        cfg.Push,
		email:       cfg.Email,
		records:     cfg.Records,
		renderer:    renderer,
		concurrency: concurrency,
		sendTimeout: sendTimeout,
		clock:       clock,
		logger:      logger,
	}, nil
}

type unit struct {
	recipient Recipient
	channel   preferences.Channel
	endpoint  devices.Endpoint
}

// Dispatch attempts every (recipient, channel, destination) unit for event.
// Units never share state; each writes only its own slot of the result.
func (d *Dispatcher) Dispatch(ctx context.Context, event activity.Event, recipients []Recipient) Summary {
	units := d.plan(ctx, recipients)
	summary := Summary{Recipients: len(recipients)}
	if len(units) == 0 {
		return summary
	}

	pushMessage := d.renderer.Push(event)
	emailContent := d.renderer.Email(event)
	payload := eventPayload(event)

	outcomes := make([]delivery.Outcome, len(units))
	var group errgroup.Group
	group.SetLimit(d.concurrency)
	for index := range units {
		current := units[index]
		group.Go(func() error {
			outcomes[index] = d.attempt(ctx, event, current, pushMessage, emailContent, payload)
			return nil
		})
	}
	_ = group.Wait()

	for _, outcome := range outcomes {
		summary.add(outcome)
	}
	return summary
}

func (d *Dispatcher) plan(ctx context.Context, recipients []Recipient) []unit {
	units := make([]unit, 0, len(recipients))
	for _, recipient := range recipients {
		if recipient.Email && d.email != nil && recipient.Address != "" {
			units = append(units, unit{recipient: recipient, channel: preferences.ChannelEmail})
		}
		if !recipient.Push || d.push == nil || recipient.UserID == "" {
			continue
		}
		endpoints, err := d.endpoints.ListActive(ctx, recipient.UserID)
		if err != nil {
			d.logger.Warn("active endpoints unavailable, skipping push",
				zap.String("operation", "notify.dispatch"),
				zap.String("user_id", recipient.UserID),
				zap.Error(err))
			continue
		}
		for _, endpoint := range endpoints {
			units = append(units, unit{recipient: recipient, channel: preferences.ChannelPush, endpoint: endpoint})
		}
	}
	return units
}

func (d *Dispatcher) attempt(ctx context.Context, event activity.Event, current unit, message push.Message, content email.Content, payload datatypes.JSON) (outcome delivery.Outcome) {
	attemptedAt := d.clock().UTC()
	started := time.Now()
	var sendErr error

	defer func() {
		if recovered := recover(); recovered != nil {
			outcome = delivery.OutcomeFailed
			sendErr = fmt.Errorf("notify: send panicked: %v", recovered)
			d.logger.Error("delivery attempt panicked",
				zap.String("operation", "notify.dispatch"),
				zap.String("channel", string(current.channel)),
				zap.Any("panic", recovered))
		}
		deliveryDuration.WithLabelValues(string(current.channel)).Observe(time.Since(started).Seconds())
		deliveriesTotal.WithLabelValues(string(current.channel), string(outcome)).Inc()
		d.record(ctx, event, current, outcome, sendErr, payload, attemptedAt)
	}()

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	switch current.channel {
	case preferences.ChannelEmail:
		var result email.Result
		result, sendErr = d.email.Send(sendCtx, current.recipient.Address, content)
		if result == email.Delivered {
			return delivery.OutcomeSent
		}
		return delivery.OutcomeFailed
	default:
		var result push.Result
		result, sendErr = d.push.Send(sendCtx, current.endpoint.Token, message)
		switch result {
		case push.Delivered:
			d.afterDelivered(ctx, current.endpoint)
			return delivery.OutcomeSent
		case push.InvalidToken:
			d.afterInvalidToken(ctx, current.endpoint)
			return delivery.OutcomeExpired
		default:
			return delivery.OutcomeFailed
		}
	}
}

func (d *Dispatcher) afterDelivered(ctx context.Context, endpoint devices.Endpoint) {
	bookkeepingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	if err := d.endpoints.MarkUsed(bookkeepingCtx, endpoint.ID); err != nil {
		d.logger.Warn("endpoint last-used update failed",
			zap.String("operation", "notify.dispatch"),
			zap.String("endpoint_id", endpoint.ID),
			zap.Error(err))
	}
}

func (d *Dispatcher) afterInvalidToken(ctx context.Context, endpoint devices.Endpoint) {
	bookkeepingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	changed, err := d.endpoints.Deactivate(bookkeepingCtx, endpoint.ID)
	if err != nil {
		d.logger.Error("endpoint deactivation failed",
			zap.String("operation", "notify.dispatch"),
			zap.String("endpoint_id", endpoint.ID),
			zap.Error(err))
		return
	}
	if changed {
		d.logger.Info("endpoint deactivated after provider rejected token",
			zap.String("endpoint_id", endpoint.ID),
			zap.String("user_id", endpoint.UserID))
	}
}

func (d *Dispatcher) record(ctx context.Context, event activity.Event, current unit, outcome delivery.Outcome, sendErr error, payload datatypes.JSON, attemptedAt time.Time) {
	record := delivery.Record{
		RecipientUserID: current.recipient.UserID,
		Channel:         current.channel,
		EventType:       event.Type,
		ProjectID:       event.ProjectID,
		FeedbackID:      event.FeedbackID,
		Outcome:         outcome,
		Payload:         payload,
		AttemptedAt:     attemptedAt,
		CompletedAt:     d.clock().UTC(),
	}
	if current.channel == preferences.ChannelPush {
		endpointID := current.endpoint.ID
		record.EndpointID = &endpointID
	} else {
		record.Address = current.recipient.Address
	}
	if sendErr != nil && outcome != delivery.OutcomeSent {
		record.ErrorDetail = sendErr.Error()
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	if err := d.records.Append(recordCtx, record); err != nil {
		d.logger.Warn("delivery record dropped",
			zap.String("operation", "notify.dispatch"),
			zap.String("channel", string(current.channel)),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
	}
}

func eventPayload(event activity.Event) datatypes.JSON {
	encoded, err := json.Marshal(struct {
		Title     string `json:"title,omitempty"`
		VoteCount int    `json:"vote_count,omitempty"`
		OldStatus string `json:"old_status,omitempty"`
		NewStatus string `json:"new_status,omitempty"`
		ActorID   string `json:"actor_id,omitempty"`
	}{
		Title:     event.Title,
		VoteCount: event.VoteCount,
		OldStatus: event.OldStatus,
		NewStatus: event.NewStatus,
		ActorID:   event.ActorID,
	})
	if err != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}
