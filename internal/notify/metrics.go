package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "featureboard_notify_events_total",
			Help: "Activity events seen by the notification engine, by result.",
		},
		[]string{"result"},
	)
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "featureboard_notify_deliveries_total",
			Help: "Delivery attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "featureboard_notify_delivery_duration_seconds",
			Help:    "Duration of single delivery attempts.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)
	recipientsPerEvent = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "featureboard_notify_recipients_per_event",
			Help:    "Resolved recipients per processed event.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)
)

const (
	eventResultAccepted  = "accepted"
	eventResultDropped   = "dropped"
	eventResultMalformed = "malformed"
	eventResultProcessed = "processed"
	eventResultFailed    = "failed"
)
