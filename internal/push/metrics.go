package push

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pushSendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "featureboard_push_send_total",
			Help: "Push provider requests by result.",
		},
		[]string{"result"},
	)
	pushSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "featureboard_push_send_duration_seconds",
			Help:    "Duration of push provider HTTP requests.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"result"},
	)
)
