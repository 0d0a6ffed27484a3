package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lookup metrics
	LookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wx_lookups_total",
			Help: "Total upstream lookups by outcome",
		},
		[]string{"upstream", "outcome"}, // outcome is a FailureReason string, "ok" on success
	)

	LookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wx_lookup_duration_seconds",
			Help:    "Upstream lookup duration including limiter wait",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"upstream"},
	)

	LimiterWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wx_limiter_wait_seconds",
			Help:    "Time spent waiting for a rate limiter token",
			Buckets: []float64{.001, .01, .1, .25, .5, 1, 2, 5},
		},
		[]string{"upstream"},
	)

	// Dispatch metrics
	DispatchActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wx_dispatch_actions_total",
			Help: "Total dispatched events by resulting action",
		},
		[]string{"action"},
	)

	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wx_dispatch_errors_total",
			Help: "Total dispatch failures by error code",
		},
		[]string{"code"},
	)

	DuplicateEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wx_duplicate_events_total",
			Help: "Total redelivered events skipped",
		},
	)

	// Transport metrics
	UpdatesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wx_updates_received_total",
			Help: "Total transport updates received",
		},
		[]string{"source"}, // "webhook" or "poll"
	)

	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wx_delivery_failures_total",
			Help: "Total outbound messages that could not be delivered",
		},
	)
)
