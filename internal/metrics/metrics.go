package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

var (
	DurableWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_durable_writes_total",
			Help: "Durable store writes by operation and result",
		},
		[]string{"op", "result"},
	)

	DurableWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "session_durable_write_duration_seconds",
			Help:    "Duration of durable store writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_started_total",
			Help: "startOrResume outcomes by source (created, token, registry, durable)",
		},
		[]string{"source"},
	)

	SessionsEnded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_ended_total",
			Help: "Sessions ended by explicit logout",
		},
	)

	SessionActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_actions_total",
			Help: "Session actions applied by action name",
		},
		[]string{"action"},
	)

	DurableWritesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_durable_writes_in_flight",
			Help: "Durable writes currently running in the background",
		},
	)
)
