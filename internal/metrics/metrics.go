package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Realtime client metrics
var (
	// Connection metrics
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mira_connection_state",
			Help: "Current connection state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mira_connect_attempts_total",
			Help: "Total number of socket open attempts",
		},
		[]string{"result"}, // result: success/failure
	)

	ReconnectsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mira_reconnects_scheduled_total",
			Help: "Total number of reconnect timers scheduled",
		},
	)

	ReconnectDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mira_reconnect_delay_seconds",
			Help:    "Backoff delay chosen for each scheduled reconnect",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 500ms to ~64s
		},
	)

	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mira_disconnects_total",
			Help: "Total number of socket closures by close code",
		},
		[]string{"code"},
	)

	// Frame metrics
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mira_frames_total",
			Help: "Total number of frames by direction and type",
		},
		[]string{"direction", "type"}, // direction: inbound/outbound
	)

	MalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mira_malformed_frames_total",
			Help: "Inbound frames dropped because they were not valid JSON",
		},
	)

	// Outbound queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mira_outbound_queue_depth",
			Help: "Envelopes waiting for a connection",
		},
	)

	QueueDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mira_outbound_queue_dropped_total",
			Help: "Envelopes discarded by the outbound queue",
		},
		[]string{"reason"}, // reason: overflow/rejected/manual_disconnect
	)

	// Dispatch metrics
	SubscriberPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mira_subscriber_panics_total",
			Help: "Subscriber callbacks that panicked during dispatch",
		},
		[]string{"subscriber"},
	)

	// Stream metrics
	StreamsFinalized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mira_streams_finalized_total",
			Help: "Assistant messages finalized by complete or done",
		},
	)

	StreamsInterrupted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mira_streams_interrupted_total",
			Help: "Open streams superseded by a chunk for a different stream",
		},
	)

	StreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mira_stream_duration_seconds",
			Help:    "Time from first chunk to finalization",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
	)

	// Local API metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mira_api_requests_total",
			Help: "Local HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mira_api_request_duration_seconds",
			Help:    "Local HTTP API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
