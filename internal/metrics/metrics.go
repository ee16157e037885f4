package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaychat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"method", "path"},
	)

	// Relay metrics
	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaychat_messages_appended_total",
			Help: "Total messages appended to team logs",
		},
	)

	FramesBroadcast = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaychat_frames_broadcast_total",
			Help: "Total frames written to relay connections",
		},
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_send_failures_total",
			Help: "Relay connections pruned after a failed send",
		},
		[]string{"reason"}, // "write_error" or "slow_consumer"
	)

	MalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaychat_malformed_frames_total",
			Help: "Inbound frames skipped because they failed validation",
		},
	)

	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaychat_connections_open",
			Help: "Relay connections currently registered",
		},
	)

	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_polls_total",
			Help: "Poll and query operations served",
		},
		[]string{"endpoint"}, // "unread", "query" or "wait"
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)
