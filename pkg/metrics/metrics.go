package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MessagesSent counts messages acknowledged by the receiver
var MessagesSent = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "unada_messages_sent_total",
		Help: "Total number of messages delivered to peers",
	},
	[]string{"kind"},
)

// MessagesReceived counts inbound messages accepted for dispatch
var MessagesReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "unada_messages_received_total",
		Help: "Total number of messages received from peers",
	},
	[]string{"kind"},
)

// SendFailures counts messages that could not be delivered
var SendFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "unada_send_failures_total",
		Help: "Total number of failed message deliveries",
	},
	[]string{"kind"},
)

// OverlayStatus reports the overlay state (0 ok, 1 connecting, 2 error, 3 initial)
var OverlayStatus = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "unada_overlay_status",
		Help: "Current overlay status",
	},
)

// Neighbors reports the size of the neighbor table
var Neighbors = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "unada_neighbors",
		Help: "Number of known neighbors",
	},
)

// ProviderQueries counts provider requests sent
var ProviderQueries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "unada_provider_queries_total",
		Help: "Total number of provider queries",
	},
	[]string{"outcome"},
)

// Downloads counts download sessions by terminal state
var Downloads = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "unada_downloads_total",
		Help: "Total number of finished download sessions",
	},
	[]string{"state"},
)

// ActiveDownloads reports non-terminal download sessions
var ActiveDownloads = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "unada_active_downloads",
		Help: "Number of active download sessions",
	},
)

// Uploads counts provider-side transfers by outcome
var Uploads = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "unada_uploads_total",
		Help: "Total number of provider-side transfers",
	},
	[]string{"outcome"},
)

// ChunkRetries counts chunk resends on the provider side
var ChunkRetries = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "unada_chunk_retries_total",
		Help: "Total number of chunk send retries",
	},
)

// BytesTransferred counts content bytes by direction
var BytesTransferred = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "unada_bytes_transferred_total",
		Help: "Total number of content bytes transferred",
	},
	[]string{"direction"},
)

// ProximityReplies counts sortClosest replies by outcome
var ProximityReplies = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "unada_proximity_replies_total",
		Help: "Total number of traceroute replies by outcome",
	},
	[]string{"outcome"},
)

// Predictions counts prediction runs
var Predictions = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "unada_predictions_total",
		Help: "Total number of prediction runs",
	},
)

// Events counts entries appended to the transfer history logs
var Events = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "unada_history_events_total",
		Help: "Total number of transfer history events recorded",
	},
	[]string{"log"},
)
