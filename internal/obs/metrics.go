package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RelayState              = promauto.NewGauge(prometheus.GaugeOpts{Name: "turnbridge_relay_state", Help: "Current relay connection state (0 disconnected .. 5 closed)"})
	AllocationsTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "turnbridge_allocations_total", Help: "Successful relay allocations"})
	ConnectFailuresTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "turnbridge_connect_failures_total", Help: "Relay candidates that failed to allocate"})
	ActiveSessions          = promauto.NewGauge(prometheus.GaugeOpts{Name: "turnbridge_active_sessions", Help: "Live peer bridge sessions"})
	SessionsTotal           = promauto.NewCounter(prometheus.CounterOpts{Name: "turnbridge_sessions_total", Help: "Peer bridge sessions created"})
	SessionDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "turnbridge_session_duration_seconds", Help: "Peer bridge session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	BytesTotal              = promauto.NewCounterVec(prometheus.CounterOpts{Name: "turnbridge_bytes_total", Help: "Application bytes bridged by direction"}, []string{"direction"})
	ChunksSentTotal         = promauto.NewCounter(prometheus.CounterOpts{Name: "turnbridge_chunks_sent_total", Help: "Send requests written for peer data"})
	TransactionTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "turnbridge_transaction_timeouts_total", Help: "Transactions that timed out waiting for a response"})
	SendErrorsTotal         = promauto.NewCounter(prometheus.CounterOpts{Name: "turnbridge_send_errors_total", Help: "Send error responses from the relay"})
	DecodeErrorsTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "turnbridge_decode_errors_total", Help: "Dropped units that failed to decode"})
	ErrorsTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "turnbridge_errors_total", Help: "Errors by type"}, []string{"type"})
	TransactionSeconds      = promauto.NewHistogram(prometheus.HistogramOpts{Name: "turnbridge_transaction_seconds", Help: "Request/response round trip seconds", Buckets: prometheus.ExponentialBuckets(0.001, 2, 16)})
)
