package gotransfer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics receives pool, retry and transfer measurements.
//
// A nil Metrics is valid everywhere and costs nothing.
type Metrics interface {
	// SessionCreated records a freshly dialed session.
	SessionCreated()

	// SessionReused records an idle session handed out again.
	SessionReused()

	// SessionDiscarded records a session closed by the pool. reason is one of
	// "probe_failed", "overflow", "reset_failed", "broken", "drained", "closed".
	SessionDiscarded(reason string)

	// RetryAttempt records a retry of op.
	RetryAttempt(op string)

	// ObserveTransfer records a finished transfer attempt sequence.
	ObserveTransfer(direction Direction, bytes int64, duration time.Duration, err error)
}

func metricsSessionCreated(m Metrics) {
	if m != nil {
		m.SessionCreated()
	}
}

func metricsSessionReused(m Metrics) {
	if m != nil {
		m.SessionReused()
	}
}

func metricsSessionDiscarded(m Metrics, reason string) {
	if m != nil {
		m.SessionDiscarded(reason)
	}
}

func metricsRetry(m Metrics, op string) {
	if m != nil {
		m.RetryAttempt(op)
	}
}

func metricsTransfer(m Metrics, direction Direction, bytes int64, duration time.Duration, err error) {
	if m != nil {
		m.ObserveTransfer(direction, bytes, duration, err)
	}
}

// prometheusMetrics is the Prometheus implementation of Metrics.
type prometheusMetrics struct {
	sessionsCreated   prometheus.Counter
	sessionsReused    prometheus.Counter
	sessionsDiscarded *prometheus.CounterVec
	retries           *prometheus.CounterVec
	transfersTotal    *prometheus.CounterVec
	transferDuration  *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
}

// NewPrometheusMetrics registers the collectors on reg and returns a Metrics
// backed by them. A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer) Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &prometheusMetrics{
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "gotransfer_sessions_created_total",
			Help: "Total number of sessions dialed",
		}),
		sessionsReused: factory.NewCounter(prometheus.CounterOpts{
			Name: "gotransfer_sessions_reused_total",
			Help: "Total number of idle sessions handed out again",
		}),
		sessionsDiscarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gotransfer_sessions_discarded_total",
				Help: "Total number of sessions closed by the pool by reason",
			},
			[]string{"reason"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gotransfer_retries_total",
				Help: "Total number of retried attempts by operation",
			},
			[]string{"operation"},
		),
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gotransfer_transfers_total",
				Help: "Total number of transfers by direction and status",
			},
			[]string{"direction", "status"},
		),
		transferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "gotransfer_transfer_duration_seconds",
				Help: "Duration of transfers including retries",
				Buckets: []float64{
					0.1, // small files on a LAN
					0.5,
					1,
					5,
					30,
					120, // large files
					600,
				},
			},
			[]string{"direction"},
		),
		bytesTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gotransfer_bytes_transferred_total",
				Help: "Total bytes moved by successful transfers",
			},
			[]string{"direction"},
		),
	}
}

func (m *prometheusMetrics) SessionCreated() { m.sessionsCreated.Inc() }

func (m *prometheusMetrics) SessionReused() { m.sessionsReused.Inc() }

func (m *prometheusMetrics) SessionDiscarded(reason string) {
	m.sessionsDiscarded.WithLabelValues(reason).Inc()
}

func (m *prometheusMetrics) RetryAttempt(op string) {
	m.retries.WithLabelValues(op).Inc()
}

func (m *prometheusMetrics) ObserveTransfer(direction Direction, bytes int64, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.transfersTotal.WithLabelValues(string(direction), status).Inc()
	m.transferDuration.WithLabelValues(string(direction)).Observe(duration.Seconds())
	if err == nil {
		m.bytesTransferred.WithLabelValues(string(direction)).Add(float64(bytes))
	}
}
