package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vango-dev/livestate/pkg/protocol"
)

const metricsNamespace = "livestate"

// Metrics holds the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connections      prometheus.Gauge
	sessions         prometheus.Gauge
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	errorsSent       *prometheus.CounterVec
	writeErrors      prometheus.Counter
	actionDuration   *prometheus.HistogramVec
	rehydrations     *prometheus.CounterVec
	uploadBytes      prometheus.Counter
	uploadsCompleted prometheus.Counter
}

// NewMetrics registers the server collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Number of open WebSocket connections",
		}),

		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "component_sessions",
			Help:      "Number of live component sessions, bound or detached",
		}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Frames received by message type",
		}, []string{"type"}),

		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Frames sent by message type",
		}, []string{"type"}),

		errorsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_sent_total",
			Help:      "Error frames sent by code",
		}, []string{"code"}),

		writeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "websocket_write_errors_total",
			Help:      "Failed WebSocket writes",
		}),

		actionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "action_duration_seconds",
			Help:      "Action handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "status"}),

		rehydrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rehydrations_total",
			Help:      "Rehydration requests by outcome",
		}, []string{"outcome"}),

		uploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upload_bytes_total",
			Help:      "Decoded upload bytes accepted",
		}),

		uploadsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "uploads_completed_total",
			Help:      "Uploads assembled and stored",
		}),
	}
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) messageReceived(t string) {
	if m != nil {
		m.messagesReceived.WithLabelValues(t).Inc()
	}
}

func (m *Metrics) messageSent(t protocol.MessageType) {
	if m != nil {
		m.messagesSent.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) errorSent(code protocol.ErrorCode) {
	if m != nil {
		m.errorsSent.WithLabelValues(code.String()).Inc()
	}
}

func (m *Metrics) writeError() {
	if m != nil {
		m.writeErrors.Inc()
	}
}

func (m *Metrics) actionObserved(component string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.actionDuration.WithLabelValues(component, status).Observe(d.Seconds())
}

// rehydrated records a rehydration outcome: "rebound", "reconstructed" or a
// rejection reason.
func (m *Metrics) rehydrated(outcome string) {
	if m != nil {
		m.rehydrations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) uploadChunk(bytes int64) {
	if m != nil && bytes > 0 {
		m.uploadBytes.Add(float64(bytes))
	}
}

func (m *Metrics) uploadCompleted() {
	if m != nil {
		m.uploadsCompleted.Inc()
	}
}
