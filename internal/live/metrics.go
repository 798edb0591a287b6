package live

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for live sessions. Nil is a valid,
// no-op value.
type Metrics struct {
	sessions       prometheus.Gauge
	sessionsTotal  prometheus.Counter
	teardowns      *prometheus.CounterVec
	protocolErrors prometheus.Counter
	messagesSent   prometheus.Counter
	bytesSent      prometheus.Counter
}

// NewMetrics creates and registers session metrics. Returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logteewoop",
			Subsystem: "live",
			Name:      "sessions",
			Help:      "Number of connected live sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logteewoop",
			Subsystem: "live",
			Name:      "sessions_total",
			Help:      "Total live sessions started",
		}),
		teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logteewoop",
			Subsystem: "live",
			Name:      "teardowns_total",
			Help:      "Live sessions ended, by reason",
		}, []string{"reason"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logteewoop",
			Subsystem: "live",
			Name:      "protocol_errors_total",
			Help:      "Inbound messages rejected as malformed",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logteewoop",
			Subsystem: "live",
			Name:      "messages_sent_total",
			Help:      "Tail messages written to live sessions",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logteewoop",
			Subsystem: "live",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to live sessions",
		}),
	}

	reg.MustRegister(
		m.sessions,
		m.sessionsTotal,
		m.teardowns,
		m.protocolErrors,
		m.messagesSent,
		m.bytesSent,
	)

	return m
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) sessionEnded(reason string) {
	if m == nil {
		return
	}
	m.sessions.Dec()
	m.teardowns.WithLabelValues(reason).Inc()
}

func (m *Metrics) protocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) messageSent(n int) {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
	m.bytesSent.Add(float64(n))
}
