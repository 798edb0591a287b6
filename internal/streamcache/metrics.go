package streamcache

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the stream store. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	streams       prometheus.Gauge
	subscriptions prometheus.Gauge
	linesTotal    prometheus.Counter
	bytesTotal    prometheus.Counter
	writesTotal   *prometheus.CounterVec
	reapedTotal   prometheus.Counter
}

// NewMetrics creates the store metrics and registers them with reg.
// Returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logteewoop",
			Subsystem: "store",
			Name:      "streams",
			Help:      "Number of streams currently held in memory",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logteewoop",
			Subsystem: "store",
			Name:      "subscriptions",
			Help:      "Number of (stream, subscriber) registrations",
		}),
		linesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logteewoop",
			Subsystem: "store",
			Name:      "lines_total",
			Help:      "Total lines opened across all streams",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logteewoop",
			Subsystem: "store",
			Name:      "ingested_bytes_total",
			Help:      "Total bytes ingested",
		}),
		writesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logteewoop",
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Ingest calls by result",
		}, []string{"result"}),
		reapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logteewoop",
			Subsystem: "store",
			Name:      "reaped_streams_total",
			Help:      "Streams removed after being idle past the timeout",
		}),
	}

	reg.MustRegister(
		m.streams,
		m.subscriptions,
		m.linesTotal,
		m.bytesTotal,
		m.writesTotal,
		m.reapedTotal,
	)

	return m
}

func (m *Metrics) setStreams(n int) {
	if m == nil {
		return
	}
	m.streams.Set(float64(n))
}

func (m *Metrics) addSubscriptions(delta int) {
	if m == nil {
		return
	}
	m.subscriptions.Add(float64(delta))
}

func (m *Metrics) recordWrite(bytes, newLines int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.writesTotal.WithLabelValues("error").Inc()
		return
	}
	m.writesTotal.WithLabelValues("ok").Inc()
	m.bytesTotal.Add(float64(bytes))
	m.linesTotal.Add(float64(newLines))
}

func (m *Metrics) recordReaped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.reapedTotal.Add(float64(n))
}
