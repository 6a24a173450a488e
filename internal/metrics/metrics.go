// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensorlink"

// Fault kinds used as the "kind" label of FaultsTotal.
const (
	FaultTruncated  = "truncated"
	FaultFieldCount = "field_count"
	FaultIO         = "io"
	FaultRejected   = "rejected"
)

// Metrics groups every collector the service updates.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	FramesTotal    prometheus.Counter
	FaultsTotal    *prometheus.CounterVec
	SinkDepth      prometheus.Gauge
	FeedDropped    *prometheus.CounterVec
	StorageErrors  prometheus.Counter
	StoredTotal    prometheus.Counter
}

// New creates the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Device sessions currently connected.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_total",
			Help: "Device sessions accepted since start.",
		}),
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_total",
			Help: "Frames decoded and handed to the sink.",
		}),
		FaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_faults_total",
			Help: "Sessions torn down by a fault, by kind.",
		}, []string{"kind"}),
		SinkDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sink_depth",
			Help: "Readings waiting for the storage writer.",
		}),
		FeedDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_dropped_total",
			Help: "Readings dropped by a slow live feed, by feed.",
		}, []string{"feed"}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "storage_errors_total",
			Help: "Failed storage appends.",
		}),
		StoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stored_total",
			Help: "Readings appended to storage.",
		}),
	}
	m.registry.MustRegister(
		m.SessionsActive, m.SessionsTotal, m.FramesTotal, m.FaultsTotal,
		m.SinkDepth, m.FeedDropped, m.StorageErrors, m.StoredTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) Frame() {
	if m == nil {
		return
	}
	m.FramesTotal.Inc()
}

func (m *Metrics) Fault(kind string) {
	if m == nil {
		return
	}
	m.FaultsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Depth(n int) {
	if m == nil {
		return
	}
	m.SinkDepth.Set(float64(n))
}

func (m *Metrics) Dropped(feed string) {
	if m == nil {
		return
	}
	m.FeedDropped.WithLabelValues(feed).Inc()
}

func (m *Metrics) Stored(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.StorageErrors.Inc()
		return
	}
	m.StoredTotal.Inc()
}
