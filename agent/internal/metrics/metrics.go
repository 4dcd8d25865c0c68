// Package metrics exposes the agent's Prometheus collectors.
//
// All methods are safe on a nil *Metrics so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "drawagent"

// Metrics holds the agent collectors, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	connected  prometheus.Gauge
	reconnects prometheus.Counter
	commands   *prometheus.CounterVec
	artifacts  *prometheus.CounterVec
	flushes    prometheus.Counter
	batchSize  prometheus.Histogram
}

// New creates and registers the agent collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connected",
			Help:      "1 while the relay connection is open",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after an unclean close",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Relay commands by outcome",
		}, []string{"result"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_total",
			Help:      "Distinct artifacts collected, by discovery source",
		}, []string{"source"}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Result batches sent to the relay",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of URLs per flushed batch",
			Buckets:   []float64{0, 1, 2, 4, 8, 16},
		}),
	}
	reg.MustRegister(m.connected, m.reconnects, m.commands, m.artifacts, m.flushes, m.batchSize)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) Command(result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(result).Inc()
}

func (m *Metrics) Artifact(source string) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(source).Inc()
}

func (m *Metrics) Flushed(n int) {
	if m == nil {
		return
	}
	m.flushes.Inc()
	m.batchSize.Observe(float64(n))
}
