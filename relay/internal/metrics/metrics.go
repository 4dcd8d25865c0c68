// Package metrics holds the relay's Prometheus collectors. Methods are
// no-ops on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "drawrelay"

type Metrics struct {
	registry *prometheus.Registry

	agentConnected prometheus.Gauge
	agentSessions  prometheus.Counter
	tasks          *prometheus.CounterVec
	taskDuration   prometheus.Histogram
	images         prometheus.Counter
	cacheLookups   *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		agentConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_connected",
			Help:      "1 while an agent holds the WebSocket slot",
		}),
		agentSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_sessions_total",
			Help:      "Agent WebSocket sessions accepted",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Draw tasks by terminal status",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from submit to resolution",
			Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 90, 120},
		}),
		images: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_delivered_total",
			Help:      "Image URLs returned to controllers",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by outcome",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status class",
		}, []string{"route", "class"}),
	}
	reg.MustRegister(m.agentConnected, m.agentSessions, m.tasks, m.taskDuration, m.images, m.cacheLookups, m.httpRequests)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) AgentConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.agentSessions.Inc()
		m.agentConnected.Set(1)
	} else {
		m.agentConnected.Set(0)
	}
}

// TaskResolved records one finished task.
func (m *Metrics) TaskResolved(status string, elapsed time.Duration, images int) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(status).Inc()
	m.taskDuration.Observe(elapsed.Seconds())
	m.images.Add(float64(images))
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.cacheLookups.WithLabelValues("miss").Inc()
	}
}

// Middleware counts requests per matched gin route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(route, statusClass(c.Writer.Status())).Inc()
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
