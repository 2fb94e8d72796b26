package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics collects the server's Prometheus metrics on a private
// registry so several servers can coexist in one process.
type Metrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.HistogramVec
	invocations *prometheus.CounterVec
	enqueued    prometheus.Counter
}

// NewMetrics creates and registers the metric set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "medlit",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route, method, and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medlit",
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool and result code.",
		}, []string{"tool", "code"}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medlit",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted onto the queue.",
		}),
	}
	reg.MustRegister(m.requests, m.invocations, m.enqueued)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}
