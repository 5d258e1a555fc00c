// Package metrics holds the prometheus collectors for the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transaction_pipeline"

// Metrics groups every collector the service records. Collectors are
// registered on an explicit registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	TransactionsCreated *prometheus.CounterVec
	ProcessingResults   *prometheus.CounterVec
	ProcessingFaults    prometheus.Counter
	QueueMessages       *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TransactionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_created_total",
			Help:      "Create requests by result (created or replayed).",
		}, []string{"result"}),
		ProcessingResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_results_total",
			Help:      "Processing attempts by result (COMPLETED, FAILED or skipped).",
		}, []string{"result"}),
		ProcessingFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_faults_total",
			Help:      "Processing attempts that ended in a store or settlement fault.",
		}),
		QueueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_total",
			Help:      "Queue messages by disposition (published, acked, nacked, dropped).",
		}, []string{"disposition"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}

	m.registry.MustRegister(
		m.TransactionsCreated,
		m.ProcessingResults,
		m.ProcessingFaults,
		m.QueueMessages,
		m.HTTPRequestDuration,
	)
	return m
}

// Handler serves the collectors in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
