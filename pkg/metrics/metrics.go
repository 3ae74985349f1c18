package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Write path metrics
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "csvaudit_events_published_total",
		Help: "Total number of audit events published, by outcome (stored, retried_and_stored, rejected)",
	}, []string{"topic", "outcome"})
	WriterResets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "csvaudit_writer_resets_total",
		Help: "Total number of topic writers discarded and reopened after a failed write",
	}, []string{"topic"})
	WriterOpenFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "csvaudit_writer_open_failures_total",
		Help: "Total number of failures opening a topic log for writing",
	}, []string{"topic"})
	SignaturesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "csvaudit_signatures_written_total",
		Help: "Total number of signature rows injected into tamper-evident logs",
	}, []string{"topic"})

	// Read path metrics
	RowsScanned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "csvaudit_rows_scanned_total",
		Help: "Total number of log rows decoded by queries",
	}, []string{"topic"})
	// Composite cells that looked like JSON but failed to parse and were returned as raw text.
	MalformedCompositeCells = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "csvaudit_malformed_composite_cells_total",
		Help: "Total number of composite cells returned as raw text because they were not valid JSON",
	}, []string{"topic"})

	// Lifecycle metrics
	ConfigReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "csvaudit_config_reloads_total",
		Help: "Total number of handler configurations applied, by result",
	}, []string{"result"})
	TopicsRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "csvaudit_topics_registered",
		Help: "Number of topics registered by the current configuration",
	})
)

func init() {
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(WriterResets)
	prometheus.MustRegister(WriterOpenFailures)
	prometheus.MustRegister(SignaturesWritten)
	prometheus.MustRegister(RowsScanned)
	prometheus.MustRegister(MalformedCompositeCells)
	prometheus.MustRegister(ConfigReloads)
	prometheus.MustRegister(TopicsRegistered)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
