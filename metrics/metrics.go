// Package metrics is a thin wrapper around the Prometheus client library,
// in the spirit of the teacher's own metrics package: package-level
// named counters/gauges any component can reach for, exported over HTTP
// for scraping. Unlike the teacher's package, only the Prometheus
// backend is wired — nothing in this repository needs the teacher's
// InfluxDB/OpenTSDB/statsd exporters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(prometheus.NewGoCollector())
}

// NewCounter registers and returns a counter with the given name/help.
func NewCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	registry.MustRegister(c)
	return c
}

// NewCounterVec registers and returns a labeled counter vector.
func NewCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	registry.MustRegister(c)
	return c
}

// NewGauge registers and returns a gauge with the given name/help.
func NewGauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	registry.MustRegister(g)
	return g
}

// Handler returns the HTTP handler that serves the registry in the
// Prometheus exposition format, mounted by cmd/archive-indexer at
// /metrics when metrics are enabled.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Pipeline metrics shared across components.
var (
	BlocksIndexed   = NewCounter("archive_blocks_indexed_total", "total blocks durably persisted")
	StorageRows     = NewCounter("archive_storage_rows_total", "total storage-change rows persisted")
	ReorgsHandled   = NewCounter("archive_reorgs_total", "total reorgs handled by the scheduler")
	ExecutionErrors = NewCounter("archive_execution_errors_total", "total block execution failures")
	MetadataFetches = NewCounter("archive_metadata_fetches_total", "total metadata fetches from the backend")
	DispatchFailures = NewCounterVec(
		"archive_dispatch_failures_total",
		"dispatcher send failures by subscriber name",
		[]string{"subscriber"},
	)

	BestBlockNumber      = NewGauge("archive_best_block_number", "last observed best block number")
	FinalizedBlockNumber = NewGauge("archive_finalized_block_number", "last observed finalized block number")
	CurrentBlockNumber   = NewGauge("archive_current_block_number", "highest block number indexed so far")
	CatchupFinalized     = NewGauge("archive_catchup_finalized", "1 once the scheduler has caught up past the live finalized tip")
)
