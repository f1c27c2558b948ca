package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges shared by
// the collector, ingestor, reader, and DCAS pipelines.
type Metrics struct {
	// Collector metrics.
	GridsFetched    *prometheus.CounterVec // labels: provider, outcome={success,error,skipped}
	BatchesFlushed  prometheus.Counter
	FetchDuration   *prometheus.HistogramVec // labels: provider
	CollectorActive prometheus.Gauge

	// Ingestor metrics.
	SlabsAppended  *prometheus.CounterVec // labels: dataset
	RegionsWritten *prometheus.CounterVec // labels: dataset, outcome={success,error}
	IngestDuration *prometheus.HistogramVec

	// Reader metrics.
	ReaderQueries  *prometheus.CounterVec // labels: store, output
	ReaderCacheHit *prometheus.CounterVec // labels: result={hit,miss}

	// DCAS metrics.
	DCASRowsWritten prometheus.Counter
	DCASErrorRows   *prometheus.CounterVec // labels: kind={empty,repetitive}
	DCASStageTime   *prometheus.HistogramVec
}

func newMetrics() *Metrics {
	return &Metrics{
		GridsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agromet",
			Name:      "collector_grids_total",
			Help:      "Grid fetches by provider and outcome.",
		}, []string{"provider", "outcome"}),
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agromet",
			Name:      "collector_batches_flushed_total",
			Help:      "Intermediate file batch flushes.",
		}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agromet",
			Name:      "collector_fetch_duration_seconds",
			Help:      "Upstream fetch duration per grid.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		CollectorActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agromet",
			Name:      "collector_active",
			Help:      "1 while a collector session is running.",
		}),
		SlabsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agromet",
			Name:      "ingestor_slabs_appended_total",
			Help:      "Forecast-date slabs appended to array stores.",
		}, []string{"dataset"}),
		RegionsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agromet",
			Name:      "ingestor_regions_total",
			Help:      "Chunk-aligned region writes by dataset and outcome.",
		}, []string{"dataset", "outcome"}),
		IngestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agromet",
			Name:      "ingestor_duration_seconds",
			Help:      "Duration of one ingestor pass over an intermediate file.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"dataset"}),
		ReaderQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agromet",
			Name:      "reader_queries_total",
			Help:      "Reader queries by store kind and output type.",
		}, []string{"store", "output"}),
		ReaderCacheHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agromet",
			Name:      "reader_cache_total",
			Help:      "User-file cache lookups by result.",
		}, []string{"result"}),
		DCASRowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agromet",
			Name:      "dcas_rows_written_total",
			Help:      "Per-farm advisory rows written to partitioned output.",
		}),
		DCASErrorRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agromet",
			Name:      "dcas_error_rows_total",
			Help:      "Advisory rows flagged for the error log.",
		}, []string{"kind"}),
		DCASStageTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agromet",
			Name:      "dcas_stage_duration_seconds",
			Help:      "Duration of each DCAS pipeline stage.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage"}),
	}
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.GridsFetched,
		m.BatchesFlushed,
		m.FetchDuration,
		m.CollectorActive,
		m.SlabsAppended,
		m.RegionsWritten,
		m.IngestDuration,
		m.ReaderQueries,
		m.ReaderCacheHit,
		m.DCASRowsWritten,
		m.DCASErrorRows,
		m.DCASStageTime,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics across tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
