package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hazard_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the ETL run.
type Metrics struct {
	// Query job metrics.
	Jobs           *prometheus.CounterVec // labels: outcome={complete,failed,timed_out,error}
	JobDuration    prometheus.Histogram
	StatusPolls    prometheus.Counter
	RequestRetries *prometheus.CounterVec // labels: op={create_job,job_status,query_results}

	// Partition and row metrics.
	Partitions          *prometheus.CounterVec // labels: outcome={ok,failed}
	TruncatedPartitions prometheus.Counter
	RowsNormalized      prometheus.Counter
	RowsLoaded          *prometheus.CounterVec // labels: sink
	TokenRefreshes      *prometheus.CounterVec // labels: outcome={success,error}

	// Run metrics.
	RunDuration   prometheus.Histogram
	RunInProgress prometheus.Gauge
	LastRunRows   prometheus.Gauge
}

// NewMetrics creates and registers all run metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.Jobs,
		m.JobDuration,
		m.StatusPolls,
		m.RequestRetries,
		m.Partitions,
		m.TruncatedPartitions,
		m.RowsNormalized,
		m.RowsLoaded,
		m.TokenRefreshes,
		m.RunDuration,
		m.RunInProgress,
		m.LastRunRows,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Query jobs by final outcome.",
		}, []string{"outcome"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from job creation to fetched results.",
			Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		StatusPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_polls_total",
			Help:      "Total getJobStatus requests.",
		}),
		RequestRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_retries_total",
			Help:      "Transient request failures that were retried, by operation.",
		}, []string{"op"}),
		Partitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_total",
			Help:      "Partitions processed by outcome.",
		}, []string{"outcome"}),
		TruncatedPartitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncated_partitions_total",
			Help:      "Partitions whose result may have been cut at the job cap.",
		}),
		RowsNormalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_normalized_total",
			Help:      "Rows decoded into the fixed schema.",
		}),
		RowsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Rows written by sink.",
		}, []string{"sink"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Token refresh attempts by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete extract-normalize-load run.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		RunInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "1 while a run is active, 0 otherwise.",
		}),
		LastRunRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_rows",
			Help:      "Rows in the dataset of the most recent run.",
		}),
	}
}
