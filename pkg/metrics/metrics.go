package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Document metrics
	DocumentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docsmith_documents_total",
			Help: "Total number of documents by processing status",
		},
		[]string{"status"},
	)

	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsmith_executions_total",
			Help: "Total number of finished executions by terminal status",
		},
		[]string{"status"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsmith_stage_duration_seconds",
			Help:    "Wall-clock duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"stage"},
	)

	StageRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsmith_stage_retries_total",
			Help: "Total number of in-stage retries by stage",
		},
		[]string{"stage"},
	)

	// Worker pool metrics
	PoolMaxParallel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsmith_pool_max_parallel",
			Help: "Current worker pool size limit",
		},
	)

	PoolCurrentWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsmith_pool_current_workers",
			Help: "Number of active worker tasks",
		},
	)

	PoolQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsmith_pool_queue_depth",
			Help: "Number of documents waiting for a worker slot",
		},
	)

	PoolThrottleDelayMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsmith_pool_throttle_delay_ms",
			Help: "Current inter-dispatch throttle delay in milliseconds",
		},
	)

	PoolAdjustmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docsmith_pool_adjustments_total",
			Help: "Total number of governor scaling adjustments",
		},
	)

	// Resource metrics
	MemoryPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsmith_memory_percent",
			Help: "Sampled container memory usage percent",
		},
	)

	CPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsmith_cpu_percent",
			Help: "Sampled CPU usage percent",
		},
	)

	// Lease metrics
	LeasesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docsmith_leases_expired_total",
			Help: "Total number of leases force-released by the janitor",
		},
	)

	StaleExecutionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docsmith_stale_executions_total",
			Help: "Total number of orphaned running executions swept to failed",
		},
	)

	// Ops metrics
	OpsRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsmith_ops_requests_total",
			Help: "Total number of ops requests by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)

// Register registers all metrics with the default registry
func Register() {
	prometheus.MustRegister(
		DocumentsTotal,
		ExecutionsTotal,
		StageDuration,
		StageRetriesTotal,
		PoolMaxParallel,
		PoolCurrentWorkers,
		PoolQueueDepth,
		PoolThrottleDelayMs,
		PoolAdjustmentsTotal,
		MemoryPercent,
		CPUPercent,
		LeasesExpiredTotal,
		StaleExecutionsTotal,
		OpsRequestsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the metrics endpoint on the given address
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
