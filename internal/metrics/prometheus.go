package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics
	WorkerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greentrace_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"worker", "status"}, // status: success|error
	)

	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "greentrace_worker_duration_seconds",
			Help:    "Worker execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"worker"},
	)

	WorkerLastRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "greentrace_worker_last_run_timestamp",
			Help: "Unix timestamp of last worker execution",
		},
		[]string{"worker"},
	)

	// Upstream data source metrics
	UpstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greentrace_upstream_calls_total",
			Help: "Total number of upstream data API attempts",
		},
		[]string{"source", "status"}, // status: success|error|circuit_open|unauthorized
	)

	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "greentrace_upstream_latency_seconds",
			Help:    "Upstream data API latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"source"},
	)

	CacheServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greentrace_last_good_cache_served_total",
			Help: "Number of times the last-good cache answered instead of the upstream",
		},
		[]string{"source", "reason"}, // reason: circuit_open|retries_exhausted|no_api_key|unauthorized
	)

	// Circuit breaker metrics
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "greentrace_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"circuit"},
	)

	CircuitBreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greentrace_circuit_breaker_trips_total",
			Help: "Total number of transitions into the open state",
		},
		[]string{"circuit"},
	)

	// Ingestion metrics
	IngestionRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greentrace_ingestion_records_total",
			Help: "Mandi price records processed by ingestion",
		},
		[]string{"result"}, // result: new|updated|failed
	)

	IngestionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "greentrace_ingestion_duration_seconds",
			Help:    "Duration of a full fetch-and-store batch",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	// Advisory metrics
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greentrace_ai_provider_calls_total",
			Help: "AI vision provider calls",
		},
		[]string{"provider", "status"}, // status: success|error|unconfigured|malformed
	)

	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "greentrace_ai_provider_latency_seconds",
			Help:    "AI vision provider latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider"},
	)

	AdvisoryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greentrace_advisory_outcomes_total",
			Help: "Crop analyses by merge outcome",
		},
		[]string{"consensus"}, // agreement|disagreement|single|none
	)

	// ML subprocess metrics
	MLRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greentrace_ml_runs_total",
			Help: "Local model invocations by outcome kind",
		},
		[]string{"mode", "kind"},
	)

	MLDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "greentrace_ml_duration_seconds",
			Help:    "Local model invocation duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"mode"},
	)

	// Database metrics
	DBQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greentrace_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"database", "operation", "status"},
	)

	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "greentrace_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"database", "operation"},
	)
)

var initOnce sync.Once

// Init registers all metrics with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(WorkerExecutions)
		prometheus.MustRegister(WorkerDuration)
		prometheus.MustRegister(WorkerLastRun)

		prometheus.MustRegister(UpstreamCalls)
		prometheus.MustRegister(UpstreamLatency)
		prometheus.MustRegister(CacheServed)

		prometheus.MustRegister(CircuitBreakerState)
		prometheus.MustRegister(CircuitBreakerTrips)

		prometheus.MustRegister(IngestionRecords)
		prometheus.MustRegister(IngestionDuration)

		prometheus.MustRegister(ProviderCalls)
		prometheus.MustRegister(ProviderLatency)
		prometheus.MustRegister(AdvisoryOutcomes)

		prometheus.MustRegister(MLRuns)
		prometheus.MustRegister(MLDuration)

		prometheus.MustRegister(DBQueries)
		prometheus.MustRegister(DBQueryDuration)
	})
}

// Handler returns Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordWorkerExecution records a worker execution
func RecordWorkerExecution(worker string, duration time.Duration, err error) {
	WorkerExecutions.WithLabelValues(worker, statusOf(err)).Inc()
	WorkerDuration.WithLabelValues(worker).Observe(duration.Seconds())
	WorkerLastRun.WithLabelValues(worker).SetToCurrentTime()
}

// RecordUpstreamCall records one attempt against an upstream data API
func RecordUpstreamCall(source, status string, latency time.Duration) {
	UpstreamCalls.WithLabelValues(source, status).Inc()
	if latency > 0 {
		UpstreamLatency.WithLabelValues(source).Observe(latency.Seconds())
	}
}

// RecordCacheServed records a degraded answer from the last-good cache
func RecordCacheServed(source, reason string) {
	CacheServed.WithLabelValues(source, reason).Inc()
}

// RecordBreakerTransition mirrors a circuit state change. to is 0=closed, 1=open, 2=half_open.
func RecordBreakerTransition(circuit string, to int, opened bool) {
	CircuitBreakerState.WithLabelValues(circuit).Set(float64(to))
	if opened {
		CircuitBreakerTrips.WithLabelValues(circuit).Inc()
	}
}

// RecordIngestion records one fetch-and-store batch
func RecordIngestion(newCount, updatedCount, failedCount int, duration time.Duration) {
	IngestionRecords.WithLabelValues("new").Add(float64(newCount))
	IngestionRecords.WithLabelValues("updated").Add(float64(updatedCount))
	IngestionRecords.WithLabelValues("failed").Add(float64(failedCount))
	IngestionDuration.Observe(duration.Seconds())
}

// RecordProviderCall records one AI provider call
func RecordProviderCall(provider, status string, latency time.Duration) {
	ProviderCalls.WithLabelValues(provider, status).Inc()
	ProviderLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

// RecordAdvisoryOutcome records how a crop analysis was resolved
func RecordAdvisoryOutcome(consensus string) {
	AdvisoryOutcomes.WithLabelValues(consensus).Inc()
}

// RecordMLRun records a local model invocation
func RecordMLRun(mode, kind string, duration time.Duration) {
	MLRuns.WithLabelValues(mode, kind).Inc()
	MLDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordDBQuery records a database query
func RecordDBQuery(database, operation string, duration time.Duration, err error) {
	DBQueries.WithLabelValues(database, operation, statusOf(err)).Inc()
	DBQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}
