// Package metrics provides Prometheus metrics for the command router.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the command router.
type Metrics struct {
	// Work item metrics
	WorkItemsProcessed *prometheus.CounterVec
	WorkItemsFailed    *prometheus.CounterVec
	WorkItemDuration   *prometheus.HistogramVec
	WorkersBusy        *prometheus.GaugeVec

	// Ingestion metrics
	CommandsIngested  *prometheus.CounterVec
	CommandsBlocked   *prometheus.CounterVec
	IngestConflicts   *prometheus.CounterVec
	DestinationRoutes *prometheus.CounterVec

	// Fan-out metrics
	FanOutBatches       prometheus.Counter
	FanOutFailedInserts prometheus.Counter
	FanOutDirectInserts prometheus.Counter

	// Recovery metrics
	RecoveryRecords      *prometheus.CounterVec
	RecoveryDestinations prometheus.Counter

	// Queue and moniker metrics
	QueuePopErrors *prometheus.CounterVec
	Rebalance      *prometheus.CounterVec

	// Error metrics
	EventErrors   *prometheus.CounterVec
	StorageErrors *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "command_router"
	}

	m := &Metrics{
		WorkItemsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_items_processed_total",
				Help:      "Total number of work items processed, by outcome",
			},
			[]string{"queue", "outcome"},
		),
		WorkItemsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_items_failed_total",
				Help:      "Total number of work items whose handler returned an error",
			},
			[]string{"queue"},
		),
		WorkItemDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "work_item_duration_seconds",
				Help:      "Time spent in a work item handler",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
			},
			[]string{"queue"},
		),
		WorkersBusy: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_busy",
				Help:      "Number of workers currently running a handler",
			},
			[]string{"queue"},
		),
		CommandsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_ingested_total",
				Help:      "Total number of commands written to a destination queue",
			},
			[]string{"command_type"},
		),
		CommandsBlocked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_blocked_total",
				Help:      "Total number of deliveries dropped by an ingestion kill switch",
			},
			[]string{"command_type"},
		),
		IngestConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_conflicts_total",
				Help:      "Total number of duplicate inserts treated as success",
			},
			[]string{"command_type"},
		),
		DestinationRoutes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "destination_routes_total",
				Help:      "Applicability decisions per destination",
			},
			[]string{"command_type", "outcome"},
		),
		FanOutBatches: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanout_batches_total",
				Help:      "Total number of fan-out sub-batches published",
			},
		),
		FanOutFailedInserts: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanout_failed_inserts_total",
				Help:      "Total number of destination inserts that failed and were resubmitted",
			},
		),
		FanOutDirectInserts: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanout_direct_inserts_total",
				Help:      "Total number of destination inserts attempted directly",
			},
		),
		RecoveryRecords: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_records_total",
				Help:      "History records seen by recovery, by result",
			},
			[]string{"result"},
		),
		RecoveryDestinations: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_destinations_total",
				Help:      "Total number of destinations resubmitted by recovery",
			},
		),
		QueuePopErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_pop_errors_total",
				Help:      "Errors swallowed while polling an underlying queue",
			},
			[]string{"moniker"},
		),
		Rebalance: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "moniker_rebalance_total",
				Help:      "Partition-size rebalance evaluations, by result",
			},
			[]string{"result"},
		),
		EventErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_errors_total",
				Help:      "Total number of lifecycle event publishing errors",
			},
			[]string{"sink"},
		),
		StorageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of object storage errors",
			},
			[]string{"backend"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Queue       string
	Outcome     string
	CommandType string
	Moniker     string
	Result      string
	Sink        string
	Backend     string
	Operation   string
}

// IncWorkItemsProcessed increments the processed counter for a queue and outcome.
func (m *Metrics) IncWorkItemsProcessed(l Labels) {
	m.WorkItemsProcessed.WithLabelValues(l.Queue, l.Outcome).Inc()
}

// IncWorkItemsFailed increments the handler error counter.
func (m *Metrics) IncWorkItemsFailed(l Labels) {
	m.WorkItemsFailed.WithLabelValues(l.Queue).Inc()
}

// ObserveWorkItemDuration records handler time.
func (m *Metrics) ObserveWorkItemDuration(l Labels, seconds float64) {
	m.WorkItemDuration.WithLabelValues(l.Queue).Observe(seconds)
}

// AddWorkersBusy adjusts the busy worker gauge.
func (m *Metrics) AddWorkersBusy(l Labels, delta float64) {
	m.WorkersBusy.WithLabelValues(l.Queue).Add(delta)
}

// IncCommandsIngested increments the ingested counter.
func (m *Metrics) IncCommandsIngested(l Labels) {
	m.CommandsIngested.WithLabelValues(l.CommandType).Inc()
}

// IncCommandsBlocked increments the kill-switch drop counter.
func (m *Metrics) IncCommandsBlocked(l Labels) {
	m.CommandsBlocked.WithLabelValues(l.CommandType).Inc()
}

// IncIngestConflicts increments the duplicate insert counter.
func (m *Metrics) IncIngestConflicts(l Labels) {
	m.IngestConflicts.WithLabelValues(l.CommandType).Inc()
}

// IncDestinationRoutes counts one applicability decision.
func (m *Metrics) IncDestinationRoutes(l Labels) {
	m.DestinationRoutes.WithLabelValues(l.CommandType, l.Outcome).Inc()
}

// AddFanOutBatches counts published sub-batches.
func (m *Metrics) AddFanOutBatches(n float64) {
	m.FanOutBatches.Add(n)
}

// AddFanOutInserts counts direct insert attempts and failures.
func (m *Metrics) AddFanOutInserts(attempted, failed float64) {
	m.FanOutDirectInserts.Add(attempted)
	m.FanOutFailedInserts.Add(failed)
}

// IncRecoveryRecords counts one record seen by recovery.
func (m *Metrics) IncRecoveryRecords(l Labels) {
	m.RecoveryRecords.WithLabelValues(l.Result).Inc()
}

// AddRecoveryDestinations counts destinations resubmitted by recovery.
func (m *Metrics) AddRecoveryDestinations(n float64) {
	m.RecoveryDestinations.Add(n)
}

// IncQueuePopErrors counts a swallowed poll error.
func (m *Metrics) IncQueuePopErrors(l Labels) {
	m.QueuePopErrors.WithLabelValues(l.Moniker).Inc()
}

// IncRebalance counts one rebalance evaluation.
func (m *Metrics) IncRebalance(l Labels) {
	m.Rebalance.WithLabelValues(l.Result).Inc()
}

// IncEventErrors increments the event sink error counter.
func (m *Metrics) IncEventErrors(l Labels) {
	m.EventErrors.WithLabelValues(l.Sink).Inc()
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(l Labels) {
	m.StorageErrors.WithLabelValues(l.Backend).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Operation).Inc()
}
