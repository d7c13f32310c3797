// Package metrics provides Prometheus metrics for the run engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the run engine.
type Metrics struct {
	// Run outcomes
	RunsStarted        *prometheus.CounterVec
	RunsCompleted      *prometheus.CounterVec
	RunsShortCircuited *prometheus.CounterVec
	RunsFailed         *prometheus.CounterVec
	Collisions         *prometheus.CounterVec

	// Timing metrics
	FingerprintDuration *prometheus.HistogramVec
	StageDuration       *prometheus.HistogramVec
	RunDuration         *prometheus.HistogramVec

	// Artifact metrics
	ArtifactsCommitted *prometheus.CounterVec
	ArtifactBytes      *prometheus.HistogramVec
	DatasetObjects     *prometheus.HistogramVec

	InFlightRuns prometheus.Gauge

	// Error metrics
	StorageErrors  *prometheus.CounterVec
	RegistryErrors *prometheus.CounterVec
	JournalErrors  *prometheus.CounterVec
	RetryAttempts  *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics registered on
// the default Prometheus registry. Call this once at startup.
func Init(namespace string) *Metrics {
	m := New(namespace, prometheus.DefaultRegisterer)
	defaultMetrics = m
	return m
}

// New builds a metrics set registered on reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "run_engine"
	}
	f := promauto.With(reg)

	return &Metrics{
		RunsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs that passed the idempotency gate",
			},
			[]string{"namespace", "version"},
		),
		RunsCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs finalized with a success marker",
			},
			[]string{"namespace", "version"},
		),
		RunsShortCircuited: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_short_circuited_total",
				Help:      "Total number of runs skipped because they already completed",
			},
			[]string{"namespace", "version"},
		),
		RunsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_failed_total",
				Help:      "Total number of runs that failed",
			},
			[]string{"namespace", "reason"},
		),
		Collisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hash_collisions_total",
				Help:      "Total number of run_id collisions detected by the gate",
			},
			[]string{"namespace"},
		),
		FingerprintDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fingerprint_duration_seconds",
				Help:      "Time to fingerprint a dataset",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"source_type"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent executing a stage body",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~800s
			},
			[]string{"stage", "status"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Total time from gate to success marker",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16),
			},
			[]string{"namespace"},
		),
		ArtifactsCommitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_committed_total",
				Help:      "Total number of artifacts committed to final paths",
			},
			[]string{"stage"},
		),
		ArtifactBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "artifact_bytes",
				Help:      "Size of committed artifacts in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 2, 15), // 1KB to ~32MB
			},
			[]string{"stage"},
		),
		DatasetObjects: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dataset_objects",
				Help:      "Number of objects in a fingerprinted dataset",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"source_type"},
		),
		InFlightRuns: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_runs",
				Help:      "Number of runs currently executing stages",
			},
		),
		StorageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of artifact store errors",
			},
			[]string{"backend", "operation"},
		),
		RegistryErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_errors_total",
				Help:      "Total number of registry errors",
			},
			[]string{"operation"},
		),
		JournalErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "journal_errors_total",
				Help:      "Total number of journal emission errors",
			},
			[]string{"event_type"},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler returns the HTTP handler serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	return http.ListenAndServe(address, Handler())
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Namespace  string
	Version    string
	Reason     string
	Stage      string
	Status     string
	SourceType string
	Backend    string
	Operation  string
	EventType  string
}

// The helpers below are safe to call on a nil *Metrics so callers can hold
// the result of Get() without checking it.

// IncRunsStarted increments the runs started counter.
func (m *Metrics) IncRunsStarted(l Labels) {
	if m == nil {
		return
	}
	m.RunsStarted.WithLabelValues(l.Namespace, l.Version).Inc()
}

// IncRunsCompleted increments the runs completed counter.
func (m *Metrics) IncRunsCompleted(l Labels) {
	if m == nil {
		return
	}
	m.RunsCompleted.WithLabelValues(l.Namespace, l.Version).Inc()
}

// IncRunsShortCircuited increments the short-circuit counter.
func (m *Metrics) IncRunsShortCircuited(l Labels) {
	if m == nil {
		return
	}
	m.RunsShortCircuited.WithLabelValues(l.Namespace, l.Version).Inc()
}

// IncRunsFailed increments the failed runs counter.
func (m *Metrics) IncRunsFailed(l Labels) {
	if m == nil {
		return
	}
	m.RunsFailed.WithLabelValues(l.Namespace, l.Reason).Inc()
}

// IncCollisions increments the collision counter.
func (m *Metrics) IncCollisions(l Labels) {
	if m == nil {
		return
	}
	m.Collisions.WithLabelValues(l.Namespace).Inc()
}

// ObserveFingerprintDuration records how long a dataset fingerprint took.
func (m *Metrics) ObserveFingerprintDuration(l Labels, seconds float64) {
	if m == nil {
		return
	}
	m.FingerprintDuration.WithLabelValues(l.SourceType).Observe(seconds)
}

// ObserveDatasetObjects records the object count of a fingerprinted dataset.
func (m *Metrics) ObserveDatasetObjects(l Labels, count float64) {
	if m == nil {
		return
	}
	m.DatasetObjects.WithLabelValues(l.SourceType).Observe(count)
}

// ObserveStageDuration records the execution time of a stage.
func (m *Metrics) ObserveStageDuration(l Labels, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(l.Stage, l.Status).Observe(seconds)
}

// ObserveRunDuration records the total run time.
func (m *Metrics) ObserveRunDuration(l Labels, seconds float64) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(l.Namespace).Observe(seconds)
}

// ObserveArtifactCommitted records one committed artifact and its size.
func (m *Metrics) ObserveArtifactCommitted(l Labels, bytes float64) {
	if m == nil {
		return
	}
	m.ArtifactsCommitted.WithLabelValues(l.Stage).Inc()
	m.ArtifactBytes.WithLabelValues(l.Stage).Observe(bytes)
}

// AddInFlightRuns adjusts the in-flight runs gauge.
func (m *Metrics) AddInFlightRuns(delta float64) {
	if m == nil {
		return
	}
	m.InFlightRuns.Add(delta)
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(l Labels) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(l.Backend, l.Operation).Inc()
}

// IncRegistryErrors increments the registry errors counter.
func (m *Metrics) IncRegistryErrors(l Labels) {
	if m == nil {
		return
	}
	m.RegistryErrors.WithLabelValues(l.Operation).Inc()
}

// IncJournalErrors increments the journal errors counter.
func (m *Metrics) IncJournalErrors(l Labels) {
	if m == nil {
		return
	}
	m.JournalErrors.WithLabelValues(l.EventType).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(l.Operation).Inc()
}
