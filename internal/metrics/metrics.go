// Package metrics provides Prometheus metrics for catalog builds.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for catalog builds.
type Metrics struct {
	Registry *prometheus.Registry

	// Build metrics
	BuildsTotal   *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	// Output metrics
	BundlesBuilt   *prometheus.CounterVec
	BundleBytes    prometheus.Histogram
	CatalogEntries prometheus.Gauge
	CatalogBytes   prometheus.Gauge
	InternedSets   prometheus.Gauge

	// Content update metrics
	RevertDecisions *prometheus.CounterVec
	RevertFailures  prometheus.Counter

	// Analysis metrics
	AnalysisResults *prometheus.GaugeVec

	// Pipeline metrics
	WorkerQueueDepth prometheus.Gauge
	SequencerPending prometheus.Gauge

	// Error metrics
	StorageErrors *prometheus.CounterVec
	HistoryErrors prometheus.Counter
	AuditErrors   prometheus.Counter
	RetryAttempts *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled      bool
	Address      string // scrape server address, e.g. ":9090"
	TextfilePath string // node-exporter textfile written after each run
	Namespace    string
}

var defaultMetrics *Metrics

// Init creates the metrics on a fresh registry and makes them the default.
func Init(namespace string) *Metrics {
	m := New(namespace)
	defaultMetrics = m
	return m
}

// New creates the metrics on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "content_catalog"
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		BuildsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "Total number of builds by mode and result",
			},
			[]string{"mode", "result"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each build stage",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
			},
			[]string{"stage"},
		),
		BundlesBuilt: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bundles_built_total",
				Help:      "Total number of bundles written",
			},
			[]string{"mode"},
		),
		BundleBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bundle_bytes",
				Help:      "Size of written bundles in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
			},
		),
		CatalogEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "catalog_entries",
				Help:      "Number of entries in the last written catalog",
			},
		),
		CatalogBytes: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "catalog_bytes",
				Help:      "Size of the last written catalog file",
			},
		),
		InternedSets: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "interned_dependency_sets",
				Help:      "Number of shared dependency sets in the last catalog",
			},
		),
		RevertDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revert_decisions_total",
				Help:      "Content update decisions by terminal state",
			},
			[]string{"decision"},
		),
		RevertFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revert_failures_total",
				Help:      "Reverts that could not complete",
			},
		),
		AnalysisResults: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "analysis_results",
				Help:      "Number of results reported by each analysis rule",
			},
			[]string{"rule"},
		),
		WorkerQueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Current number of bundles queued for workers",
			},
		),
		SequencerPending: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sequencer_pending",
				Help:      "Number of built bundles waiting for in-order commit",
			},
		),
		StorageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage write errors",
			},
			[]string{"backend"},
		),
		HistoryErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_errors_total",
				Help:      "Total number of build history write errors",
			},
		),
		AuditErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_errors_total",
				Help:      "Total number of audit emission errors",
			},
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

// Get returns the default metrics, or nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics and /health. Blocks until the server exits.
func (m *Metrics) StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// WriteTextfile writes the registry for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}

// IncBuild counts a finished build.
func (m *Metrics) IncBuild(mode, result string) {
	m.BuildsTotal.WithLabelValues(mode, result).Inc()
}

// ObserveStage records the duration of a build stage.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// AddBundle counts a written bundle.
func (m *Metrics) AddBundle(mode string, size int64) {
	m.BundlesBuilt.WithLabelValues(mode).Inc()
	m.BundleBytes.Observe(float64(size))
}

// SetCatalog records the shape of the written catalog.
func (m *Metrics) SetCatalog(entries, size, sets int) {
	m.CatalogEntries.Set(float64(entries))
	m.CatalogBytes.Set(float64(size))
	m.InternedSets.Set(float64(sets))
}

// AddRevertDecision counts content update decisions.
func (m *Metrics) AddRevertDecision(decision string, n int) {
	m.RevertDecisions.WithLabelValues(decision).Add(float64(n))
}

// AddRevertFailures counts failed reverts.
func (m *Metrics) AddRevertFailures(n int) {
	m.RevertFailures.Add(float64(n))
}

// SetAnalysisResults records the result count of a rule.
func (m *Metrics) SetAnalysisResults(rule string, n int) {
	m.AnalysisResults.WithLabelValues(rule).Set(float64(n))
}

// SetWorkerQueueDepth sets the current worker queue depth.
func (m *Metrics) SetWorkerQueueDepth(depth float64) {
	m.WorkerQueueDepth.Set(depth)
}

// SetSequencerPending sets the number of pending sequencer commits.
func (m *Metrics) SetSequencerPending(pending float64) {
	m.SequencerPending.Set(pending)
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(backend string) {
	m.StorageErrors.WithLabelValues(backend).Inc()
}

// IncHistoryErrors increments the history errors counter.
func (m *Metrics) IncHistoryErrors() { m.HistoryErrors.Inc() }

// IncAuditErrors increments the audit errors counter.
func (m *Metrics) IncAuditErrors() { m.AuditErrors.Inc() }

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}
