// Package prometheus implements the entitygraph metrics interfaces on the
// global Prometheus registry. Every constructor returns nil when the
// registry has not been initialized, which callers pass straight through
// to the component for zero-overhead operation.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/entitygraph/entitygraph/pkg/metrics"
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// durationBuckets covers fast metadata lookups up to slow object writes.
var durationBuckets = []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000}

type snapshotMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

// NewSnapshotMetrics creates a Prometheus-backed SnapshotMetrics, or nil
// when metrics are disabled.
func NewSnapshotMetrics() metrics.SnapshotMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &snapshotMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitygraph_snapshot_operations_total",
				Help: "Total number of snapshot store operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitygraph_snapshot_operation_duration_milliseconds",
				Help:    "Duration of snapshot store operations in milliseconds",
				Buckets: durationBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (m *snapshotMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, status(err)).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds() * 1000)
}

type pipelineMetrics struct {
	writesTotal   *prometheus.CounterVec
	writeDuration *prometheus.HistogramVec
	retriesTotal  *prometheus.CounterVec
	dedupesTotal  prometheus.Counter
}

// NewPipelineMetrics creates a Prometheus-backed PipelineMetrics, or nil
// when metrics are disabled.
func NewPipelineMetrics() metrics.PipelineMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &pipelineMetrics{
		writesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitygraph_pipeline_writes_total",
				Help: "Total number of write requests by edit type and status",
			},
			[]string{"edit_type", "status"},
		),
		writeDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitygraph_pipeline_write_duration_milliseconds",
				Help:    "End-to-end write request duration in milliseconds",
				Buckets: durationBuckets,
			},
			[]string{"edit_type"},
		),
		retriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitygraph_pipeline_retries_total",
				Help: "Total number of pipeline restarts by triggering phase",
			},
			[]string{"phase"},
		),
		dedupesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "entitygraph_pipeline_dedupes_total",
				Help: "Total number of writes short-circuited by content hash dedupe",
			},
		),
	}
}

func (m *pipelineMetrics) ObserveWrite(editType string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.writesTotal.WithLabelValues(editType, status(err)).Inc()
	m.writeDuration.WithLabelValues(editType).Observe(duration.Seconds() * 1000)
}

func (m *pipelineMetrics) RecordRetry(phase string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(phase).Inc()
}

func (m *pipelineMetrics) RecordDedupe() {
	if m == nil {
		return
	}
	m.dedupesTotal.Inc()
}

type pollerMetrics struct {
	batchesTotal  *prometheus.CounterVec
	batchDuration prometheus.Histogram
	batchSize     prometheus.Histogram
	checkpointLag prometheus.Gauge
}

// NewPollerMetrics creates a Prometheus-backed PollerMetrics, or nil when
// metrics are disabled.
func NewPollerMetrics() metrics.PollerMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &pollerMetrics{
		batchesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitygraph_poller_batches_total",
				Help: "Total number of polling cycles by status",
			},
			[]string{"status"},
		),
		batchDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "entitygraph_poller_batch_duration_milliseconds",
				Help:    "Duration of one polling cycle in milliseconds",
				Buckets: durationBuckets,
			},
		),
		batchSize: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "entitygraph_poller_batch_size",
				Help:    "Number of changed entities per polling cycle",
				Buckets: []float64{0, 1, 10, 50, 100, 500, 1000, 5000},
			},
		),
		checkpointLag: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "entitygraph_poller_checkpoint_lag_seconds",
				Help: "How far the poller checkpoint trails the wall clock",
			},
		),
	}
}

func (m *pollerMetrics) ObserveBatch(size int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(status(err)).Inc()
	m.batchDuration.Observe(duration.Seconds() * 1000)
	m.batchSize.Observe(float64(size))
}

func (m *pollerMetrics) SetCheckpointLag(lag time.Duration) {
	if m == nil {
		return
	}
	m.checkpointLag.Set(lag.Seconds())
}

type reconcilerMetrics struct {
	sweepsTotal   *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	repairsTotal  *prometheus.CounterVec
}

// NewReconcilerMetrics creates a Prometheus-backed ReconcilerMetrics, or
// nil when metrics are disabled.
func NewReconcilerMetrics() metrics.ReconcilerMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &reconcilerMetrics{
		sweepsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitygraph_reconciler_sweeps_total",
				Help: "Total number of reconciliation sweeps by status",
			},
			[]string{"status"},
		),
		sweepDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "entitygraph_reconciler_sweep_duration_milliseconds",
				Help:    "Duration of one reconciliation sweep in milliseconds",
				Buckets: durationBuckets,
			},
		),
		repairsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitygraph_reconciler_repairs_total",
				Help: "Total number of repair actions by kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *reconcilerMetrics) ObserveSweep(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.sweepsTotal.WithLabelValues(status(err)).Inc()
	m.sweepDuration.Observe(duration.Seconds() * 1000)
}

func (m *reconcilerMetrics) RecordRepair(kind string) {
	if m == nil {
		return
	}
	m.repairsTotal.WithLabelValues(kind).Inc()
}

type cacheMetrics struct {
	hitsTotal         *prometheus.CounterVec
	missesTotal       *prometheus.CounterVec
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

// NewCacheMetrics creates a Prometheus-backed CacheMetrics, or nil when
// metrics are disabled.
func NewCacheMetrics() metrics.CacheMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &cacheMetrics{
		hitsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitygraph_cache_hits_total",
				Help: "Total number of cache hits by cache",
			},
			[]string{"cache"},
		),
		missesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitygraph_cache_misses_total",
				Help: "Total number of cache misses by cache",
			},
			[]string{"cache"},
		),
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitygraph_cache_operations_total",
				Help: "Total number of cache backend operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitygraph_cache_operation_duration_milliseconds",
				Help:    "Duration of cache backend operations in milliseconds",
				Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{"operation"},
		),
	}
}

func (m *cacheMetrics) RecordHit(cache string) {
	if m == nil {
		return
	}
	m.hitsTotal.WithLabelValues(cache).Inc()
}

func (m *cacheMetrics) RecordMiss(cache string) {
	if m == nil {
		return
	}
	m.missesTotal.WithLabelValues(cache).Inc()
}

func (m *cacheMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, status(err)).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds() * 1000)
}
