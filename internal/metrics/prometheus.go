package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tablestore"

	PathFast = "fast"
	PathSlow = "slow"

	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics holds all Prometheus metrics for the table engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Cursor metrics
	RowsFetchedTotal  prometheus.Counter
	CursorsOpenTotal  prometheus.Gauge
	CursorsCancelled  prometheus.Counter
	MergeSourcesTotal prometheus.Histogram

	// Block file metrics
	BlocksReadTotal    prometheus.Counter
	BlocksWrittenTotal prometheus.Counter
	BlockBytesRead     prometheus.Counter
	BlocksPrunedTotal  prometheus.Counter

	// Partition metrics
	RowsAppendedTotal prometheus.Counter
	RowsUpdatedTotal  prometheus.Counter
	RowsDeletedTotal  prometheus.Counter

	// Reorganize metrics
	ReorganizeJobsTotal   *prometheus.CounterVec
	ReorganizeJobDuration *prometheus.HistogramVec
	ReorganizeRowsTotal   prometheus.Counter

	// Segment join metrics
	JoinBucketsTotal    prometheus.Counter
	JoinSpilledRows     prometheus.Counter
	TempFilesCreated    prometheus.Counter
	JoinDurationSeconds prometheus.Histogram

	// System metrics
	DiskUsagePercent   prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics registers all metrics on a fresh registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith registers all metrics on reg
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RowsFetchedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cursor",
			Name:      "rows_fetched_total",
			Help:      "Total number of rows returned by cursors",
		}),
		CursorsOpenTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cursor",
			Name:      "open",
			Help:      "Number of cursors currently open",
		}),
		CursorsCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cursor",
			Name:      "cancelled_total",
			Help:      "Total number of fetches aborted by a concurrent close",
		}),
		MergeSourcesTotal: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cursor",
			Name:      "merge_sources",
			Help:      "Histogram of the number of inputs per merge cursor",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),

		BlocksReadTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blockfile",
			Name:      "blocks_read_total",
			Help:      "Total number of blocks decoded",
		}),
		BlocksWrittenTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blockfile",
			Name:      "blocks_written_total",
			Help:      "Total number of blocks written",
		}),
		BlockBytesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blockfile",
			Name:      "bytes_read_total",
			Help:      "Total number of stored block bytes read",
		}),
		BlocksPrunedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blockfile",
			Name:      "blocks_pruned_total",
			Help:      "Total number of blocks skipped by min/max statistics",
		}),

		RowsAppendedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "partition",
			Name:      "rows_appended_total",
			Help:      "Total number of rows appended to partitions",
		}),
		RowsUpdatedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "partition",
			Name:      "rows_updated_total",
			Help:      "Total number of rows updated by key",
		}),
		RowsDeletedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "partition",
			Name:      "rows_deleted_total",
			Help:      "Total number of rows deleted by key",
		}),

		ReorganizeJobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "group",
			Name:      "reorganize_jobs_total",
			Help:      "Total number of reorganize jobs by path and status",
		}, []string{"path", "status"}),
		ReorganizeJobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "group",
			Name:      "reorganize_duration_seconds",
			Help:      "Histogram of reorganize durations",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"path"}),
		ReorganizeRowsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "group",
			Name:      "reorganize_rows_total",
			Help:      "Total number of rows rewritten by reorganize",
		}),

		JoinBucketsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "join",
			Name:      "buckets_total",
			Help:      "Total number of bucket joins executed",
		}),
		JoinSpilledRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "join",
			Name:      "spilled_rows_total",
			Help:      "Total number of rows written to bucket files",
		}),
		TempFilesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "join",
			Name:      "temp_files_total",
			Help:      "Total number of temporary files created",
		}),
		JoinDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "join",
			Name:      "bucketing_duration_seconds",
			Help:      "Histogram of bucketing stage durations",
			Buckets:   prometheus.DefBuckets,
		}),

		DiskUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_usage_percent",
			Help:      "Disk usage of the data directory in percent",
		}),
		DiskAvailableBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_available_bytes",
			Help:      "Available bytes on the data directory filesystem",
		}),
		MemoryUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_usage_bytes",
			Help:      "Heap bytes allocated",
		}),
		GoroutinesTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of goroutines",
		}),
	}
}

// RecordFetch records rows returned by a cursor fetch
func (m *Metrics) RecordFetch(rows int) {
	if m == nil {
		return
	}
	m.RowsFetchedTotal.Add(float64(rows))
}

func (m *Metrics) CursorOpened() {
	if m == nil {
		return
	}
	m.CursorsOpenTotal.Inc()
}

func (m *Metrics) CursorClosed() {
	if m == nil {
		return
	}
	m.CursorsOpenTotal.Dec()
}

func (m *Metrics) RecordCancel() {
	if m == nil {
		return
	}
	m.CursorsCancelled.Inc()
}

func (m *Metrics) RecordMerge(sources int) {
	if m == nil {
		return
	}
	m.MergeSourcesTotal.Observe(float64(sources))
}

// RecordBlockRead records one decoded block of the given stored size
func (m *Metrics) RecordBlockRead(bytes int64) {
	if m == nil {
		return
	}
	m.BlocksReadTotal.Inc()
	m.BlockBytesRead.Add(float64(bytes))
}

func (m *Metrics) RecordBlocksWritten(n int) {
	if m == nil {
		return
	}
	m.BlocksWrittenTotal.Add(float64(n))
}

func (m *Metrics) RecordBlockPruned() {
	if m == nil {
		return
	}
	m.BlocksPrunedTotal.Inc()
}

// RecordMutation records rows appended, updated and deleted by one call
func (m *Metrics) RecordMutation(appended, updated, deleted int64) {
	if m == nil {
		return
	}
	m.RowsAppendedTotal.Add(float64(appended))
	m.RowsUpdatedTotal.Add(float64(updated))
	m.RowsDeletedTotal.Add(float64(deleted))
}

// RecordReorganize records a reorganize job
func (m *Metrics) RecordReorganize(path, status string, duration float64, rows int64) {
	if m == nil {
		return
	}
	m.ReorganizeJobsTotal.WithLabelValues(path, status).Inc()
	m.ReorganizeJobDuration.WithLabelValues(path).Observe(duration)
	m.ReorganizeRowsTotal.Add(float64(rows))
}

// RecordBucketing records the spill stage of a segment join
func (m *Metrics) RecordBucketing(buckets int, rows int64, duration float64) {
	if m == nil {
		return
	}
	m.TempFilesCreated.Add(float64(buckets))
	m.JoinSpilledRows.Add(float64(rows))
	m.JoinDurationSeconds.Observe(duration)
}

func (m *Metrics) RecordBucketJoin() {
	if m == nil {
		return
	}
	m.JoinBucketsTotal.Inc()
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(usagePercent float64, diskAvailable, memoryUsage uint64, goroutines int) {
	if m == nil {
		return
	}
	m.DiskUsagePercent.Set(usagePercent)
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
