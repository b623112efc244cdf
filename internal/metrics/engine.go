package metrics

import (
	"time"
)

// EngineMetrics holds all history-engine metrics.
type EngineMetrics struct {
	registry *Registry

	// Counters
	EditsTotal            *Counter
	CapturesTotal         *Counter
	CapturesSkippedTotal  *Counter
	RebuildsTotal         *Counter
	RecoveriesTotal       *Counter
	GCRunsTotal           *Counter
	BlobsReclaimedTotal   *Counter
	SnapshotsEvictedTotal *Counter
	OversizeWarningsTotal *Counter
	ExportsTotal          *Counter
	ErrorsTotal           *Counter

	// Gauges
	ActiveSessions    *Gauge
	StoreSizeBytes    *Gauge
	BlobCount         *Gauge
	SnapshotsRetained *Gauge
	TrackedFiles      *Gauge
	UptimeSeconds     *Gauge
	LastCaptureTs     *Gauge

	// Histograms
	RebuildDuration *Histogram
	CaptureDuration *Histogram
	FlushDuration   *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewEngineMetrics creates and registers all engine metrics.
func NewEngineMetrics(registry *Registry) *EngineMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &EngineMetrics{
		registry: registry,

		// Counters
		EditsTotal: registry.RegisterCounter(
			"edits_total",
			"Total number of edit events recorded",
		),
		CapturesTotal: registry.RegisterCounter(
			"captures_total",
			"Total number of snapshots captured",
		),
		CapturesSkippedTotal: registry.RegisterCounter(
			"captures_skipped_total",
			"Total number of capture requests skipped as unchanged",
		),
		RebuildsTotal: registry.RegisterCounter(
			"rebuilds_total",
			"Total number of rebuild operations",
		),
		RecoveriesTotal: registry.RegisterCounter(
			"recoveries_total",
			"Total number of self-healing patch replays",
		),
		GCRunsTotal: registry.RegisterCounter(
			"gc_runs_total",
			"Total number of garbage collection runs",
		),
		BlobsReclaimedTotal: registry.RegisterCounter(
			"blobs_reclaimed_total",
			"Total number of blobs reclaimed by garbage collection",
		),
		SnapshotsEvictedTotal: registry.RegisterCounter(
			"snapshots_evicted_total",
			"Total number of snapshots evicted by retention",
		),
		OversizeWarningsTotal: registry.RegisterCounter(
			"oversize_warnings_total",
			"Total number of times compaction hit the retention floor while over budget",
		),
		ExportsTotal: registry.RegisterCounter(
			"exports_total",
			"Total number of snapshot exports",
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
		),

		// Gauges
		ActiveSessions: registry.RegisterGauge(
			"active_sessions",
			"Number of currently active sessions",
		),
		StoreSizeBytes: registry.RegisterGauge(
			"store_size_bytes",
			"Serialized size of the blob store in bytes",
		),
		BlobCount: registry.RegisterGauge(
			"blob_count",
			"Number of blobs in the store",
		),
		SnapshotsRetained: registry.RegisterGauge(
			"snapshots_retained",
			"Number of snapshots currently retained",
		),
		TrackedFiles: registry.RegisterGauge(
			"tracked_files",
			"Number of files with known content",
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
		),
		LastCaptureTs: registry.RegisterGauge(
			"last_capture_timestamp",
			"Unix timestamp of the last snapshot capture",
		),

		// Histograms
		RebuildDuration: registry.RegisterHistogram(
			"rebuild_duration_seconds",
			"Duration of rebuild operations in seconds",
			DurationBuckets,
		),
		CaptureDuration: registry.RegisterHistogram(
			"capture_duration_seconds",
			"Duration of snapshot captures in seconds",
			DurationBuckets,
		),
		FlushDuration: registry.RegisterHistogram(
			"flush_duration_seconds",
			"Duration of event log flushes in seconds",
			DurationBuckets,
		),
	}

	return m
}

// RecordEdit records an ingested edit event.
func (m *EngineMetrics) RecordEdit() {
	m.EditsTotal.Inc()
}

// RecordCapture records a snapshot capture.
func (m *EngineMetrics) RecordCapture(duration time.Duration) {
	m.CapturesTotal.Inc()
	m.CaptureDuration.ObserveDuration(duration)
	m.LastCaptureTs.Set(time.Now().Unix())
}

// RecordCaptureSkipped records an idempotent capture that created nothing.
func (m *EngineMetrics) RecordCaptureSkipped() {
	m.CapturesSkippedTotal.Inc()
}

// StartCaptureTimer returns a timer for capture operations.
func (m *EngineMetrics) StartCaptureTimer() *HistogramTimer {
	return m.CaptureDuration.Timer()
}

// RecordRebuild records a rebuild and the recoveries it needed.
func (m *EngineMetrics) RecordRebuild(duration time.Duration, recovered int) {
	m.RebuildsTotal.Inc()
	m.RebuildDuration.ObserveDuration(duration)
	if recovered > 0 {
		m.RecoveriesTotal.Add(uint64(recovered))
	}
}

// StartRebuildTimer returns a timer for rebuild operations.
func (m *EngineMetrics) StartRebuildTimer() *HistogramTimer {
	return m.RebuildDuration.Timer()
}

// RecordFlush records an event log flush.
func (m *EngineMetrics) RecordFlush(duration time.Duration) {
	m.FlushDuration.ObserveDuration(duration)
}

// RecordGC records a garbage collection run.
func (m *EngineMetrics) RecordGC(removed int) {
	m.GCRunsTotal.Inc()
	if removed > 0 {
		m.BlobsReclaimedTotal.Add(uint64(removed))
	}
}

// RecordEviction records a snapshot evicted by retention.
func (m *EngineMetrics) RecordEviction() {
	m.SnapshotsEvictedTotal.Inc()
}

// RecordOversize records compaction reaching its floor while over budget.
func (m *EngineMetrics) RecordOversize() {
	m.OversizeWarningsTotal.Inc()
}

// RecordExport records a snapshot export.
func (m *EngineMetrics) RecordExport() {
	m.ExportsTotal.Inc()
}

// RecordError records an error.
func (m *EngineMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// SessionStarted records a session start.
func (m *EngineMetrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded records a session end.
func (m *EngineMetrics) SessionEnded() {
	m.ActiveSessions.Dec()
}

// SetStoreSize sets the serialized blob store size.
func (m *EngineMetrics) SetStoreSize(bytes int64) {
	m.StoreSizeBytes.Set(bytes)
}

// SetBlobCount sets the stored blob count.
func (m *EngineMetrics) SetBlobCount(count int64) {
	m.BlobCount.Set(count)
}

// SetSnapshotsRetained sets the retained snapshot count.
func (m *EngineMetrics) SetSnapshotsRetained(count int64) {
	m.SnapshotsRetained.Set(count)
}

// SetTrackedFiles sets the tracked file count.
func (m *EngineMetrics) SetTrackedFiles(count int64) {
	m.TrackedFiles.Set(count)
}

// UpdateUptime updates the uptime metric.
func (m *EngineMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of key metrics.
func (m *EngineMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"edits_total":             m.EditsTotal.Value(),
		"captures_total":          m.CapturesTotal.Value(),
		"captures_skipped_total":  m.CapturesSkippedTotal.Value(),
		"rebuilds_total":          m.RebuildsTotal.Value(),
		"recoveries_total":        m.RecoveriesTotal.Value(),
		"gc_runs_total":           m.GCRunsTotal.Value(),
		"blobs_reclaimed_total":   m.BlobsReclaimedTotal.Value(),
		"snapshots_evicted_total": m.SnapshotsEvictedTotal.Value(),
		"exports_total":           m.ExportsTotal.Value(),
		"errors_total":            m.ErrorsTotal.Value(),
		"active_sessions":         m.ActiveSessions.Value(),
		"store_size_bytes":        m.StoreSizeBytes.Value(),
		"blob_count":              m.BlobCount.Value(),
		"snapshots_retained":      m.SnapshotsRetained.Value(),
		"tracked_files":           m.TrackedFiles.Value(),
		"uptime_seconds":          m.UptimeSeconds.Value(),
		"rebuild_avg_seconds":     m.RebuildDuration.Mean(),
		"capture_avg_seconds":     m.CaptureDuration.Mean(),
	}
}

// Global engine metrics instance.
var defaultEngineMetrics *EngineMetrics

// GetMetrics returns the global engine metrics instance.
func GetMetrics() *EngineMetrics {
	if defaultEngineMetrics == nil {
		defaultEngineMetrics = NewEngineMetrics(Default())
	}
	return defaultEngineMetrics
}

// InitMetrics initializes the global engine metrics with a custom registry.
func InitMetrics(registry *Registry) *EngineMetrics {
	defaultEngineMetrics = NewEngineMetrics(registry)
	return defaultEngineMetrics
}
