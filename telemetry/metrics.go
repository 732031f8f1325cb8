package telemetry

// Replication pipeline metrics. All start as noops and become real
// collectors in InitMetrics when Prometheus is enabled.
var (
	// EventsProcessedTotal counts committed events by destination and table.
	EventsProcessedTotal CounterVec = noopCounterVec{}

	// EventsPerSecond is the smoothed commit rate per destination.
	EventsPerSecond GaugeVec = noopGaugeVec{}

	// ReplicationLagSeconds is the age of the newest committed event per
	// destination (source mutation timestamp to commit time).
	ReplicationLagSeconds GaugeVec = noopGaugeVec{}

	// BacklogDepth is the queued-event count per destination.
	BacklogDepth GaugeVec = noopGaugeVec{}

	// ErrorsTotal counts write failures by destination and error category.
	ErrorsTotal CounterVec = noopCounterVec{}

	// RetryAttemptsTotal counts backoff retries per destination.
	RetryAttemptsTotal CounterVec = noopCounterVec{}

	// DLQEventsTotal counts dead-lettered events by destination and reason.
	DLQEventsTotal CounterVec = noopCounterVec{}

	// ParseSkipsTotal counts commit-log frames that could not be decoded.
	ParseSkipsTotal Counter = NoopStat{}

	// SchemaChangesTotal counts detected schema changes by compatibility.
	SchemaChangesTotal CounterVec = noopCounterVec{}

	// QuarantinedTables is the number of active quarantine latches.
	QuarantinedTables Gauge = NoopStat{}

	// BatchSizeEvents measures events per committed batch.
	BatchSizeEvents Histogram = NoopStat{}

	// WriteDurationSeconds measures WriteBatch latency per destination.
	WriteDurationSeconds HistogramVec = noopHistogramVec{}
)

// WriteBuckets covers destination round trips from sub-millisecond
// local writes to stalled-destination timeouts.
var WriteBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// BatchBuckets covers batch sizes up to the default flush threshold.
var BatchBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}

// InitMetrics registers the real collectors. Must be called after
// InitializeTelemetry().
func InitMetrics() {
	EventsProcessedTotal = NewCounterVec(
		"events_processed_total",
		"Events committed, by destination and table",
		[]string{"destination", "table"})

	EventsPerSecond = NewGaugeVec(
		"events_per_second",
		"Smoothed committed events per second, by destination",
		[]string{"destination"})

	ReplicationLagSeconds = NewGaugeVec(
		"replication_lag_seconds",
		"Source-timestamp-to-commit age of the newest committed event, by destination",
		[]string{"destination"})

	BacklogDepth = NewGaugeVec(
		"backlog_depth",
		"Events queued but not yet committed, by destination",
		[]string{"destination"})

	ErrorsTotal = NewCounterVec(
		"errors_total",
		"Write failures, by destination and error category",
		[]string{"destination", "error_category"})

	RetryAttemptsTotal = NewCounterVec(
		"retry_attempts_total",
		"Backoff retry attempts, by destination",
		[]string{"destination"})

	DLQEventsTotal = NewCounterVec(
		"dlq_events_total",
		"Events routed to the dead-letter queue, by destination and reason",
		[]string{"destination", "reason"})

	ParseSkipsTotal = NewCounter(
		"parse_skips_total",
		"Commit-log frames skipped because they could not be decoded")

	SchemaChangesTotal = NewCounterVec(
		"schema_changes_total",
		"Detected schema changes, by compatibility",
		[]string{"compatibility"})

	QuarantinedTables = NewGauge(
		"quarantined_tables",
		"Active quarantine latches")

	BatchSizeEvents = NewHistogramWithBuckets(
		"batch_size_events",
		"Events per committed batch",
		BatchBuckets)

	WriteDurationSeconds = NewHistogramVec(
		"write_duration_seconds",
		"WriteBatch latency, by destination",
		[]string{"destination"},
		WriteBuckets)
}
