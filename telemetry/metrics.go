// Package telemetry exposes binwatch's metrics as swappable interfaces.
// Every metric defaults to a noop and is replaced by a Prometheus collector
// when InitMetrics runs after InitializeTelemetry.
package telemetry

// Capture pipeline metrics
var (
	// ItemsTotal counts raw source items by kind (ddl, rows)
	ItemsTotal CounterVec = noopCounterVec{}

	// EventsTotal counts materialized change events by operation
	EventsTotal CounterVec = noopCounterVec{}

	// ItemsSkippedTotal counts items skipped by reason (mutation_error, unknown_table)
	ItemsSkippedTotal CounterVec = noopCounterVec{}

	// HistoryRecordsTotal counts schema history appends
	HistoryRecordsTotal Counter = NoopStat{}

	// QueueDepth tracks the number of buffered change events
	QueueDepth Gauge = NoopStat{}

	// CheckpointSavesTotal counts checkpoint persist operations
	CheckpointSavesTotal Counter = NoopStat{}
)

// Sink metrics
var (
	// SinkPublishTotal counts publishes by sink name and result (success, failed)
	SinkPublishTotal CounterVec = noopCounterVec{}
)

// InitMetrics replaces the noop metrics with registered collectors.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	ItemsTotal = NewCounterVec("items_total", "Raw source items processed by kind", []string{"kind"})
	EventsTotal = NewCounterVec("events_total", "Materialized change events by operation", []string{"op"})
	ItemsSkippedTotal = NewCounterVec("items_skipped_total", "Items skipped by reason", []string{"reason"})
	HistoryRecordsTotal = NewCounter("history_records_total", "Schema history records appended")
	QueueDepth = NewGauge("queue_depth", "Buffered change events awaiting the sink")
	CheckpointSavesTotal = NewCounter("checkpoint_saves_total", "Checkpoint persist operations")
	SinkPublishTotal = NewCounterVec("sink_publish_total", "Sink publishes by sink and result", []string{"sink", "result"})
}
