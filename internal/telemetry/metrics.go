package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WorkerMetrics are the Worker Fleet's instruments (spec §6's "messages
// processed/failed, queue depth"), lazily built against the current
// global MeterProvider the way gascity's recorder builds its
// instruments in initInstruments.
type WorkerMetrics struct {
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	queueDepth     metric.Int64Gauge
}

func NewWorkerMetrics() *WorkerMetrics {
	m := meter()
	wm := &WorkerMetrics{}
	wm.tasksCompleted, _ = m.Int64Counter("fleet.tasks.completed.total",
		metric.WithDescription("Total tasks the worker fleet completed successfully"))
	wm.tasksFailed, _ = m.Int64Counter("fleet.tasks.failed.total",
		metric.WithDescription("Total tasks the worker fleet failed after exhausting retries"))
	wm.queueDepth, _ = m.Int64Gauge("fleet.queue.depth",
		metric.WithDescription("Current depth of the worker fleet's dispatch queue"))
	return wm
}

func (wm *WorkerMetrics) RecordTaskCompleted(ctx context.Context, kind string) {
	wm.tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (wm *WorkerMetrics) RecordTaskFailed(ctx context.Context, kind string) {
	wm.tasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (wm *WorkerMetrics) RecordQueueDepth(ctx context.Context, depth int64) {
	wm.queueDepth.Record(ctx, depth)
}

// PoolMetrics are the Connection Pool's instruments (spec §6's
// "connections active" and per-host utilization).
type PoolMetrics struct {
	sessionsActive metric.Int64Gauge
}

func NewPoolMetrics() *PoolMetrics {
	m := meter()
	pm := &PoolMetrics{}
	pm.sessionsActive, _ = m.Int64Gauge("fleet.sessions.active",
		metric.WithDescription("Active IMAP sessions per host group"))
	return pm
}

func (pm *PoolMetrics) RecordActiveSessions(ctx context.Context, host string, count int64) {
	pm.sessionsActive.Record(ctx, count, metric.WithAttributes(attribute.String("host", host)))
}
