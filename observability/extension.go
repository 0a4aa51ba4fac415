package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dreadew/conveyor/ext"
	"github.com/dreadew/conveyor/job"
)

const meterName = "github.com/dreadew/conveyor/observability"

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.JobEnqueued  = (*MetricsExtension)(nil)
	_ ext.JobStarted   = (*MetricsExtension)(nil)
	_ ext.JobSucceeded = (*MetricsExtension)(nil)
	_ ext.JobRetrying  = (*MetricsExtension)(nil)
	_ ext.JobAbandoned = (*MetricsExtension)(nil)
	_ ext.JobDLQ       = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters via OpenTelemetry.
// Register it as a Conveyor extension to automatically track enqueue rates,
// success counts, retry counts, abandonment rates, and DLQ entries.
//
// Counters are dimensioned by job_type and queue; retry and abandonment
// counters additionally carry the failure kind.
type MetricsExtension struct {
	enqueued  metric.Int64Counter
	started   metric.Int64Counter
	succeeded metric.Int64Counter
	retried   metric.Int64Counter
	abandoned metric.Int64Counter
	dlq       metric.Int64Counter

	duration metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension using the global meter
// provider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter. Use a meter backed by a manual reader for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	enqueued, _ := meter.Int64Counter("conveyor.job.enqueued",
		metric.WithDescription("Jobs accepted and published"))
	started, _ := meter.Int64Counter("conveyor.job.started",
		metric.WithDescription("Job attempts started"))
	succeeded, _ := meter.Int64Counter("conveyor.job.succeeded",
		metric.WithDescription("Jobs finished successfully"))
	retried, _ := meter.Int64Counter("conveyor.job.retried",
		metric.WithDescription("Job attempts that scheduled a retry"))
	abandoned, _ := meter.Int64Counter("conveyor.job.abandoned",
		metric.WithDescription("Jobs failed terminally"))
	dlq, _ := meter.Int64Counter("conveyor.job.dlq",
		metric.WithDescription("Jobs recorded in the dead letter queue"))
	duration, _ := meter.Float64Histogram("conveyor.job.success_duration",
		metric.WithDescription("Wall time of successful job executions"),
		metric.WithUnit("s"))

	return &MetricsExtension{
		enqueued:  enqueued,
		started:   started,
		succeeded: succeeded,
		retried:   retried,
		abandoned: abandoned,
		dlq:       dlq,
		duration:  duration,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func jobAttrs(j *job.Job) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("job_type", j.Type),
		attribute.String("queue", j.Queue),
	}
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.enqueued.Add(ctx, 1, metric.WithAttributes(jobAttrs(j)...))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.started.Add(ctx, 1, metric.WithAttributes(jobAttrs(j)...))
	return nil
}

// OnJobSucceeded implements ext.JobSucceeded.
func (m *MetricsExtension) OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	attrs := metric.WithAttributes(jobAttrs(j)...)
	m.succeeded.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, cause job.Failure, _ time.Time) error {
	attrs := append(jobAttrs(j), attribute.String("kind", string(cause.Kind)))
	m.retried.Add(ctx, 1, metric.WithAttributes(attrs...))
	return nil
}

// OnJobAbandoned implements ext.JobAbandoned.
func (m *MetricsExtension) OnJobAbandoned(ctx context.Context, j *job.Job, cause job.Failure) error {
	attrs := append(jobAttrs(j), attribute.String("kind", string(cause.Kind)))
	m.abandoned.Add(ctx, 1, metric.WithAttributes(attrs...))
	return nil
}

// OnJobDLQ implements ext.JobDLQ.
func (m *MetricsExtension) OnJobDLQ(ctx context.Context, j *job.Job, _ job.Failure) error {
	m.dlq.Add(ctx, 1, metric.WithAttributes(jobAttrs(j)...))
	return nil
}
