package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bidfoundry/rfpflow/hook"
	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/result"
	"github.com/bidfoundry/rfpflow/step"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/bidfoundry/rfpflow/observability"

// Compile-time interface checks.
var (
	_ hook.Extension     = (*MetricsExtension)(nil)
	_ hook.JobEnqueued   = (*MetricsExtension)(nil)
	_ hook.JobStarted    = (*MetricsExtension)(nil)
	_ hook.JobCompleted  = (*MetricsExtension)(nil)
	_ hook.JobFailed     = (*MetricsExtension)(nil)
	_ hook.JobCancelled  = (*MetricsExtension)(nil)
	_ hook.StepCompleted = (*MetricsExtension)(nil)
	_ hook.StepFailed    = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters via the OTel
// metric API. Register it on the dispatcher to automatically track
// enqueue rates, completion counts, failure rates, cancellations, and
// per-step outcomes. With no MeterProvider configured globally the
// instruments are noops and the extension costs nothing.
type MetricsExtension struct {
	jobEnqueued   metric.Int64Counter
	jobStarted    metric.Int64Counter
	jobCompleted  metric.Int64Counter
	jobFailed     metric.Int64Counter
	jobCancelled  metric.Int64Counter
	jobDuration   metric.Float64Histogram
	stepCompleted metric.Int64Counter
	stepFailed    metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a MeterProvider for
// testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	// On error the OTel API returns noop instruments, so the extension
	// degrades gracefully.
	m.jobEnqueued, _ = meter.Int64Counter("rfpflow.job.enqueued")
	m.jobStarted, _ = meter.Int64Counter("rfpflow.job.started")
	m.jobCompleted, _ = meter.Int64Counter("rfpflow.job.completed")
	m.jobFailed, _ = meter.Int64Counter("rfpflow.job.failed")
	m.jobCancelled, _ = meter.Int64Counter("rfpflow.job.cancelled")
	m.jobDuration, _ = meter.Float64Histogram("rfpflow.job.duration",
		metric.WithDescription("End-to-end job duration in seconds"),
		metric.WithUnit("s"),
	)
	m.stepCompleted, _ = meter.Int64Counter("rfpflow.pipeline.step.completed")
	m.stepFailed, _ = meter.Int64Counter("rfpflow.pipeline.step.failed")
	return m
}

// Name implements hook.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnJobEnqueued implements hook.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.jobEnqueued.Add(ctx, 1, modeAttr(j))
	return nil
}

// OnJobStarted implements hook.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.jobStarted.Add(ctx, 1, modeAttr(j))
	return nil
}

// OnJobCompleted implements hook.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.jobCompleted.Add(ctx, 1, modeAttr(j))
	m.jobDuration.Record(ctx, elapsed.Seconds(), modeAttr(j))
	return nil
}

// OnJobFailed implements hook.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.jobFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", string(j.Mode)),
		attribute.String("step", string(j.FailedStep)),
	))
	return nil
}

// OnJobCancelled implements hook.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.jobCancelled.Add(ctx, 1, modeAttr(j))
	return nil
}

// OnStepCompleted implements hook.StepCompleted.
func (m *MetricsExtension) OnStepCompleted(ctx context.Context, _ *job.Job, res *result.Result, _ time.Duration) error {
	m.stepCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", string(res.Step)),
	))
	return nil
}

// OnStepFailed implements hook.StepFailed.
func (m *MetricsExtension) OnStepFailed(ctx context.Context, _ *job.Job, kind step.Kind, _ error) error {
	m.stepFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", string(kind)),
	))
	return nil
}

func modeAttr(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("mode", string(j.Mode)))
}
