package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bidfoundry/rfpflow/job"
	"github.com/bidfoundry/rfpflow/step"
)

// tracerName is the instrumentation scope name for rfpflow tracing.
const tracerName = "github.com/bidfoundry/rfpflow"

// Tracing returns middleware that wraps step execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through with zero
// overhead.
//
// Span attributes include: rfpflow.job.id, rfpflow.subject.id,
// rfpflow.step, rfpflow.mode. On error, the span status is set to
// codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, kind step.Kind, next Handler) error {
		ctx, span := tracer.Start(ctx, "rfpflow.step.execute",
			trace.WithAttributes(
				attribute.String("rfpflow.job.id", j.ID.String()),
				attribute.String("rfpflow.subject.id", j.SubjectID.String()),
				attribute.String("rfpflow.step", string(kind)),
				attribute.String("rfpflow.mode", string(j.Mode)),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
