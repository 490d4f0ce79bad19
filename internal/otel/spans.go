package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for planrun spans.
var (
	AttrTaskID   = attribute.Key("planrun.task.id")
	AttrWorkerID = attribute.Key("planrun.worker.id")
	AttrToolName = attribute.Key("planrun.tool.name")
	AttrStep     = attribute.Key("planrun.step")
	AttrPlanHash = attribute.Key("planrun.plan.hash")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// NoopTracer returns a tracer that records nothing. Callers without a
// configured provider use it so span calls stay unconditional.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}
