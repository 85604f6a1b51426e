package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "omb-test-runner"

// Tracer wraps OpenTelemetry tracing for the test runner.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("testrunner.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for test runner tracing.
var (
	AttrSessionID   = attribute.Key("testrunner.session.id")
	AttrStep        = attribute.Key("testrunner.step")
	AttrModule      = attribute.Key("testrunner.module")
	AttrOdooVersion = attribute.Key("testrunner.odoo_version")
	AttrTestsTotal  = attribute.Key("testrunner.tests.total")
)
