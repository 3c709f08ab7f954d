package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "classroom-ide"

// Tracer wraps OpenTelemetry tracing for the execution core.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("ide.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// Common attribute keys for execution tracing.
var (
	AttrRequestID  = attribute.Key("ide.request.id")
	AttrHandle     = attribute.Key("ide.user.handle")
	AttrScriptPath = attribute.Key("ide.script.path")
	AttrExitCode   = attribute.Key("ide.exit_code")
	AttrPhase      = attribute.Key("ide.phase")
)
