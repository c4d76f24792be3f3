package circuit

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// startSpan opens a span named name over ci.cancelCtx, tagged with the
// identifying attributes every circuit span shares. Callers get back
// the derived context and must end the span themselves.
func (ci *Circuit) startSpan(name string) (context.Context, trace.Span) {
	return ci.tracer.Start(
		ci.cancelCtx,
		name,
		trace.WithAttributes(
			attribute.String("ca.remote_addr", ci.remoteAddr),
			attribute.Int("ca.priority", int(ci.priority)),
		),
	)
}
