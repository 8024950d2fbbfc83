package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Pairflow spans.
var (
	AttrCardID     = attribute.Key("pairflow.card.id")
	AttrSessionID  = attribute.Key("pairflow.session.id")
	AttrColumn     = attribute.Key("pairflow.board.column")
	AttrDriver     = attribute.Key("pairflow.session.driver")
	AttrNavigator  = attribute.Key("pairflow.session.navigator")
	AttrCycle      = attribute.Key("pairflow.session.cycle")
	AttrTier       = attribute.Key("pairflow.escalation.tier")
	AttrCategory   = attribute.Key("pairflow.escalation.category")
	AttrSprint     = attribute.Key("pairflow.sprint.number")
	AttrSprintSpan = attribute.Key("pairflow.sprint.state")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
