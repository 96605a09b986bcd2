package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for opscore spans.
var (
	AttrTaskID   = attribute.Key("opscore.task.id")
	AttrUserID   = attribute.Key("opscore.user.id")
	AttrChannel  = attribute.Key("opscore.task.channel")
	AttrToolName = attribute.Key("opscore.tool.name")
	AttrAgentID  = attribute.Key("opscore.agent.id")
	AttrTeamName = attribute.Key("opscore.team.name")
	AttrRunID    = attribute.Key("opscore.swarm.run_id")
	AttrAttempt  = attribute.Key("opscore.guardian.attempt")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
