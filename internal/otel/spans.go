package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrAgentID       = attribute.Key("agentmesh.agent.id")
	AttrTaskID        = attribute.Key("agentmesh.task.id")
	AttrTaskKind      = attribute.Key("agentmesh.task.kind")
	AttrModel         = attribute.Key("agentmesh.llm.model")
	AttrTokensInput   = attribute.Key("agentmesh.llm.tokens.input")
	AttrTokensOutput  = attribute.Key("agentmesh.llm.tokens.output")
	AttrCoordStrategy = attribute.Key("agentmesh.coordination.strategy")
	AttrCoordTaskID   = attribute.Key("agentmesh.coordination.task_id")
	AttrWorkspaceID   = attribute.Key("agentmesh.workspace.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (the Orchestrator's
// Channel endpoint).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM evaluator API, a
// peer agent's Channel).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
