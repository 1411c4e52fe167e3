package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for gateway spans.
var (
	AttrRunID        = attribute.Key("agentgw.run.id")
	AttrChatID       = attribute.Key("agentgw.chat.id")
	AttrChannelID    = attribute.Key("agentgw.channel.id")
	AttrToolName     = attribute.Key("agentgw.tool.name")
	AttrModel        = attribute.Key("agentgw.llm.model")
	AttrTokensInput  = attribute.Key("agentgw.llm.tokens.input")
	AttrTokensOutput = attribute.Key("agentgw.llm.tokens.output")
	AttrRunStep      = attribute.Key("agentgw.run.step")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway Core).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM provider, sandboxed tool).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
