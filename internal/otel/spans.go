package otel

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by conductor spans.
var (
	AttrTaskID     = attribute.Key("conductor.task.id")
	AttrTaskKind   = attribute.Key("conductor.task.kind")
	AttrTaskStatus = attribute.Key("conductor.task.status")
	AttrChannel    = attribute.Key("conductor.channel")
	AttrChainID    = attribute.Key("conductor.chain.id")
	AttrChainStep  = attribute.Key("conductor.chain.step")
	AttrModel      = attribute.Key("conductor.llm.model")
	AttrErrorClass = attribute.Key("conductor.error.class")
)

// StartSpan starts an internal span with attrs.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound generation call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// ExtractHTTP returns ctx carrying the remote span context found in the
// request headers, if any.
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}
