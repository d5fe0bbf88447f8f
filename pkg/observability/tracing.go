package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by the buses and the request handler.
var (
	AttrEventKind = attribute.Key("event.kind")
	AttrEventID   = attribute.Key("event.id")
	AttrElement   = attribute.Key("element.reference")
	AttrSubject   = attribute.Key("messaging.destination")

	AttrOperation = attribute.Key("request.operation")
	AttrInternal  = attribute.Key("request.internal")
	AttrStatus    = attribute.Key("request.status")

	AttrErrorType   = attribute.Key("error.type")
	AttrErrorSource = attribute.Key("error.source")
)

// SpanOption configures a span right after it is started.
type SpanOption func(trace.Span)

// WithAttributes sets attributes on the span.
func WithAttributes(attrs ...attribute.KeyValue) SpanOption {
	return func(span trace.Span) {
		span.SetAttributes(attrs...)
	}
}

// StartSpan starts a span on tracer and applies opts.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...SpanOption) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	for _, opt := range opts {
		opt(span)
	}
	return ctx, span
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		markError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SetSpanError marks the span in ctx as failed.
func SetSpanError(ctx context.Context, err error) {
	markError(trace.SpanFromContext(ctx), err)
}

// AddSpanEvent records a named event on the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

func markError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// EventAttrs describes an event message. An empty element is omitted.
func EventAttrs(kind, element string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrEventKind.String(kind)}
	if element != "" {
		attrs = append(attrs, AttrElement.String(element))
	}
	return attrs
}

// RequestAttrs describes a synchronized request.
func RequestAttrs(operation, element string, internal bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String(operation),
		AttrElement.String(element),
		AttrInternal.Bool(internal),
	}
}

// ErrorAttrs describes a failure that did not end the span, such as a bus
// error during a request.
func ErrorAttrs(err error, source string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrErrorType.String(fmt.Sprintf("%T", err))}
	if source != "" {
		attrs = append(attrs, AttrErrorSource.String(source))
	}
	return attrs
}
