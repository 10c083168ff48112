// Package observability provides logging, metrics, and tracing utilities.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer provides distributed tracing capabilities.
// Components depend on this interface so tests can pass NewNoopTracer.
type Tracer interface {
	// StartSpan creates a new span as a child of the span in ctx.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span)
}

// Span represents a unit of work in a trace.
type Span interface {
	End()
	SetAttributes(attrs ...attribute.KeyValue)
	AddEvent(name string, attrs ...attribute.KeyValue)

	// NoticeError records an error AND sets span status to Error.
	NoticeError(err error)
}

type otelTracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer backed by the global OpenTelemetry provider.
func NewTracer(name string) Tracer {
	return &otelTracer{tracer: otel.Tracer(name)}
}

// OrNoopTracer returns t, or a no-op tracer when t is nil.
func OrNoopTracer(t Tracer) Tracer {
	if t == nil {
		return NewNoopTracer()
	}
	return t
}

func (t *otelTracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	opts := []trace.SpanStartOption{trace.WithSpanKind(trace.SpanKindInternal)}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttributes(attrs ...attribute.KeyValue) {
	s.span.SetAttributes(attrs...)
}

func (s *otelSpan) AddEvent(name string, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		s.span.AddEvent(name, trace.WithAttributes(attrs...))
		return
	}
	s.span.AddEvent(name)
}

func (s *otelSpan) NoticeError(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
}

type noopTracer struct{}

// NewNoopTracer returns a tracer that does nothing.
func NewNoopTracer() Tracer {
	return noopTracer{}
}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                                       {}
func (noopSpan) SetAttributes(_ ...attribute.KeyValue)      {}
func (noopSpan) AddEvent(_ string, _ ...attribute.KeyValue) {}
func (noopSpan) NoticeError(_ error)                        {}
