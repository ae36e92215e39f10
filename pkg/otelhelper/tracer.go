// Package otelhelper provides tracing setup and span attributes for the engine and workers.
package otelhelper

import (
	"context"

	"github.com/dukex/chatflow/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// Common attribute keys.
	SessionIDKey = "chatflow.session.id"
	FlowIDKey    = "chatflow.flow.id"
	NodeIDKey    = "chatflow.node.id"
	NodeTypeKey  = "chatflow.node.type"
	RevisionKey  = "chatflow.revision"
	WorkerIDKey  = "chatflow.worker.id"
	TaskKindKey  = "chatflow.task.kind"
	ErrorKey     = "chatflow.error"
)

// NewTracer installs an OTLP HTTP exporter as the global tracer provider.
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, serviceName string) (trace.Tracer, error) {
	provider, err := newTracerProvider(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	return provider.Tracer(serviceName), nil
}

// nolint:ireturn,spancheck // Returning interface is intentional for OpenTelemetry tracing
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func newTracerProvider(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return tp, nil
}

// NoopTracer is used when tracing is disabled.
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("chatflow")
}

func SessionAttributes(sessionID, flowID string, revision int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SessionIDKey, sessionID),
		attribute.String(FlowIDKey, flowID),
		attribute.Int64(RevisionKey, revision),
	}
}

func NodeAttributes(nodeID string, nodeType models.NodeType) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(NodeIDKey, nodeID),
		attribute.String(NodeTypeKey, string(nodeType)),
	}
}

func TaskAttributes(task models.Task, workerID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SessionIDKey, task.Key.SessionID),
		attribute.String(NodeIDKey, task.Key.NodeID),
		attribute.Int64(RevisionKey, task.Key.Revision),
		attribute.String(FlowIDKey, task.FlowID),
		attribute.String(TaskKindKey, string(task.Kind)),
		attribute.String(WorkerIDKey, workerID),
	}
}

func ErrorAttribute(message string) attribute.KeyValue {
	return attribute.String(ErrorKey, message)
}
