package otelhelper

import (
	"github.com/dukex/chatflow/pkg/flowerr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorKindKey carries the flowerr kind of a recorded error.
const ErrorKindKey = "chatflow.error.kind"

// SetError marks span failed and records err with its error kind.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	attrs = append(attrs, ErrorKind(err))

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

func ErrorKind(err error) attribute.KeyValue {
	return attribute.String(ErrorKindKey, string(flowerr.KindOf(err)))
}
