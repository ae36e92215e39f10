package otelhelper

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestTaskAttributes(t *testing.T) {
	task := models.Task{
		Key:    models.IdempotencyKey{SessionID: "s-1", NodeID: "hook", Revision: 4},
		FlowID: "orders",
		Kind:   models.SideEffectWebhook,
	}

	attrs := attribute.NewSet(TaskAttributes(task, "worker-1")...)

	value, ok := attrs.Value(RevisionKey)
	assert.True(t, ok)
	assert.Equal(t, int64(4), value.AsInt64())

	value, ok = attrs.Value(WorkerIDKey)
	assert.True(t, ok)
	assert.Equal(t, "worker-1", value.AsString())
}

func TestNoopTracer(t *testing.T) {
	_, span := StartSpan(context.Background(), NoopTracer(), "step", SessionAttributes("s-1", "orders", 1)...)
	SetError(span, errors.New("boom"), NodeAttributes("hook", models.NodeTypeWebhook)...)
	span.End()

	assert.False(t, span.IsRecording())
}

func TestErrorKind(t *testing.T) {
	kind := ErrorKind(flowerr.Conflict("commit", "revision moved", nil))
	assert.Equal(t, attribute.Key(ErrorKindKey), kind.Key)
	assert.Equal(t, "concurrency_conflict", kind.Value.AsString())

	assert.Equal(t, "internal", ErrorKind(errors.New("disk full")).Value.AsString())
}
