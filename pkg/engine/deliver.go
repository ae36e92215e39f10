package engine

import (
	"context"
	"errors"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/otelhelper"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/session"
	"go.opentelemetry.io/otel/attribute"
)

// Deliver applies the result of a dispatched side effect. A result already
// applied returns the stored outcome; a result for a revision the session
// has moved past is discarded. Deliver never overwrites a newer revision:
// losing the conditional write drops the result.
func (e *Engine) Deliver(ctx context.Context, result models.TaskResult) (*DeliveryOutcome, error) {
	key := result.Key

	ctx, span := e.tracer.Start(ctx, "engine.deliver")
	defer span.End()

	span.SetAttributes(attribute.String(otelhelper.SessionIDKey, key.SessionID), attribute.String(otelhelper.NodeIDKey, key.NodeID))

	unlock := e.lock(ctx, key.SessionID)

	outcome, t, err := e.deliver(ctx, result)

	e.release(ctx, key.SessionID, unlock)

	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if t == nil {
		return outcome, nil
	}

	if _, err := e.afterCommit(ctx, t, outcome.Turn); err != nil {
		e.logger.WarnContext(ctx, "failed to dispatch follow-up side effect", "session_id", key.SessionID, "error", err)
	}

	return outcome, nil
}

func (e *Engine) deliver(ctx context.Context, result models.TaskResult) (*DeliveryOutcome, *turn, error) {
	key := result.Key
	logger := e.logger.With("session_id", key.SessionID, "node_id", key.NodeID, "revision", key.Revision)

	record, err := e.guard.Lookup(ctx, key)
	if err != nil {
		return nil, nil, flowerr.Internal("Deliver", "idempotency lookup", err)
	}

	if record != nil && record.Status == models.IdempotencyCompleted {
		logger.InfoContext(ctx, "duplicate delivery, returning stored outcome")

		return &DeliveryOutcome{Status: DeliveryDuplicate, Result: record.Result}, nil, nil
	}

	if record != nil && record.Status == models.IdempotencyFailed {
		logger.InfoContext(ctx, "delivery for a closed side effect", "reason", record.Error)

		return &DeliveryOutcome{Status: DeliveryStale, Result: record.Result}, nil, nil
	}

	current, err := e.sessions.SessionByID(ctx, key.SessionID)
	if persistence.IsSessionNotFound(err) {
		logger.WarnContext(ctx, "delivery for unknown session")
		e.close(ctx, key, "session not found")

		return &DeliveryOutcome{Status: DeliveryStale}, nil, nil
	}

	if err != nil {
		return nil, nil, flowerr.Internal("Deliver", "loading session", err)
	}

	if !current.IsActive() || current.Revision != key.Revision || current.Pending == nil || current.Pending.Key != key {
		logger.InfoContext(ctx, "discarding stale delivery", "current_revision", current.Revision, "status", current.Status)
		e.close(ctx, key, "stale")

		return &DeliveryOutcome{Status: DeliveryStale}, nil, nil
	}

	if err := e.verify(ctx, current); err != nil {
		e.close(ctx, key, "integrity check failed")

		return nil, nil, err
	}

	if current.Pending.Policy != "" {
		e.breakers.Record(current.Pending.Policy, result.Success)
	}

	t := newTurn(session.Clone(current))
	t.session.Pending = nil
	t.session.ExecState = models.ExecRunnable
	t.session.LastError = nil

	if err := e.complete(ctx, t, result); err != nil {
		// Nobody waits on a background turn: keep the session runnable at the
		// failing node so the next interaction retries it.
		logger.ErrorContext(ctx, "background continuation failed", "error", err)

		t.session.LastError = e.stepError(err)
		t.session.ExecState = models.ExecRunnable
		t.task = nil
		t.request = nil
	}

	if err := e.commit(ctx, current, t); err != nil {
		if persistence.IsRevisionConflict(err) {
			logger.InfoContext(ctx, "session moved while applying delivery, dropping result")
			e.close(ctx, key, "conflict")

			return &DeliveryOutcome{Status: DeliveryConflict}, nil, nil
		}

		return nil, nil, err
	}

	stored := map[string]any{
		"revision":    t.session.Revision,
		"success":     result.Success,
		"status_code": result.StatusCode,
	}

	if err := e.guard.Complete(ctx, key, stored); err != nil {
		logger.WarnContext(ctx, "failed to record delivery outcome", "error", err)
	}

	logger.InfoContext(ctx, "delivery applied", "new_revision", t.session.Revision, "status", t.session.Status)

	return &DeliveryOutcome{Status: DeliveryApplied, Result: stored, Turn: e.turnResult(t)}, t, nil
}

func (e *Engine) close(ctx context.Context, key models.IdempotencyKey, reason string) {
	if err := e.guard.Fail(ctx, key, reason); err != nil {
		e.logger.WarnContext(ctx, "failed to close idempotency record", "key", key.String(), "error", err)
	}
}

func (e *Engine) stepError(err error) *models.StepError {
	step := &models.StepError{Kind: string(flowerr.KindOf(err)), Message: err.Error(), OccurredAt: e.now()}

	var flowErr *flowerr.Error
	if errors.As(err, &flowErr) {
		step.NodeID = flowErr.NodeID
	}

	return step
}
