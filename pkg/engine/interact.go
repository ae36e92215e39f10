package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/otelhelper"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/session"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSweepLimit bounds the sessions one AbandonIdle call looks at.
const DefaultSweepLimit = 500

// StartSession creates a session on the entry node of a published flow and
// runs its first turn. The session is stored at revision 1.
func (e *Engine) StartSession(ctx context.Context, flowID string, initial map[string]any) (*TurnResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.start_session")
	defer span.End()

	g, err := e.catalog.Graph(ctx, flowID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	warnings := g.CheckInput(initial)
	for _, warning := range warnings {
		e.logger.WarnContext(ctx, "initial state does not match flow contract", "flow_id", flowID, "warning", warning)
	}

	t := newTurn(e.machine.Start(flowID, g.Entry(), initial))
	span.SetAttributes(otelhelper.SessionAttributes(t.session.ID, flowID, 0)...)

	if err := e.run(ctx, t, nil); err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if err := e.commit(ctx, nil, t); err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	e.logger.InfoContext(ctx, "session started",
		"session_id", t.session.ID,
		"flow_id", flowID,
		"node_id", t.session.ActiveNodeID(),
		"status", t.session.Status)

	result := e.turnResult(t)
	result.Warnings = warnings

	return e.afterCommit(ctx, t, result)
}

// Interact feeds one user input to the session. A step that loses its
// conditional write is re-run once against the newer session; a second loss,
// or a loss to a session that ended meanwhile, is a concurrency conflict.
func (e *Engine) Interact(ctx context.Context, token string, input models.Input) (*TurnResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.interact")
	defer span.End()

	found, err := e.sessions.SessionByToken(ctx, token)
	if err != nil {
		return nil, notFound("Interact", token, err)
	}

	span.SetAttributes(otelhelper.SessionAttributes(found.ID, found.FlowID, found.Revision)...)

	unlock := e.lock(ctx, found.ID)

	var (
		result *TurnResult
		t      *turn
	)

	for attempt := 0; ; attempt++ {
		current := found
		if attempt > 0 {
			current, err = e.sessions.SessionByID(ctx, found.ID)
			if err != nil {
				e.release(ctx, found.ID, unlock)

				return nil, notFound("Interact", token, err)
			}

			if !current.IsActive() {
				e.release(ctx, found.ID, unlock)

				return nil, flowerr.Conflict("Interact", "session ended during the interaction", persistence.ErrRevisionConflict).
					WithNode(current.ActiveFlowID(), current.ActiveNodeID())
			}
		}

		result, t, err = e.interact(ctx, current, input)
		if err == nil || !persistence.IsRevisionConflict(err) {
			break
		}

		if attempt > 0 {
			err = flowerr.Conflict("Interact", "session changed concurrently", err).WithNode(current.ActiveFlowID(), current.ActiveNodeID())

			break
		}

		e.logger.InfoContext(ctx, "revision conflict, retrying interaction", "session_id", found.ID, "revision", current.Revision)
	}

	e.release(ctx, found.ID, unlock)

	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if t == nil {
		return result, nil
	}

	return e.afterCommit(ctx, t, result)
}

// interact runs one attempt. A nil turn means nothing was written.
func (e *Engine) interact(ctx context.Context, current *models.Session, input models.Input) (*TurnResult, *turn, error) {
	if err := e.verify(ctx, current); err != nil {
		return nil, nil, err
	}

	if !current.IsActive() {
		return nil, nil, flowerr.Validation("Interact", string(current.Status), flowerr.ErrSessionInactive).
			WithNode(current.ActiveFlowID(), current.ActiveNodeID())
	}

	if current.ExecState == models.ExecAwaitingAsync {
		e.logger.DebugContext(ctx, "input ignored while a background result is pending", "session_id", current.ID)

		return &TurnResult{Session: session.Clone(current)}, nil, nil
	}

	t := newTurn(session.Clone(current))
	t.session.LastError = nil

	// A runnable session failed in the background; its node runs again from scratch.
	var resume *models.Input
	if current.ExecState == models.ExecAwaitingInput {
		resume = &input
	}

	if err := e.run(ctx, t, resume); err != nil {
		return nil, nil, err
	}

	if t.rejected {
		result := e.turnResult(t)
		result.Session = session.Clone(current)
		result.Rejected = true

		return result, nil, nil
	}

	if err := e.commit(ctx, current, t); err != nil {
		return nil, nil, err
	}

	return e.turnResult(t), t, nil
}

// EndSession moves the session to completed or abandoned. It is a revisioned
// write like any step.
func (e *Engine) EndSession(ctx context.Context, token string, status models.SessionStatus) (*models.Session, error) {
	ctx, span := e.tracer.Start(ctx, "engine.end_session")
	defer span.End()

	found, err := e.sessions.SessionByToken(ctx, token)
	if err != nil {
		return nil, notFound("EndSession", token, err)
	}

	unlock := e.lock(ctx, found.ID)
	defer e.release(ctx, found.ID, unlock)

	current := found

	for attempt := 0; ; attempt++ {
		ended, err := e.end(ctx, current, status)
		if err == nil {
			return ended, nil
		}

		if !persistence.IsRevisionConflict(err) || attempt > 0 {
			otelhelper.SetError(span, err)

			if persistence.IsRevisionConflict(err) {
				return nil, flowerr.Conflict("EndSession", "session changed concurrently", err)
			}

			return nil, err
		}

		current, err = e.sessions.SessionByID(ctx, found.ID)
		if err != nil {
			return nil, notFound("EndSession", token, err)
		}
	}
}

func (e *Engine) end(ctx context.Context, current *models.Session, status models.SessionStatus) (*models.Session, error) {
	if err := e.verify(ctx, current); err != nil {
		return nil, err
	}

	ended := session.Clone(current)
	if err := e.machine.End(ended, status); err != nil {
		return nil, err
	}

	if err := e.machine.Bump(ended); err != nil {
		return nil, flowerr.Internal("EndSession", "sealing session", err)
	}

	if err := e.sessions.UpdateSession(ctx, ended, current.Revision); err != nil {
		return nil, err
	}

	if current.Pending != nil {
		if err := e.guard.Fail(ctx, current.Pending.Key, "session ended"); err != nil {
			e.logger.WarnContext(ctx, "failed to close pending side effect", "key", current.Pending.Key.String(), "error", err)
		}
	}

	e.logger.InfoContext(ctx, "session ended", "session_id", ended.ID, "status", ended.Status, "revision", ended.Revision)
	e.emit(ctx, current, ended)

	return session.Clone(ended), nil
}

// GetSession returns the stored session. Integrity is not checked on reads.
func (e *Engine) GetSession(ctx context.Context, token string) (*models.Session, error) {
	found, err := e.sessions.SessionByToken(ctx, token)
	if err != nil {
		return nil, notFound("GetSession", token, err)
	}

	return found, nil
}

// AbandonIdle abandons active sessions untouched for idleFor. Each one is a
// background write: a session that moved meanwhile is skipped.
func (e *Engine) AbandonIdle(ctx context.Context, idleFor time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultSweepLimit
	}

	idle, err := e.sessions.IdleSessions(ctx, e.now().Add(-idleFor), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle sessions: %w", err)
	}

	abandoned := 0

	for _, s := range idle {
		unlock := e.lock(ctx, s.ID)

		_, err := e.end(ctx, s, models.SessionAbandoned)

		e.release(ctx, s.ID, unlock)

		switch {
		case err == nil:
			abandoned++
		case persistence.IsRevisionConflict(err):
			e.logger.InfoContext(ctx, "idle session moved, not abandoning", "session_id", s.ID, "revision", s.Revision)
		default:
			e.logger.WarnContext(ctx, "failed to abandon idle session", "session_id", s.ID, "error", err)
		}
	}

	if abandoned > 0 {
		e.logger.InfoContext(ctx, "abandoned idle sessions", "count", abandoned, "idle_for", idleFor)
	}

	return abandoned, nil
}

// PurgeIdempotency removes expired idempotency records.
func (e *Engine) PurgeIdempotency(ctx context.Context) (int, error) {
	return e.guard.Purge(ctx)
}

// commit seals the working session at the next revision and writes it. A
// nil before creates the session.
func (e *Engine) commit(ctx context.Context, before *models.Session, t *turn) error {
	s := t.session

	if err := e.machine.Bump(s); err != nil {
		return flowerr.Internal("commit", "sealing session", err)
	}

	s.Pending = nil

	if t.task != nil {
		key := models.IdempotencyKey{SessionID: s.ID, NodeID: s.ActiveNodeID(), Revision: s.Revision}
		t.task.Key = key
		t.task.DispatchedAt = e.now()
		s.Pending = &models.PendingEffect{Key: key, Kind: t.task.Kind, Policy: t.task.Policy, DispatchedAt: t.task.DispatchedAt}
	}

	var err error
	if before == nil {
		err = e.sessions.CreateSession(ctx, s)
	} else {
		err = e.sessions.UpdateSession(ctx, s, before.Revision)
	}

	if err != nil {
		if persistence.IsRevisionConflict(err) {
			return err
		}

		return flowerr.Internal("commit", "writing session", err).WithNode(s.ActiveFlowID(), s.ActiveNodeID())
	}

	trace.SpanFromContext(ctx).SetAttributes(otelhelper.SessionAttributes(s.ID, s.FlowID, s.Revision)...)
	e.emit(ctx, before, s)

	return nil
}

// afterCommit dispatches the side effect the turn stopped on. The session
// lock is released by then, so a failed dispatch can be delivered in place.
func (e *Engine) afterCommit(ctx context.Context, t *turn, result *TurnResult) (*TurnResult, error) {
	if t.task == nil {
		return result, nil
	}

	task := *t.task

	if _, err := e.guard.Begin(ctx, task.Key); err != nil {
		e.logger.WarnContext(ctx, "failed to record side effect", "key", task.Key.String(), "error", err)
	}

	err := e.dispatcher.Dispatch(ctx, task)
	if err == nil {
		e.logger.DebugContext(ctx, "side effect dispatched", "key", task.Key.String(), "kind", task.Kind)

		return result, nil
	}

	e.logger.ErrorContext(ctx, "failed to dispatch side effect", "key", task.Key.String(), "error", err)

	outcome, deliverErr := e.Deliver(ctx, models.TaskResult{Key: task.Key, Error: "dispatch failed: " + err.Error()})
	if deliverErr != nil {
		return result, nil
	}

	if outcome.Status == DeliveryApplied && outcome.Turn != nil {
		outcome.Turn.Messages = append(result.Messages, outcome.Turn.Messages...)
		outcome.Turn.Warnings = result.Warnings

		return outcome.Turn, nil
	}

	return result, nil
}

func (e *Engine) turnResult(t *turn) *TurnResult {
	messages := t.messages
	if messages == nil {
		messages = []models.Message{}
	}

	return &TurnResult{
		Session:      session.Clone(t.session),
		Messages:     messages,
		InputRequest: t.request,
	}
}
