package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/graph"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/otelhelper"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
	"go.opentelemetry.io/otel/trace"
)

// turn is the working copy of one batch of steps. Nothing in it is visible
// to other callers until the session is written.
type turn struct {
	session  *models.Session
	messages []models.Message
	request  *models.InputRequest
	task     *models.Task
	steps    int
	rejected bool
}

func newTurn(s *models.Session) *turn {
	if s.State == nil {
		s.State = map[string]any{}
	}

	return &turn{session: s}
}

// view is the state a node of the active flow sees.
func view(s *models.Session) *template.State {
	if n := len(s.Frames); n > 0 {
		return template.NewFrameState(s.State, s.Frames[n-1].Scope)
	}

	return template.NewState(s.State)
}

// commitState stores the trees of a state view back on the session.
func commitState(s *models.Session, state *template.State) {
	s.State = state.Root()

	if n := len(s.Frames); n > 0 && state.InFrame() {
		s.Frames[n-1].Scope = state.Frame()
	}
}

func setCursor(s *models.Session, nodeID string) {
	if n := len(s.Frames); n > 0 {
		s.Frames[n-1].NodeID = nodeID

		return
	}

	s.CurrentNodeID = nodeID
}

// run executes nodes from the cursor until one awaits input or a side
// effect, the flow ends, or a step fails. input resumes the current node.
func (e *Engine) run(ctx context.Context, t *turn, input *models.Input) error {
	for t.session.IsActive() {
		g, node, processor, err := e.resolve(ctx, t.session)
		if err != nil {
			return err
		}

		if t.steps >= e.config.StepBudget {
			return flowerr.Configuration("engine.run", fmt.Sprintf("more than %d steps in one turn", e.config.StepBudget), flowerr.ErrStepBudgetExceeded).
				WithNode(g.FlowID(), node.ID)
		}

		t.steps++

		result, err := e.process(ctx, t, node, processor, input)
		input = nil

		var stop bool
		if err != nil {
			stop, err = e.routeError(ctx, t, g, node, err)
		} else {
			stop, err = e.apply(ctx, t, g, node, result)
		}

		if err != nil || stop {
			return err
		}
	}

	return nil
}

func (e *Engine) process(ctx context.Context, t *turn, node *models.Node, processor protocol.Processor, input *models.Input) (*protocol.Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.step", trace.WithAttributes(otelhelper.NodeAttributes(node.ID, node.Type)...))
	defer span.End()

	result, err := processor.Process(ctx, node, view(t.session), input, e.deps)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if result == nil {
		return &protocol.Result{}, nil
	}

	return result, nil
}

// resolve returns the graph, node and processor under the cursor.
func (e *Engine) resolve(ctx context.Context, s *models.Session) (*graph.Graph, *models.Node, protocol.Processor, error) {
	g, err := e.catalog.Graph(ctx, s.ActiveFlowID())
	if err != nil {
		return nil, nil, nil, err
	}

	node, ok := g.Node(s.ActiveNodeID())
	if !ok {
		return nil, nil, nil, flowerr.Configuration("engine.resolve", s.ActiveNodeID(), ErrUnknownNode).
			WithNode(g.FlowID(), s.ActiveNodeID())
	}

	processor, err := e.registry.Get(node.Type)
	if err != nil {
		return nil, nil, nil, withNode(err, g.FlowID(), node.ID)
	}

	return g, node, processor, nil
}

// apply folds one processor result into the turn and moves the cursor. It
// reports whether the turn stops here.
func (e *Engine) apply(ctx context.Context, t *turn, g *graph.Graph, node *models.Node, result *protocol.Result) (bool, error) {
	if result.Rejection != nil {
		t.rejected = true
		t.messages = append(t.messages, stamp(node.ID, result.Messages)...)
		t.request = result.InputRequest

		return true, nil
	}

	work := view(t.session).Clone()
	if err := template.ApplyDelta(work, result.Delta); err != nil {
		return e.routeError(ctx, t, g, node, flowerr.Configuration("engine.apply", "applying state changes", err))
	}

	commitState(t.session, work)

	t.messages = append(t.messages, stamp(node.ID, result.Messages)...)

	switch {
	case result.Descend != nil:
		return e.descend(ctx, t, g, node, result.Descend)
	case result.Await == protocol.AwaitInput:
		t.session.ExecState = models.ExecAwaitingInput
		t.request = result.InputRequest

		if t.request == nil {
			t.request = &models.InputRequest{NodeID: node.ID, Kind: models.InputKindText}
		}

		return true, nil
	case result.Await == protocol.AwaitAsync:
		if len(result.SideEffects) != 1 {
			return e.routeError(ctx, t, g, node, flowerr.Configuration("engine.apply", fmt.Sprintf("%d side effects", len(result.SideEffects)), ErrTooManyEffects))
		}

		effect := result.SideEffects[0]
		t.session.ExecState = models.ExecAwaitingAsync
		t.task = &models.Task{
			FlowID:  g.FlowID(),
			Kind:    effect.Kind,
			Request: effect.Request,
			Policy:  effect.Policy,
		}

		return true, nil
	}

	return e.move(ctx, t, g, node, result.Next)
}

// move follows the selected connection. A flow without a matching
// connection ends: a sub-flow returns to its composite node, the top-level
// flow completes the session. Missing failure routes escalate instead.
func (e *Engine) move(ctx context.Context, t *turn, g *graph.Graph, node *models.Node, kind models.ConnectionKind) (bool, error) {
	if kind == "" {
		kind = models.ConnectionDefault
	}

	if target, ok := g.Next(node.ID, kind); ok {
		setCursor(t.session, target)
		t.session.ExecState = models.ExecRunnable

		return false, nil
	}

	if kind.IsErrorPath() {
		return e.escalate(ctx, t, &flowerr.Error{
			Kind:    failureKind(node, view(t.session)),
			Op:      "engine.move",
			FlowID:  g.FlowID(),
			NodeID:  node.ID,
			Message: "node selected " + string(kind) + " without a matching connection",
			Err:     flowerr.ErrMissingConnection,
		})
	}

	if len(t.session.Frames) > 0 {
		return e.ascend(ctx, t)
	}

	t.session.ExecState = models.ExecRunnable

	return true, e.machine.Complete(t.session)
}

// routeError handles an error raised while running node. Recoverable errors
// follow the node's failure connection when it has one.
func (e *Engine) routeError(ctx context.Context, t *turn, g *graph.Graph, node *models.Node, err error) (bool, error) {
	flowErr := withNode(err, g.FlowID(), node.ID)

	if !flowerr.IsRecoverable(flowErr) {
		return true, flowErr
	}

	e.logger.WarnContext(ctx, "node failed", "session_id", t.session.ID, "node_id", node.ID, "error", flowErr)

	t.session.LastError = &models.StepError{
		NodeID:     node.ID,
		Kind:       string(flowerr.KindOf(flowErr)),
		Message:    flowErr.Error(),
		OccurredAt: e.now(),
	}

	if target, ok := g.Next(node.ID, models.ConnectionFailure); ok {
		setCursor(t.session, target)
		t.session.ExecState = models.ExecRunnable

		return false, nil
	}

	return e.escalate(ctx, t, flowErr)
}

// escalate unwinds a failure with no route. Inside a composite the child
// scope is discarded and the composite node takes its error connection, or
// its failure connection; at the top level the turn fails.
func (e *Engine) escalate(ctx context.Context, t *turn, failure *flowerr.Error) (bool, error) {
	for len(t.session.Frames) > 0 {
		t.session.Frames = t.session.Frames[:len(t.session.Frames)-1]

		g, err := e.catalog.Graph(ctx, t.session.ActiveFlowID())
		if err != nil {
			return true, err
		}

		compositeID := t.session.ActiveNodeID()

		e.logger.InfoContext(ctx, "sub-flow failed, routing composite node", "session_id", t.session.ID, "node_id", compositeID, "error", failure)

		for _, kind := range []models.ConnectionKind{models.ConnectionError, models.ConnectionFailure} {
			if target, ok := g.Next(compositeID, kind); ok {
				t.session.LastError = &models.StepError{
					NodeID:     failure.NodeID,
					Kind:       string(failure.Kind),
					Message:    failure.Error(),
					OccurredAt: e.now(),
				}
				setCursor(t.session, target)
				t.session.ExecState = models.ExecRunnable

				return false, nil
			}
		}
	}

	return true, failure
}

func (e *Engine) descend(ctx context.Context, t *turn, g *graph.Graph, node *models.Node, descend *protocol.Descend) (bool, error) {
	if len(t.session.Frames) >= e.config.MaxDepth {
		return e.routeError(ctx, t, g, node, flowerr.Configuration("engine.descend", fmt.Sprintf("depth %d", e.config.MaxDepth), ErrMaxDepth))
	}

	childID := descend.FlowID
	if childID == "" {
		childID = models.EmbeddedFlowID(g.FlowID(), node.ID)
	}

	child, err := e.catalog.Graph(ctx, childID)
	if err != nil {
		return e.routeError(ctx, t, g, node, err)
	}

	input := template.CloneMap(descend.Input)
	if input == nil {
		input = map[string]any{}
	}

	t.session.Frames = append(t.session.Frames, models.Frame{
		FlowID:          child.FlowID(),
		CompositeNodeID: node.ID,
		NodeID:          child.Entry(),
		Scope: map[string]any{
			template.ScopeInput:  input,
			template.ScopeOutput: map[string]any{},
			template.ScopeLocal:  map[string]any{},
			template.ScopeTemp:   map[string]any{},
		},
	})
	t.session.ExecState = models.ExecRunnable

	return false, nil
}

// ascend pops the finished sub-flow and lets the composite node map its
// outputs onto the parent.
func (e *Engine) ascend(ctx context.Context, t *turn) (bool, error) {
	frame := t.session.Frames[len(t.session.Frames)-1]
	t.session.Frames = t.session.Frames[:len(t.session.Frames)-1]

	g, node, processor, err := e.resolve(ctx, t.session)
	if err != nil {
		return true, err
	}

	returner, ok := processor.(protocol.Returner)
	if !ok {
		return true, flowerr.Configuration("engine.ascend", string(node.Type), ErrNotResumable).WithNode(g.FlowID(), node.ID)
	}

	result, err := returner.Return(ctx, node, view(t.session), frame.Scope, e.deps)
	if err != nil {
		return e.routeError(ctx, t, g, node, err)
	}

	return e.apply(ctx, t, g, node, result)
}

// complete resumes the node that dispatched a side effect with its result.
func (e *Engine) complete(ctx context.Context, t *turn, result models.TaskResult) error {
	g, node, processor, err := e.resolve(ctx, t.session)
	if err != nil {
		return err
	}

	completer, ok := processor.(protocol.Completer)
	if !ok {
		return flowerr.Configuration("engine.complete", string(node.Type), ErrNotResumable).WithNode(g.FlowID(), node.ID)
	}

	outcome, err := completer.Complete(ctx, node, view(t.session), result, e.deps)

	var stop bool
	if err != nil {
		stop, err = e.routeError(ctx, t, g, node, err)
	} else {
		stop, err = e.apply(ctx, t, g, node, outcome)
	}

	if err != nil || stop {
		return err
	}

	return e.run(ctx, t, nil)
}

// failureKind classifies a failure path that has no connection.
func failureKind(node *models.Node, state *template.State) flowerr.Kind {
	switch node.Type {
	case models.NodeTypeWebhook:
		return flowerr.KindExternalCall
	case models.NodeTypeAction:
		actionType, _ := state.Lookup("temp.error.action_type")

		switch actionType {
		case string(models.ActionAPICall):
			return flowerr.KindExternalCall
		case string(models.ActionAggregate):
			return flowerr.KindExpression
		}
	case models.NodeTypeCondition:
		return flowerr.KindExpression
	}

	return flowerr.KindConfiguration
}

// withNode converts err to a *flowerr.Error carrying the node.
func withNode(err error, flowID, nodeID string) *flowerr.Error {
	var flowErr *flowerr.Error
	if errors.As(err, &flowErr) {
		return flowErr.WithNode(flowID, nodeID)
	}

	return &flowerr.Error{Kind: flowerr.KindOf(err), Op: "engine.step", FlowID: flowID, NodeID: nodeID, Err: err}
}

func stamp(nodeID string, messages []models.Message) []models.Message {
	for i := range messages {
		if messages[i].NodeID == "" {
			messages[i].NodeID = nodeID
		}
	}

	return messages
}
