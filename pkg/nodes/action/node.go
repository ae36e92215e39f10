package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dukex/chatflow/pkg/expression"
	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
)

// ErrorVariable receives the details of a failed action.
const ErrorVariable = "temp.error"

var (
	ErrMultipleAPICalls = errors.New("action node allows at most one api_call")
	ErrMissingVariable  = errors.New("action needs a variable")
	ErrMissingRequest   = errors.New("api_call needs a request with a url")
	ErrMissingTarget    = errors.New("aggregate needs a target")
	ErrMissingSource    = errors.New("aggregate needs an expression or a source")
	ErrNotNumeric       = errors.New("variable is not numeric")
	ErrCallFailed       = errors.New("api call failed")
	ErrNoPendingCall    = errors.New("action node has no api_call to complete")
)

func (p *Processor) Validate(node *models.Node, deps protocol.Deps) error {
	content, err := protocol.Content[*models.ActionContent](node)
	if err != nil {
		return err
	}

	if len(content.Actions) == 0 {
		return errors.New("action node needs at least one action")
	}

	evaluator, err := nodes.Evaluator(deps)
	if err != nil {
		return err
	}

	calls := 0

	for i := range content.Actions {
		action := &content.Actions[i]

		if err := validateAction(action, evaluator); err != nil {
			return fmt.Errorf("action %d (%s): %w", i, action.Type, err)
		}

		if action.Type == models.ActionAPICall {
			calls++
		}
	}

	if calls > 1 {
		return ErrMultipleAPICalls
	}

	return nil
}

func validateAction(action *models.Action, evaluator *expression.Evaluator) error {
	switch action.Type {
	case models.ActionSetVariable, models.ActionIncrement, models.ActionDecrement, models.ActionDeleteVariable:
		if action.Variable == "" {
			return ErrMissingVariable
		}

		if text, ok := action.Value.(string); ok {
			return nodes.CheckTemplates(text)
		}

		return nil
	case models.ActionAggregate:
		if aggregateTarget(action) == "" {
			return ErrMissingTarget
		}

		expr, err := aggregateExpression(action)
		if err != nil {
			return err
		}

		return evaluator.Check(expr)
	case models.ActionAPICall:
		if action.Request == nil || action.Request.URL == "" {
			return ErrMissingRequest
		}

		if !template.HasReferences(action.Request.URL) {
			if err := nodes.CheckURL(action.Request.URL); err != nil {
				return err
			}
		}

		texts := []string{action.Request.URL}
		for _, value := range action.Request.Headers {
			texts = append(texts, value)
		}

		return nodes.CheckTemplates(texts...)
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

// Process runs the actions in order. Changes are atomic per node: when an
// action fails its predecessors' changes are discarded, temp.error describes
// the failure and the failure connection is selected. An api_call ends the
// run; the changes made before it are kept and Complete resumes after it.
func (p *Processor) Process(ctx context.Context, node *models.Node, state *template.State, input *models.Input, deps protocol.Deps) (*protocol.Result, error) {
	content, err := protocol.Content[*models.ActionContent](node)
	if err != nil {
		return nil, flowerr.Configuration("action.Process", "", err)
	}

	return p.run(ctx, node, content, state, 0, nil, deps)
}

// Complete stores the API response and runs the actions that follow the call.
func (p *Processor) Complete(ctx context.Context, node *models.Node, state *template.State, result models.TaskResult, deps protocol.Deps) (*protocol.Result, error) {
	content, err := protocol.Content[*models.ActionContent](node)
	if err != nil {
		return nil, flowerr.Configuration("action.Complete", "", err)
	}

	index, call := content.APICall()
	if call == nil {
		return nil, flowerr.Configuration("action.Complete", node.ID, ErrNoPendingCall)
	}

	if !result.Success {
		reason := result.Error
		if reason == "" {
			reason = fmt.Sprintf("status %d", result.StatusCode)
		}

		return failure(node, index, call, fmt.Errorf("%w: %s", ErrCallFailed, reason)), nil
	}

	var delta models.Delta

	if call.ResponseVariable != "" {
		delta.Set(template.QualifyPath(call.ResponseVariable), template.Clone(result.Body))
	}

	delta = append(delta, nodes.MapResponse(result.Body, call.ResponseMapping)...)

	return p.run(ctx, node, content, state, index+1, delta, deps)
}

func (p *Processor) run(
	ctx context.Context,
	node *models.Node,
	content *models.ActionContent,
	state *template.State,
	start int,
	delta models.Delta,
	deps protocol.Deps,
) (*protocol.Result, error) {
	work := state.Clone()

	if err := template.ApplyDelta(work, delta); err != nil {
		return failure(node, start-1, &content.Actions[start-1], err), nil
	}

	for i := start; i < len(content.Actions); i++ {
		action := &content.Actions[i]

		if action.Type == models.ActionAPICall {
			effect, err := apiCall(ctx, action, work, deps)
			if err != nil {
				return failure(node, i, action, err), nil
			}

			return &protocol.Result{
				Delta:       delta,
				Await:       protocol.AwaitAsync,
				SideEffects: []models.SideEffect{effect},
			}, nil
		}

		ops, err := apply(ctx, action, work, deps)
		if err == nil {
			err = template.ApplyDelta(work, ops)
		}

		if err != nil {
			return failure(node, i, action, err), nil
		}

		delta = append(delta, ops...)
	}

	return &protocol.Result{Delta: delta, Next: models.ConnectionSuccess}, nil
}

func apply(ctx context.Context, action *models.Action, work *template.State, deps protocol.Deps) (models.Delta, error) {
	var delta models.Delta

	switch action.Type {
	case models.ActionSetVariable:
		path := template.QualifyPath(action.Variable)

		value, err := nodes.SubstituteObject(ctx, deps, action.Value, work)
		if err != nil {
			return nil, err
		}

		delta.Set(path, template.Clone(value))
	case models.ActionIncrement, models.ActionDecrement:
		path := template.QualifyPath(action.Variable)

		current, err := numericValue(work, path)
		if err != nil {
			return nil, err
		}

		amount := 1.0
		if action.Amount != nil {
			amount = *action.Amount
		}

		if action.Type == models.ActionDecrement {
			amount = -amount
		}

		delta.Set(path, current+amount)
	case models.ActionDeleteVariable:
		delta.Delete(template.QualifyPath(action.Variable))
	case models.ActionAggregate:
		evaluator, err := nodes.Evaluator(deps)
		if err != nil {
			return nil, err
		}

		expr, err := aggregateExpression(action)
		if err != nil {
			return nil, flowerr.Configuration("action.aggregate", "", err)
		}

		value, err := evaluator.Evaluate(expr, work)
		if err != nil {
			return nil, flowerr.Expression("action.aggregate", expr, err)
		}

		if value != nil {
			delta.Set(template.QualifyPath(aggregateTarget(action)), value)
		}
	default:
		return nil, flowerr.Configuration("action.apply", "", fmt.Errorf("unknown action type %q", action.Type))
	}

	return delta, nil
}

func apiCall(ctx context.Context, action *models.Action, work *template.State, deps protocol.Deps) (models.SideEffect, error) {
	if action.Request == nil {
		return models.SideEffect{}, flowerr.Configuration("action.api_call", "", ErrMissingRequest)
	}

	request, err := nodes.BuildCall(ctx, deps, *action.Request, http.MethodGet, work)
	if err != nil {
		return models.SideEffect{}, err
	}

	policy := "api_call_" + request.URL
	if deps.Breakers != nil && deps.Breakers.IsOpen(policy) {
		return models.SideEffect{}, flowerr.ExternalCall("action.api_call", request.URL, flowerr.ErrCircuitOpen)
	}

	return models.SideEffect{Kind: models.SideEffectAPICall, Request: request, Policy: policy}, nil
}

func failure(node *models.Node, index int, action *models.Action, err error) *protocol.Result {
	var delta models.Delta

	delta.Set(ErrorVariable, map[string]any{
		"node_id":      node.ID,
		"action_index": float64(index),
		"action_type":  string(action.Type),
		"message":      err.Error(),
	})

	return &protocol.Result{Delta: delta, Next: models.ConnectionFailure}
}

func numericValue(state *template.State, path string) (float64, error) {
	value, ok := state.Lookup(path)
	if !ok || value == nil {
		return 0, nil
	}

	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("%w: %s is %T", ErrNotNumeric, path, value)
	}
}

func aggregateTarget(action *models.Action) string {
	if action.Target != "" {
		return action.Target
	}

	return action.Variable
}

func aggregateExpression(action *models.Action) (string, error) {
	if action.Expression != "" {
		return action.Expression, nil
	}

	if action.Source == "" {
		return "", ErrMissingSource
	}

	return expression.LegacyAggregate(action.Source, action.Field, action.Operation, action.MergeStrategy)
}
