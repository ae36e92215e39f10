package condition

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
)

var (
	ErrNoConditions  = errors.New("condition node needs at least one condition")
	ErrNoDefaultPath = errors.New("condition node needs a default_path")
)

func (p *Processor) Validate(node *models.Node, deps protocol.Deps) error {
	content, err := protocol.Content[*models.ConditionContent](node)
	if err != nil {
		return err
	}

	if len(content.Conditions) == 0 {
		return ErrNoConditions
	}

	if content.DefaultPath == "" {
		return ErrNoDefaultPath
	}

	if _, err := models.ResolveTarget(string(content.DefaultPath)); err != nil {
		return fmt.Errorf("default_path: %w", err)
	}

	evaluator, err := nodes.Evaluator(deps)
	if err != nil {
		return err
	}

	for i, branch := range content.Conditions {
		if branch.If.IsZero() {
			return fmt.Errorf("condition %d: empty predicate", i)
		}

		if _, err := models.ResolveTarget(branch.Then); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}

		if err := evaluator.CheckPredicate(branch.If); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}

	return nil
}

// Process evaluates the branches in order. An evaluation error stops the scan
// and is returned as an expression error for the orchestrator to route.
func (p *Processor) Process(ctx context.Context, node *models.Node, state *template.State, input *models.Input, deps protocol.Deps) (*protocol.Result, error) {
	content, err := protocol.Content[*models.ConditionContent](node)
	if err != nil {
		return nil, flowerr.Configuration("condition.Process", "", err)
	}

	evaluator, err := nodes.Evaluator(deps)
	if err != nil {
		return nil, err
	}

	for i, branch := range content.Conditions {
		matched, err := evaluator.EvaluatePredicate(branch.If, state)
		if err != nil {
			return nil, flowerr.Expression("condition.Process", fmt.Sprintf("condition %d", i), err)
		}

		if !matched {
			continue
		}

		next, err := models.ResolveTarget(branch.Then)
		if err != nil {
			return nil, flowerr.Configuration("condition.Process", fmt.Sprintf("condition %d", i), err)
		}

		return &protocol.Result{Next: next}, nil
	}

	if content.DefaultPath == "" {
		return nil, flowerr.Configuration("condition.Process", "no condition matched", ErrNoDefaultPath)
	}

	next, err := models.ResolveTarget(string(content.DefaultPath))
	if err != nil {
		return nil, flowerr.Configuration("condition.Process", "default_path", err)
	}

	return &protocol.Result{Next: next}, nil
}
