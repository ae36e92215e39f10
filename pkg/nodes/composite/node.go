package composite

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

var ErrFlowSource = errors.New("composite needs exactly one of flow_id or flow")

func (p *Processor) Validate(node *models.Node, deps protocol.Deps) error {
	content, err := protocol.Content[*models.CompositeContent](node)
	if err != nil {
		return err
	}

	if (content.FlowID == "") == (content.Flow == nil) {
		return ErrFlowSource
	}

	for name, source := range content.Inputs {
		if err := nodes.CheckTemplates(source); err != nil {
			return fmt.Errorf("input %s: %w", name, err)
		}
	}

	for name, target := range content.Outputs {
		scope := template.SplitPath(template.QualifyPath(target))[0]
		if scope == template.ScopeContext || scope == template.ScopeInput {
			return fmt.Errorf("output %s: %w: %s", name, flowerr.ErrScopeNotWritable, scope)
		}
	}

	return nil
}

// Process binds the inputs and asks the orchestrator to descend into the
// sub-flow. An empty FlowID refers to the flow embedded in this node.
func (p *Processor) Process(ctx context.Context, node *models.Node, state *template.State, input *models.Input, deps protocol.Deps) (*protocol.Result, error) {
	content, err := protocol.Content[*models.CompositeContent](node)
	if err != nil {
		return nil, flowerr.Configuration("composite.Process", "", err)
	}

	bound, err := nodes.BindInputs(ctx, deps, content.Inputs, state)
	if err != nil {
		return nil, flowerr.Configuration("composite.Process", "inputs", err)
	}

	return &protocol.Result{Descend: &protocol.Descend{FlowID: content.FlowID, Input: bound}}, nil
}

// Return copies the declared outputs of the finished child scope to the parent.
// Outputs the child never wrote are skipped.
func (p *Processor) Return(ctx context.Context, node *models.Node, state *template.State, child map[string]any, deps protocol.Deps) (*protocol.Result, error) {
	content, err := protocol.Content[*models.CompositeContent](node)
	if err != nil {
		return nil, flowerr.Configuration("composite.Return", "", err)
	}

	outputs, _ := child[template.ScopeOutput].(map[string]any)

	var delta models.Delta

	for _, name := range nodes.SortedKeys(content.Outputs) {
		value, ok := template.GetPath(outputs, name)
		if !ok || value == nil {
			continue
		}

		target := template.QualifyPath(content.Outputs[name])
		if err := state.Writable(target); err != nil {
			return nil, flowerr.Configuration("composite.Return", "output "+name, err)
		}

		delta.Set(target, template.Clone(value))
	}

	return &protocol.Result{Delta: delta, Next: models.ConnectionComplete}, nil
}
