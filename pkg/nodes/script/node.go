package script

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
)

const (
	defaultLanguage = "javascript"
	defaultSandbox  = "strict"
	defaultTimeout  = 5000
)

var ErrMissingCode = errors.New("script needs code")

func (p *Processor) Validate(node *models.Node, deps protocol.Deps) error {
	content, err := protocol.Content[*models.ScriptContent](node)
	if err != nil {
		return err
	}

	if strings.TrimSpace(content.Code) == "" {
		return ErrMissingCode
	}

	for name, source := range content.Inputs {
		if err := nodes.CheckTemplates(source); err != nil {
			return fmt.Errorf("input %s: %w", name, err)
		}
	}

	for _, output := range content.Outputs {
		if strings.TrimSpace(output) == "" || strings.Contains(output, ".") {
			return fmt.Errorf("output %q must be a plain name", output)
		}
	}

	return nil
}

// Process returns the script to run on entry and stores the reported outputs
// on resume. Values for undeclared outputs are ignored.
func (p *Processor) Process(ctx context.Context, node *models.Node, state *template.State, input *models.Input, deps protocol.Deps) (*protocol.Result, error) {
	content, err := protocol.Content[*models.ScriptContent](node)
	if err != nil {
		return nil, flowerr.Configuration("script.Process", "", err)
	}

	if input != nil {
		var delta models.Delta

		for _, output := range content.Outputs {
			value, ok := input.Values[output]
			if !ok {
				continue
			}

			delta.Set(template.ScopeTemp+"."+output, template.Clone(value))
		}

		return &protocol.Result{Delta: delta, Next: models.ConnectionDefault}, nil
	}

	inputs, err := nodes.BindInputs(ctx, deps, content.Inputs, state)
	if err != nil {
		return nil, flowerr.Configuration("script.Process", "inputs", err)
	}

	return &protocol.Result{
		Await: protocol.AwaitInput,
		InputRequest: &models.InputRequest{
			NodeID: node.ID,
			Kind:   models.InputKindScript,
			Script: payload(content, inputs),
		},
	}, nil
}

func payload(content *models.ScriptContent, inputs map[string]any) map[string]any {
	language := content.Language
	if language == "" {
		language = defaultLanguage
	}

	sandbox := content.Sandbox
	if sandbox == "" {
		sandbox = defaultSandbox
	}

	timeout := content.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	outputs := content.Outputs
	if outputs == nil {
		outputs = []string{}
	}

	dependencies := content.Dependencies
	if dependencies == nil {
		dependencies = []string{}
	}

	return map[string]any{
		"code":         content.Code,
		"language":     language,
		"sandbox":      sandbox,
		"inputs":       inputs,
		"outputs":      outputs,
		"dependencies": dependencies,
		"timeout":      timeout,
		"description":  content.Description,
	}
}
