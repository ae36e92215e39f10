// Package composite provides the composite node processor.
package composite

import (
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
)

// Processor runs a sub-flow in an isolated scope and maps its outputs back.
type Processor struct{}

func New() protocol.Processor {
	return &Processor{}
}

func (p *Processor) Type() models.NodeType {
	return models.NodeTypeComposite
}

func (p *Processor) Name() string {
	return "Composite"
}

func (p *Processor) Description() string {
	return "Runs a published sub-flow or an embedded graph with its own input, output, local and temp scopes. Declared outputs are copied back to the parent when the sub-flow ends."
}

func (p *Processor) Schema() map[string]any {
	flow := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"entry_node_id": map[string]any{"type": "string", "minLength": 1},
			"nodes":         map[string]any{"type": "array", "minItems": 1},
			"connections":   map[string]any{"type": []string{"array", "null"}},
		},
		"required": []string{"entry_node_id", "nodes"},
	}

	bindings := map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"flow_id": map[string]any{"type": "string", "description": "Published flow to run."},
			"flow":    flow,
			"inputs":  bindings,
			"outputs": bindings,
		},
		"oneOf": []any{
			map[string]any{"required": []string{"flow_id"}},
			map[string]any{"required": []string{"flow"}},
		},
		"examples": []map[string]any{
			{
				"flow_id": "collect-address",
				"inputs":  map[string]any{"country": "user.country"},
				"outputs": map[string]any{"address": "user.address"},
			},
		},
	}
}

func (p *Processor) Connections(_ *models.Node) []models.ConnectionKind {
	return []models.ConnectionKind{models.ConnectionComplete, models.ConnectionError}
}
