// Package script provides the script node processor. Scripts are never run by
// the engine: the client executes them and reports the outputs as input.
package script

import (
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
)

type Processor struct{}

func New() protocol.Processor {
	return &Processor{}
}

func (p *Processor) Type() models.NodeType {
	return models.NodeTypeScript
}

func (p *Processor) Name() string {
	return "Script"
}

func (p *Processor) Description() string {
	return "Hands a script and its resolved inputs to the client for execution. The outputs the client reports are stored under temp."
}

func (p *Processor) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code":         map[string]any{"type": "string", "minLength": 1},
			"language":     map[string]any{"type": "string", "enum": []string{"javascript", "typescript"}, "default": "javascript"},
			"sandbox":      map[string]any{"type": "string", "enum": []string{"strict", "permissive"}, "default": "strict"},
			"inputs":       map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
			"outputs":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"dependencies": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"timeout":      map[string]any{"type": "integer", "minimum": 0, "description": "Milliseconds.", "default": 5000},
			"description":  map[string]any{"type": "string"},
		},
		"required": []string{"code"},
		"examples": []map[string]any{
			{
				"code":    "outputs.score = inputs.answers.filter(a => a.correct).length",
				"inputs":  map[string]any{"answers": "temp.answers"},
				"outputs": []string{"score"},
			},
		},
	}
}

func (p *Processor) Connections(_ *models.Node) []models.ConnectionKind {
	return []models.ConnectionKind{models.ConnectionDefault}
}
