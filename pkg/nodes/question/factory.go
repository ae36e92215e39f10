// Package question provides the question node processor.
package question

import (
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
)

// Processor asks for input, validates the answer and stores it.
type Processor struct{}

func New() protocol.Processor {
	return &Processor{}
}

func (p *Processor) Type() models.NodeType {
	return models.NodeTypeQuestion
}

func (p *Processor) Name() string {
	return "Question"
}

func (p *Processor) Description() string {
	return "Prompts the user, validates the answer against the declared constraints and stores it at a variable path."
}

func (p *Processor) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt":     map[string]any{"type": "string"},
			"content_id": map[string]any{"type": "string"},
			"variable": map[string]any{
				"type":        "string",
				"description": "Path the answer is stored at; unscoped names are stored under temp.",
			},
			"input_type": map[string]any{"type": "string", "enum": []string{"text", "number", "email", "choice", "boolean"}},
			"required":   map[string]any{"type": "boolean"},
			"min_length": map[string]any{"type": "integer", "minimum": 0},
			"max_length": map[string]any{"type": "integer", "minimum": 0},
			"min":        map[string]any{"type": "number"},
			"max":        map[string]any{"type": "number"},
			"pattern":    map[string]any{"type": "string", "format": "regex"},
			"options": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"value":   map[string]any{"type": "string"},
						"label":   map[string]any{"type": "string"},
						"payload": map[string]any{"type": "string"},
					},
					"required": []string{"value"},
				},
			},
			"error_message": map[string]any{"type": "string"},
		},
		"required": []string{"variable"},
		"examples": []map[string]any{
			{"prompt": "What's your name?", "variable": "name", "required": true, "max_length": 40},
			{"prompt": "Pick one", "variable": "temp.genre", "input_type": "choice", "options": []map[string]any{{"value": "fantasy"}, {"value": "mystery"}}},
		},
	}
}

// Connections includes option-0 and option-1 for choice questions: picking the
// first or second option selects them, other answers select default.
func (p *Processor) Connections(node *models.Node) []models.ConnectionKind {
	kinds := []models.ConnectionKind{models.ConnectionDefault}

	content, ok := node.Content.(*models.QuestionContent)
	if !ok || len(content.Options) == 0 {
		return kinds
	}

	kinds = append(kinds, models.ConnectionOption0)
	if len(content.Options) > 1 {
		kinds = append(kinds, models.ConnectionOption1)
	}

	return kinds
}
