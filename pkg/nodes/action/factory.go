// Package action provides the action node processor.
package action

import (
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
)

// Processor runs an ordered list of state mutations and at most one API call.
type Processor struct{}

func New() protocol.Processor {
	return &Processor{}
}

func (p *Processor) Type() models.NodeType {
	return models.NodeTypeAction
}

func (p *Processor) Name() string {
	return "Action"
}

func (p *Processor) Description() string {
	return "Sets, increments, decrements, deletes or aggregates variables in order. An api_call action is dispatched in the background and the remaining actions run once its response arrives."
}

func (p *Processor) Schema() map[string]any {
	request := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":     map[string]any{"type": "string", "minLength": 1},
			"method":  map[string]any{"type": "string", "enum": []string{"GET", "POST", "PUT", "PATCH", "DELETE"}},
			"headers": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
			"body":    map[string]any{},
			"timeout": map[string]any{"type": "number", "minimum": 0, "maximum": 300},
		},
		"required": []string{"url"},
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"actions": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type": map[string]any{
							"type": "string",
							"enum": []string{"set_variable", "increment", "decrement", "delete_variable", "aggregate", "api_call"},
						},
						"variable":          map[string]any{"type": "string"},
						"value":             map[string]any{},
						"amount":            map[string]any{"type": "number"},
						"expression":        map[string]any{"type": "string"},
						"target":            map[string]any{"type": "string"},
						"source":            map[string]any{"type": "string"},
						"field":             map[string]any{"type": "string"},
						"operation":         map[string]any{"type": "string", "enum": []string{"sum", "avg", "max", "min", "count", "merge", "collect"}},
						"merge_strategy":    map[string]any{"type": "string", "enum": []string{"sum", "max", "last"}},
						"request":           request,
						"response_variable": map[string]any{"type": "string"},
						"response_mapping":  map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
					},
					"required": []string{"type"},
				},
			},
		},
		"required": []string{"actions"},
		"examples": []map[string]any{
			{
				"actions": []map[string]any{
					{"type": "set_variable", "variable": "temp.greeting", "value": "Hello {{user.name}}"},
					{"type": "increment", "variable": "user.visits"},
					{"type": "aggregate", "expression": "sum(temp.scores)", "target": "temp.total"},
				},
			},
			{
				"actions": []map[string]any{
					{
						"type":              "api_call",
						"request":           map[string]any{"url": "https://api.example.com/books?level={{user.level}}"},
						"response_variable": "temp.books",
					},
				},
			},
		},
	}
}

func (p *Processor) Connections(_ *models.Node) []models.ConnectionKind {
	return []models.ConnectionKind{models.ConnectionSuccess, models.ConnectionFailure}
}
