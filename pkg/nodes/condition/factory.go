// Package condition provides the condition node processor.
package condition

import (
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
)

// Processor routes to the target of the first predicate that holds.
type Processor struct{}

func New() protocol.Processor {
	return &Processor{}
}

func (p *Processor) Type() models.NodeType {
	return models.NodeTypeCondition
}

func (p *Processor) Name() string {
	return "Condition"
}

func (p *Processor) Description() string {
	return "Evaluates an ordered list of predicates against the session state. The first one that holds selects its connection, otherwise the default path is used."
}

func (p *Processor) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"conditions": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"if": map[string]any{
							"description": "Expression string or legacy condition object.",
							"oneOf": []any{
								map[string]any{"type": "string", "minLength": 1},
								map[string]any{"type": "object"},
							},
						},
						"then": map[string]any{"type": "string", "minLength": 1},
					},
					"required": []string{"if", "then"},
				},
			},
			"default_path": map[string]any{"type": "string", "minLength": 1},
		},
		"required": []string{"conditions", "default_path"},
		"examples": []map[string]any{
			{
				"conditions": []map[string]any{
					{"if": "user.age >= 18", "then": "option-0"},
					{"if": map[string]any{"var": "user.age", "lt": 18}, "then": "$1"},
				},
				"default_path": "default",
			},
		},
	}
}

// Connections lists the default path followed by every branch target, once each.
func (p *Processor) Connections(node *models.Node) []models.ConnectionKind {
	content, ok := node.Content.(*models.ConditionContent)
	if !ok {
		return nil
	}

	var kinds []models.ConnectionKind

	seen := map[models.ConnectionKind]bool{}
	add := func(target string) {
		kind, err := models.ResolveTarget(target)
		if err != nil || seen[kind] {
			return
		}

		seen[kind] = true
		kinds = append(kinds, kind)
	}

	add(string(content.DefaultPath))

	for _, branch := range content.Conditions {
		add(branch.Then)
	}

	return kinds
}
