// Package message provides the message node processor.
package message

import (
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
)

// Processor renders outbound messages. It never mutates state.
type Processor struct{}

func New() protocol.Processor {
	return &Processor{}
}

func (p *Processor) Type() models.NodeType {
	return models.NodeTypeMessage
}

func (p *Processor) Name() string {
	return "Message"
}

func (p *Processor) Description() string {
	return "Sends one or more messages built from literal text or CMS content, then follows the default connection."
}

func (p *Processor) Schema() map[string]any {
	part := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":       map[string]any{"type": "string"},
			"content_id": map[string]any{"type": "string"},
			"delay":      map[string]any{"type": "number", "minimum": 0},
		},
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":       map[string]any{"type": "string", "description": "Literal text; may contain {{scope.path}} references."},
			"content_id": map[string]any{"type": "string", "description": "Content item whose text is sent."},
			"messages":   map[string]any{"type": "array", "items": part},
			"random": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":        map[string]any{"type": "string"},
					"tags":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"filters":     map[string]any{"type": "object"},
					"exclude_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"count":       map[string]any{"type": "integer", "minimum": 0},
				},
				"required": []string{"type"},
			},
			"message_type":     map[string]any{"type": "string"},
			"typing_indicator": map[string]any{"type": "boolean"},
			"wait_for_ack":     map[string]any{"type": "boolean"},
		},
		"anyOf": []any{
			map[string]any{"required": []string{"text"}},
			map[string]any{"required": []string{"content_id"}},
			map[string]any{"required": []string{"messages"}},
			map[string]any{"required": []string{"random"}},
		},
		"examples": []map[string]any{
			{"text": "Hi {{user.name}}!"},
			{"messages": []map[string]any{{"text": "Let's start."}, {"content_id": "welcome", "delay": 1.5}}},
			{"random": map[string]any{"type": "joke", "tags": []string{"animals"}}},
		},
	}
}

func (p *Processor) Connections(_ *models.Node) []models.ConnectionKind {
	return []models.ConnectionKind{models.ConnectionDefault}
}
