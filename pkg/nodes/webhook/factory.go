// Package webhook provides the webhook node processor.
package webhook

import (
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
)

// Processor emits an outbound HTTP call as a side effect and maps its response.
type Processor struct{}

func New() protocol.Processor {
	return &Processor{}
}

func (p *Processor) Type() models.NodeType {
	return models.NodeTypeWebhook
}

func (p *Processor) Name() string {
	return "Webhook"
}

func (p *Processor) Description() string {
	return "Calls an external HTTP endpoint in the background behind a circuit breaker. The response is mapped into state; failures use the fallback response when one is configured."
}

func (p *Processor) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":     map[string]any{"type": "string", "minLength": 1, "description": "Target URL; may contain {{scope.path}} references."},
			"method":  map[string]any{"type": "string", "enum": []string{"GET", "POST", "PUT", "PATCH", "DELETE"}, "default": "POST"},
			"headers": map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
			"body":    map[string]any{},
			"timeout": map[string]any{"type": "number", "minimum": 0, "maximum": 300, "default": 30},
			"response_mapping": map[string]any{
				"type":                 "object",
				"description":          "Target variable path to response path, e.g. {\"temp.order_id\": \"$.data.id\"}.",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"fallback_response": map[string]any{"type": "object"},
			"circuit_breaker":   map[string]any{"type": "string", "description": "Breaker policy name; defaults to one breaker per URL."},
		},
		"required": []string{"url"},
		"examples": []map[string]any{
			{
				"url":              "https://hooks.example.com/orders",
				"body":             map[string]any{"user": "{{user.id}}", "items": "{{temp.cart}}"},
				"response_mapping": map[string]any{"temp.order_id": "$.data.id"},
				"fallback_response": map[string]any{
					"temp.order_id": nil,
				},
			},
		},
	}
}

func (p *Processor) Connections(node *models.Node) []models.ConnectionKind {
	kinds := []models.ConnectionKind{models.ConnectionSuccess, models.ConnectionFailure}

	if content, ok := node.Content.(*models.WebhookContent); ok && len(content.FallbackResponse) > 0 {
		kinds = append(kinds, models.ConnectionFallback)
	}

	return kinds
}
