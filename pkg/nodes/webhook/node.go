package webhook

import (
	"context"
	"errors"
	"net/http"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
)

// PolicyPrefix names the per-URL breaker used when no policy is configured.
const PolicyPrefix = "webhook_"

var ErrMissingURL = errors.New("webhook needs a url")

func (p *Processor) Validate(node *models.Node, deps protocol.Deps) error {
	content, err := protocol.Content[*models.WebhookContent](node)
	if err != nil {
		return err
	}

	if content.URL == "" {
		return ErrMissingURL
	}

	if !template.HasReferences(content.URL) {
		if err := nodes.CheckURL(content.URL); err != nil {
			return err
		}
	}

	texts := []string{content.URL}
	for _, value := range content.Headers {
		texts = append(texts, value)
	}

	if err := nodes.CheckTemplates(texts...); err != nil {
		return err
	}

	for target := range content.FallbackResponse {
		if err := template.NewState(nil).Writable(template.QualifyPath(target)); err != nil {
			return err
		}
	}

	return nil
}

// Process resolves the request and hands it to the orchestrator. When the
// breaker for the call is open nothing is dispatched and the node completes
// as failed.
func (p *Processor) Process(ctx context.Context, node *models.Node, state *template.State, input *models.Input, deps protocol.Deps) (*protocol.Result, error) {
	content, err := protocol.Content[*models.WebhookContent](node)
	if err != nil {
		return nil, flowerr.Configuration("webhook.Process", "", err)
	}

	request, err := nodes.BuildCall(ctx, deps, content.CallSpec, http.MethodPost, state)
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.WarnContext(ctx, "webhook request could not be built", "node_id", node.ID, "error", err)
		}

		return fallback(content), nil
	}

	policy := Policy(content, request.URL)
	if deps.Breakers != nil && deps.Breakers.IsOpen(policy) {
		if deps.Logger != nil {
			deps.Logger.InfoContext(ctx, "circuit open, skipping webhook", "node_id", node.ID, "policy", policy)
		}

		return fallback(content), nil
	}

	return &protocol.Result{
		Await: protocol.AwaitAsync,
		SideEffects: []models.SideEffect{{
			Kind:    models.SideEffectWebhook,
			Request: request,
			Policy:  policy,
		}},
	}, nil
}

// Complete maps a successful response or applies the fallback.
func (p *Processor) Complete(ctx context.Context, node *models.Node, state *template.State, result models.TaskResult, deps protocol.Deps) (*protocol.Result, error) {
	content, err := protocol.Content[*models.WebhookContent](node)
	if err != nil {
		return nil, flowerr.Configuration("webhook.Complete", "", err)
	}

	if !result.Success {
		return fallback(content), nil
	}

	return &protocol.Result{
		Delta: nodes.MapResponse(result.Body, content.ResponseMapping),
		Next:  models.ConnectionSuccess,
	}, nil
}

// Policy returns the breaker policy guarding a webhook call.
func Policy(content *models.WebhookContent, url string) string {
	if content.CircuitBreaker != "" {
		return content.CircuitBreaker
	}

	return PolicyPrefix + url
}

func fallback(content *models.WebhookContent) *protocol.Result {
	if len(content.FallbackResponse) == 0 {
		return &protocol.Result{Next: models.ConnectionFailure}
	}

	var delta models.Delta
	for _, target := range nodes.SortedKeys(content.FallbackResponse) {
		delta.Set(template.QualifyPath(target), template.Clone(content.FallbackResponse[target]))
	}

	return &protocol.Result{Delta: delta, Next: models.ConnectionFallback}
}
