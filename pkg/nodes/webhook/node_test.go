package webhook

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type openBreakers map[string]bool

func (b openBreakers) IsOpen(policy string) bool { return b[policy] }

func webhookNode(c *models.WebhookContent) *models.Node {
	return &models.Node{ID: "notify", Type: models.NodeTypeWebhook, Content: c}
}

func orderWebhook() *models.WebhookContent {
	return &models.WebhookContent{
		CallSpec: models.CallSpec{
			URL:     "https://hooks.example.com/users/{{user.id}}/orders",
			Headers: map[string]string{"X-Session": "{{context.session_id}}"},
			Body:    map[string]any{"items": "{{temp.cart}}", "note": "for {{user.name}}"},
		},
		ResponseMapping: map[string]string{
			"temp.order_id": "$.data.id",
			"user.last":     "$.data.items.0",
			"temp.missing":  "$.nope",
		},
	}
}

func orderState() *template.State {
	return template.NewState(map[string]any{
		"user":    map[string]any{"id": "u-1", "name": "Alex"},
		"temp":    map[string]any{"cart": []any{"book"}},
		"context": map[string]any{"session_id": "s-9"},
	})
}

func TestProcess_EmitsSideEffect(t *testing.T) {
	result, err := New().Process(context.Background(), webhookNode(orderWebhook()), orderState(), nil, protocol.Deps{})
	require.NoError(t, err)

	assert.Equal(t, protocol.AwaitAsync, result.Await)
	assert.Empty(t, result.Delta)
	require.Len(t, result.SideEffects, 1)

	effect := result.SideEffects[0]
	assert.Equal(t, models.SideEffectWebhook, effect.Kind)
	assert.Equal(t, "webhook_https://hooks.example.com/users/u-1/orders", effect.Policy)
	assert.Equal(t, http.MethodPost, effect.Request.Method)
	assert.Equal(t, 30*time.Second, effect.Request.Timeout)
	assert.Equal(t, "s-9", effect.Request.Headers["X-Session"])
	assert.Equal(t, map[string]any{"items": []any{"book"}, "note": "for Alex"}, effect.Request.Body)
}

func TestProcess_NamedPolicyAndTimeoutCap(t *testing.T) {
	content := orderWebhook()
	content.CircuitBreaker = "orders"
	content.Timeout = 900

	result, err := New().Process(context.Background(), webhookNode(content), orderState(), nil, protocol.Deps{})
	require.NoError(t, err)
	require.Len(t, result.SideEffects, 1)
	assert.Equal(t, "orders", result.SideEffects[0].Policy)
	assert.Equal(t, 300*time.Second, result.SideEffects[0].Request.Timeout)
}

func TestProcess_OpenBreaker(t *testing.T) {
	deps := protocol.Deps{Breakers: openBreakers{"webhook_https://hooks.example.com/users/u-1/orders": true}}

	t.Run("without fallback", func(t *testing.T) {
		result, err := New().Process(context.Background(), webhookNode(orderWebhook()), orderState(), nil, deps)
		require.NoError(t, err)
		assert.Empty(t, result.SideEffects)
		assert.Equal(t, models.ConnectionFailure, result.Next)
	})

	t.Run("with fallback", func(t *testing.T) {
		content := orderWebhook()
		content.FallbackResponse = map[string]any{"order_status": "unknown"}

		result, err := New().Process(context.Background(), webhookNode(content), orderState(), nil, deps)
		require.NoError(t, err)
		assert.Empty(t, result.SideEffects)
		assert.Equal(t, models.ConnectionFallback, result.Next)
		assert.Equal(t, models.Delta{{Op: models.DeltaSet, Path: "temp.order_status", Value: "unknown"}}, result.Delta)
	})
}

func TestComplete(t *testing.T) {
	completer := New().(protocol.Completer)
	body := map[string]any{"data": map[string]any{"id": "o-42", "items": []any{"book"}}}

	t.Run("success maps response", func(t *testing.T) {
		state := orderState()

		result, err := completer.Complete(context.Background(), webhookNode(orderWebhook()), state, models.TaskResult{Success: true, StatusCode: 201, Body: body}, protocol.Deps{})
		require.NoError(t, err)
		assert.Equal(t, models.ConnectionSuccess, result.Next)

		require.NoError(t, template.ApplyDelta(state, result.Delta))

		value, ok := state.Lookup("temp.order_id")
		require.True(t, ok)
		assert.Equal(t, "o-42", value)

		value, ok = state.Lookup("user.last")
		require.True(t, ok)
		assert.Equal(t, "book", value)

		_, ok = state.Lookup("temp.missing")
		assert.False(t, ok)
	})

	t.Run("failure uses fallback", func(t *testing.T) {
		content := orderWebhook()
		content.FallbackResponse = map[string]any{"temp.order_id": "pending"}

		result, err := completer.Complete(context.Background(), webhookNode(content), orderState(), models.TaskResult{Success: false, StatusCode: 503}, protocol.Deps{})
		require.NoError(t, err)
		assert.Equal(t, models.ConnectionFallback, result.Next)
		require.Len(t, result.Delta, 1)
		assert.Equal(t, "pending", result.Delta[0].Value)
	})

	t.Run("failure without fallback", func(t *testing.T) {
		result, err := completer.Complete(context.Background(), webhookNode(orderWebhook()), orderState(), models.TaskResult{Success: false}, protocol.Deps{})
		require.NoError(t, err)
		assert.Equal(t, models.ConnectionFailure, result.Next)
		assert.Empty(t, result.Delta)
	})
}

func TestConnections(t *testing.T) {
	content := orderWebhook()
	assert.Equal(t, []models.ConnectionKind{models.ConnectionSuccess, models.ConnectionFailure}, New().Connections(webhookNode(content)))

	content.FallbackResponse = map[string]any{"x": 1}
	assert.Contains(t, New().Connections(webhookNode(content)), models.ConnectionFallback)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content *models.WebhookContent
		wantErr bool
	}{
		{"valid", orderWebhook(), false},
		{"missing url", &models.WebhookContent{}, true},
		{"bad scheme", &models.WebhookContent{CallSpec: models.CallSpec{URL: "ftp://example.com"}}, true},
		{"bad header template", &models.WebhookContent{CallSpec: models.CallSpec{URL: "https://x.io", Headers: map[string]string{"A": "{{"}}}, true},
		{"fallback into context", &models.WebhookContent{CallSpec: models.CallSpec{URL: "https://x.io"}, FallbackResponse: map[string]any{"context.x": 1}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().Validate(webhookNode(tt.content), protocol.Deps{})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
