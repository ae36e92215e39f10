package script

import (
	"context"
	"testing"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scriptNode(c *models.ScriptContent) *models.Node {
	return &models.Node{ID: "score", Type: models.NodeTypeScript, Content: c}
}

func scoreScript() *models.ScriptContent {
	return &models.ScriptContent{
		Code:    "outputs.score = inputs.answers.length",
		Inputs:  map[string]string{"answers": "temp.answers", "name": "{{user.name}}"},
		Outputs: []string{"score", "level"},
	}
}

func TestProcess_ReturnsScriptPayload(t *testing.T) {
	state := template.NewState(map[string]any{
		"user": map[string]any{"name": "Alex"},
		"temp": map[string]any{"answers": []any{1, 2}},
	})

	result, err := New().Process(context.Background(), scriptNode(scoreScript()), state, nil, protocol.Deps{})
	require.NoError(t, err)

	assert.Equal(t, protocol.AwaitInput, result.Await)
	assert.Empty(t, result.Delta)
	require.NotNil(t, result.InputRequest)
	assert.Equal(t, models.InputKindScript, result.InputRequest.Kind)

	script := result.InputRequest.Script
	assert.Equal(t, "javascript", script["language"])
	assert.Equal(t, "strict", script["sandbox"])
	assert.Equal(t, 5000, script["timeout"])
	assert.Equal(t, map[string]any{"answers": []any{1, 2}, "name": "Alex"}, script["inputs"])
	assert.Equal(t, []string{"score", "level"}, script["outputs"])
}

func TestProcess_StoresReportedOutputs(t *testing.T) {
	state := template.NewState(nil)
	input := &models.Input{Values: map[string]any{"score": 2.0, "other": "ignored"}}

	result, err := New().Process(context.Background(), scriptNode(scoreScript()), state, input, protocol.Deps{})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionDefault, result.Next)

	require.NoError(t, template.ApplyDelta(state, result.Delta))
	assert.Equal(t, map[string]any{"temp": map[string]any{"score": 2.0}}, state.Root())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content *models.ScriptContent
		wantErr bool
	}{
		{"valid", scoreScript(), false},
		{"no code", &models.ScriptContent{Code: "  "}, true},
		{"dotted output", &models.ScriptContent{Code: "x", Outputs: []string{"user.score"}}, true},
		{"bad input", &models.ScriptContent{Code: "x", Inputs: map[string]string{"a": "{{"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().Validate(scriptNode(tt.content), protocol.Deps{})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
