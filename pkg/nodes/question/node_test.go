package question

import (
	"context"
	"testing"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func questionNode(c *models.QuestionContent) *models.Node {
	return &models.Node{ID: "ask", Type: models.NodeTypeQuestion, Content: c}
}

func ptr[T any](v T) *T { return &v }

func TestProcess_PromptsOnEntry(t *testing.T) {
	state := template.NewState(map[string]any{"user": map[string]any{"name": "Alex"}})
	node := questionNode(&models.QuestionContent{Prompt: "What's your name, {{user.name}}?", Variable: "name"})

	result, err := New().Process(context.Background(), node, state, nil, protocol.Deps{})
	require.NoError(t, err)

	assert.Equal(t, protocol.AwaitInput, result.Await)
	assert.Empty(t, result.Delta)
	assert.Empty(t, result.Next)
	require.NotNil(t, result.InputRequest)
	assert.Equal(t, models.InputKindText, result.InputRequest.Kind)
	assert.Equal(t, "What's your name, Alex?", result.InputRequest.Prompt)
	assert.Equal(t, "ask", result.InputRequest.NodeID)
}

func TestProcess_StoresAnswerUnderTemp(t *testing.T) {
	state := template.NewState(nil)
	node := questionNode(&models.QuestionContent{Prompt: "What's your name?", Variable: "name"})

	result, err := New().Process(context.Background(), node, state, &models.Input{Text: "  Alex "}, protocol.Deps{})
	require.NoError(t, err)

	assert.Equal(t, models.ConnectionDefault, result.Next)
	assert.Equal(t, protocol.AwaitNone, result.Await)
	require.NoError(t, result.Rejection)

	require.NoError(t, template.ApplyDelta(state, result.Delta))
	assert.Equal(t, map[string]any{"temp": map[string]any{"name": "Alex"}}, state.Root())
}

func TestProcess_RejectsInvalidAnswer(t *testing.T) {
	tests := []struct {
		name    string
		content *models.QuestionContent
		input   models.Input
		want    string
	}{
		{
			name:    "required",
			content: &models.QuestionContent{Prompt: "Name?", Variable: "name", Required: true},
			input:   models.Input{Text: "   "},
			want:    "An answer is required.",
		},
		{
			name:    "not a number",
			content: &models.QuestionContent{Prompt: "Age?", Variable: "age", InputType: models.InputTypeNumber},
			input:   models.Input{Text: "old"},
			want:    "Please enter a number.",
		},
		{
			name:    "not a finite number",
			content: &models.QuestionContent{Prompt: "Age?", Variable: "age", InputType: models.InputTypeNumber, Min: ptr(0.0), Max: ptr(120.0)},
			input:   models.Input{Text: "NaN"},
			want:    "Please enter a number.",
		},
		{
			name:    "infinity without bounds",
			content: &models.QuestionContent{Prompt: "Amount?", Variable: "amount", InputType: models.InputTypeNumber},
			input:   models.Input{Text: "Infinity"},
			want:    "Please enter a number.",
		},
		{
			name:    "below minimum",
			content: &models.QuestionContent{Prompt: "Age?", Variable: "age", InputType: models.InputTypeNumber, Min: ptr(18.0)},
			input:   models.Input{Text: "12"},
			want:    "Please enter a number of at least 18.",
		},
		{
			name:    "email",
			content: &models.QuestionContent{Prompt: "Email?", Variable: "email", InputType: models.InputTypeEmail},
			input:   models.Input{Text: "not-an-email"},
			want:    "Please enter a valid email address.",
		},
		{
			name:    "too short",
			content: &models.QuestionContent{Prompt: "Name?", Variable: "name", MinLength: ptr(3)},
			input:   models.Input{Text: "Al"},
			want:    "Please enter at least 3 characters.",
		},
		{
			name:    "pattern",
			content: &models.QuestionContent{Prompt: "Zip?", Variable: "zip", Pattern: `^\d{5}$`},
			input:   models.Input{Text: "abc"},
			want:    "That answer is not in the expected format.",
		},
		{
			name:    "custom message",
			content: &models.QuestionContent{Prompt: "Zip?", Variable: "zip", Pattern: `^\d{5}$`, ErrorMessage: "Five digits, please."},
			input:   models.Input{Text: "abc"},
			want:    "Five digits, please.",
		},
		{
			name:    "unknown option",
			content: &models.QuestionContent{Prompt: "Pick", Variable: "pick", Options: []models.Option{{Value: "a"}, {Value: "b"}}},
			input:   models.Input{Text: "c"},
			want:    "Please choose one of the options.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := tt.input

			result, err := New().Process(context.Background(), questionNode(tt.content), template.NewState(nil), &input, protocol.Deps{})
			require.NoError(t, err)

			assert.Equal(t, protocol.AwaitInput, result.Await)
			assert.Empty(t, result.Delta)
			require.Error(t, result.Rejection)
			assert.True(t, flowerr.IsValidationError(result.Rejection))
			require.NotNil(t, result.InputRequest)
			assert.Equal(t, tt.want, result.InputRequest.Error)
		})
	}
}

func TestProcess_OptionalEmptyAnswerAdvances(t *testing.T) {
	node := questionNode(&models.QuestionContent{Prompt: "Nickname?", Variable: "nickname"})

	result, err := New().Process(context.Background(), node, template.NewState(nil), &models.Input{}, protocol.Deps{})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionDefault, result.Next)
	assert.Empty(t, result.Delta)
}

func TestProcess_TypedAnswers(t *testing.T) {
	tests := []struct {
		name    string
		content *models.QuestionContent
		input   string
		want    any
	}{
		{"number", &models.QuestionContent{Variable: "n", InputType: models.InputTypeNumber}, "1,250.5", 1250.5},
		{"boolean yes", &models.QuestionContent{Variable: "b", InputType: models.InputTypeBoolean}, "Yes", true},
		{"boolean no", &models.QuestionContent{Variable: "b", InputType: models.InputTypeBoolean}, "n", false},
		{"email", &models.QuestionContent{Variable: "e", InputType: models.InputTypeEmail}, "alex@example.com", "alex@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := New().Process(context.Background(), questionNode(tt.content), template.NewState(nil), &models.Input{Text: tt.input}, protocol.Deps{})
			require.NoError(t, err)
			require.NoError(t, result.Rejection)
			require.Len(t, result.Delta, 1)
			assert.Equal(t, "temp."+tt.content.Variable, result.Delta[0].Path)
			assert.Equal(t, tt.want, result.Delta[0].Value)
		})
	}
}

func TestProcess_ChoiceRouting(t *testing.T) {
	content := &models.QuestionContent{
		Prompt:    "Do you like cats?",
		Variable:  "pet",
		InputType: models.InputTypeChoice,
		Options: []models.Option{
			{Value: "cats", Label: "Yes, cats", Payload: "PET_CATS"},
			{Value: "dogs", Label: "Dogs"},
			{Value: "none", Label: "Neither"},
		},
	}

	tests := []struct {
		name     string
		input    models.Input
		wantNext models.ConnectionKind
		want     string
	}{
		{"shorthand payload", models.Input{Payload: "$0"}, models.ConnectionOption0, "cats"},
		{"connection payload", models.Input{Payload: "option-1"}, models.ConnectionOption1, "dogs"},
		{"custom payload", models.Input{Payload: "PET_CATS"}, models.ConnectionOption0, "cats"},
		{"label", models.Input{Text: "dogs"}, models.ConnectionOption1, "dogs"},
		{"position", models.Input{Text: "3"}, models.ConnectionDefault, "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := tt.input

			result, err := New().Process(context.Background(), questionNode(content), template.NewState(nil), &input, protocol.Deps{})
			require.NoError(t, err)
			require.NoError(t, result.Rejection)
			assert.Equal(t, tt.wantNext, result.Next)
			require.Len(t, result.Delta, 1)
			assert.Equal(t, tt.want, result.Delta[0].Value)
		})
	}
}

func TestProcess_ChoicePromptListsOptions(t *testing.T) {
	content := &models.QuestionContent{Prompt: "Pick", Variable: "pick", Options: []models.Option{{Value: "a"}, {Value: "b"}}}

	result, err := New().Process(context.Background(), questionNode(content), template.NewState(nil), nil, protocol.Deps{})
	require.NoError(t, err)
	assert.Equal(t, models.InputKindChoice, result.InputRequest.Kind)
	assert.Len(t, result.InputRequest.Options, 2)
}

func TestProcess_UserScopeInsideCompositeIsConfigurationError(t *testing.T) {
	state := template.NewFrameState(nil, nil)
	node := questionNode(&models.QuestionContent{Prompt: "Name?", Variable: "user.name"})

	_, err := New().Process(context.Background(), node, state, &models.Input{Text: "Alex"}, protocol.Deps{})
	require.Error(t, err)
	assert.True(t, flowerr.IsConfigurationError(err))
}

func TestConnections(t *testing.T) {
	p := New()

	assert.Equal(t, []models.ConnectionKind{models.ConnectionDefault},
		p.Connections(questionNode(&models.QuestionContent{Variable: "x"})))

	assert.Equal(t,
		[]models.ConnectionKind{models.ConnectionDefault, models.ConnectionOption0, models.ConnectionOption1},
		p.Connections(questionNode(&models.QuestionContent{Variable: "x", Options: []models.Option{{Value: "a"}, {Value: "b"}}})))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content *models.QuestionContent
		wantErr bool
	}{
		{"valid", &models.QuestionContent{Prompt: "Name?", Variable: "name"}, false},
		{"no variable", &models.QuestionContent{Prompt: "Name?"}, true},
		{"context scope", &models.QuestionContent{Prompt: "Name?", Variable: "context.name"}, true},
		{"choice without options", &models.QuestionContent{Prompt: "Pick", Variable: "p", InputType: models.InputTypeChoice}, true},
		{"bad pattern", &models.QuestionContent{Prompt: "Zip?", Variable: "zip", Pattern: "("}, true},
		{"inverted bounds", &models.QuestionContent{Prompt: "n?", Variable: "n", Min: ptr(5.0), Max: ptr(1.0)}, true},
		{"bad template", &models.QuestionContent{Prompt: "Hi {{user.name", Variable: "name"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().Validate(questionNode(tt.content), protocol.Deps{})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
