package template

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSecrets map[string]string

func (s staticSecrets) ResolveSecret(_ context.Context, key string) (string, error) {
	value, ok := s[key]
	if !ok {
		return "", errors.New("secret not found")
	}

	return value, nil
}

func TestResolve_WholeValueKeepsType(t *testing.T) {
	ctx := context.Background()
	state := NewState(map[string]any{"temp": map[string]any{"x": 5}})
	resolver := NewResolver()

	value, err := resolver.Resolve(ctx, "{{temp.x}}", state)
	require.NoError(t, err)
	assert.Equal(t, 5, value)

	value, err = resolver.Resolve(ctx, "v={{temp.x}}", state)
	require.NoError(t, err)
	assert.Equal(t, "v=5", value)
}

func TestResolve_Objects(t *testing.T) {
	ctx := context.Background()
	state := NewState(map[string]any{
		"user": map[string]any{
			"profile": map[string]any{"name": "Alex", "tags": []any{"a", "b"}},
		},
	})
	resolver := NewResolver()

	value, err := resolver.Resolve(ctx, "{{ user.profile }}", state)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Alex", "tags": []any{"a", "b"}}, value)

	value, err = resolver.Resolve(ctx, "tags: {{user.profile.tags}}", state)
	require.NoError(t, err)
	assert.Equal(t, `tags: ["a","b"]`, value)

	value, err = resolver.Resolve(ctx, "{{user.profile.tags.1}}", state)
	require.NoError(t, err)
	assert.Equal(t, "b", value)

	value, err = resolver.Resolve(ctx, "{{user.profile.tags[0]}}", state)
	require.NoError(t, err)
	assert.Equal(t, "a", value)
}

func TestResolve_Missing(t *testing.T) {
	ctx := context.Background()
	state := NewState(nil)

	value, err := NewResolver().Resolve(ctx, "{{temp.nope}}", state)
	require.NoError(t, err)
	assert.True(t, IsUnresolved(value))

	value, err = NewResolver().Resolve(ctx, "hello {{temp.nope}}!", state)
	require.NoError(t, err)
	assert.Equal(t, "hello !", value)

	value, err = NewResolver(WithPreserveUnresolved()).Resolve(ctx, "hello {{temp.nope}}!", state)
	require.NoError(t, err)
	assert.Equal(t, "hello {{temp.nope}}!", value)
}

func TestResolve_SyntaxErrors(t *testing.T) {
	tests := []struct {
		name string
		tpl  string
	}{
		{"unterminated", "hello {{temp.name"},
		{"empty", "hello {{  }}"},
		{"nested", "{{temp.{{a}}}}"},
		{"invalid characters", "{{temp.na me}}"},
		{"invalid secret", "{{secret:}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver().Resolve(context.Background(), tt.tpl, NewState(nil))

			var syntaxErr *flowerr.TemplateSyntaxError
			require.ErrorAs(t, err, &syntaxErr)
		})
	}
}

func TestResolve_SecretsFailClosed(t *testing.T) {
	ctx := context.Background()
	state := NewState(map[string]any{"secret": map[string]any{"api_key": "leak"}})

	value, err := NewResolver(WithPreserveUnresolved()).Resolve(ctx, "{{secret:api_key}}", state)
	require.NoError(t, err)
	assert.True(t, IsUnresolved(value))

	value, err = NewResolver(WithPreserveUnresolved()).Resolve(ctx, "Bearer {{secret:api_key}}", state)
	require.NoError(t, err)
	assert.Equal(t, "Bearer ", value)

	withSecrets := NewResolver(WithSecretResolver(staticSecrets{"api_key": "s3cr3t"}))

	value, err = withSecrets.Resolve(ctx, "Bearer {{secret:api_key}}", state)
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cr3t", value)

	value, err = withSecrets.Resolve(ctx, "{{secret:other}}", state)
	require.NoError(t, err)
	assert.True(t, IsUnresolved(value))
}

func TestSubstituteObject(t *testing.T) {
	ctx := context.Background()
	state := NewState(map[string]any{"temp": map[string]any{"id": 7.0, "name": "Ana"}})

	out, err := NewResolver().SubstituteObject(ctx, map[string]any{
		"id":      "{{temp.id}}",
		"greet":   "hi {{temp.name}}",
		"missing": "{{temp.none}}",
		"list":    []any{"{{temp.name}}", 3},
	}, state)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"id":      7.0,
		"greet":   "hi Ana",
		"missing": nil,
		"list":    []any{"Ana", 3},
	}, out)
}

func TestValidateReferences(t *testing.T) {
	unknown, err := ValidateReferences("{{temp.a}} {{session.b}} {{secret:k}}")
	require.NoError(t, err)
	assert.Equal(t, []string{"session.b"}, unknown)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "5", Stringify(5.0))
	assert.Equal(t, "2.5", Stringify(2.5))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": 1}))
}
