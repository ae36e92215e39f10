// Package nodes holds helpers shared by the node processors in its sub-packages.
package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/chatflow/pkg/content"
	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
)

var ErrNoContentLookup = errors.New("content lookup is not configured")

// ResolveText returns the literal text or, when contentID is set, the text of
// that content item, with template references substituted.
func ResolveText(ctx context.Context, deps protocol.Deps, text, contentID string, state *template.State) (string, error) {
	if contentID != "" {
		if deps.Content == nil {
			return "", flowerr.Configuration("ResolveText", "content_id "+contentID, ErrNoContentLookup)
		}

		item, err := deps.Content.GetContent(ctx, contentID)
		if err != nil {
			if errors.Is(err, content.ErrContentNotFound) {
				return "", flowerr.Configuration("ResolveText", "content_id "+contentID, err)
			}

			return "", flowerr.Internal("ResolveText", "content_id "+contentID, err)
		}

		text = item.Text()
	}

	return Interpolate(ctx, deps, text, state)
}

// Interpolate substitutes references in text. Syntax errors are configuration errors.
func Interpolate(ctx context.Context, deps protocol.Deps, text string, state *template.State) (string, error) {
	if !template.HasReferences(text) {
		return text, nil
	}

	rendered, err := resolver(deps).Interpolate(ctx, text, state)
	if err != nil {
		return "", flowerr.Configuration("Interpolate", "invalid template", err)
	}

	return rendered, nil
}

// SubstituteObject resolves every template inside value.
func SubstituteObject(ctx context.Context, deps protocol.Deps, value any, state *template.State) (any, error) {
	resolved, err := resolver(deps).SubstituteObject(ctx, value, state)
	if err != nil {
		return nil, flowerr.Configuration("SubstituteObject", "invalid template", err)
	}

	return resolved, nil
}

// CheckTemplates verifies template syntax and scopes, for publish-time validation.
func CheckTemplates(texts ...string) error {
	for _, text := range texts {
		unknown, err := template.ValidateReferences(text)
		if err != nil {
			return err
		}

		if len(unknown) > 0 {
			return fmt.Errorf("unknown scope in reference %q", unknown[0])
		}
	}

	return nil
}

func resolver(deps protocol.Deps) *template.Resolver {
	if deps.Resolver != nil {
		return deps.Resolver
	}

	return template.NewResolver()
}
