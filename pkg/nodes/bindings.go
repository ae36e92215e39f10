package nodes

import (
	"context"
	"sort"
	"strings"

	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
)

// BindInputs resolves name -> source bindings. A source is either a template
// or a bare variable path; unscoped paths read from temp. Unresolved sources
// bind to nil.
func BindInputs(ctx context.Context, deps protocol.Deps, bindings map[string]string, state *template.State) (map[string]any, error) {
	bound := make(map[string]any, len(bindings))

	for name, source := range bindings {
		source = strings.TrimSpace(source)

		if template.HasReferences(source) {
			value, err := resolver(deps).Resolve(ctx, source, state)
			if err != nil {
				return nil, err
			}

			if template.IsUnresolved(value) {
				value = nil
			}

			bound[name] = template.Clone(value)

			continue
		}

		value, ok := resolver(deps).Lookup(ctx, template.QualifyPath(source), state)
		if !ok {
			value = nil
		}

		bound[name] = template.Clone(value)
	}

	return bound, nil
}

// SortedKeys returns the keys of m in order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
