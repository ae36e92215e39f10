package template

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dukex/chatflow/pkg/models"
)

var ErrInvalidPath = errors.New("invalid variable path")

// SplitPath splits a dotted path into segments. "items[0].name" and
// "items.0.name" are equivalent.
func SplitPath(path string) []string {
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")

	parts := strings.Split(path, ".")
	segments := parts[:0]

	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}

	return segments
}

// GetPath walks maps by key and lists by index.
func GetPath(root any, path string) (any, bool) {
	return getSegments(root, SplitPath(path))
}

func getSegments(current any, segments []string) (any, bool) {
	for _, segment := range segments {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[segment]
			if !ok {
				return nil, false
			}

			current = value
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}

			current = node[index]
		default:
			return nil, false
		}
	}

	return current, true
}

// SetPath writes value at path, creating intermediate maps as needed.
func SetPath(root map[string]any, path string, value any) error {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	var current any = root

	for i, segment := range segments {
		last := i == len(segments)-1

		switch node := current.(type) {
		case map[string]any:
			if last {
				node[segment] = value

				return nil
			}

			next, ok := node[segment]
			if !ok || next == nil {
				next = map[string]any{}
				node[segment] = next
			}

			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return fmt.Errorf("%w: index %q out of range in %q", ErrInvalidPath, segment, path)
			}

			if last {
				node[index] = value

				return nil
			}

			current = node[index]
		default:
			return fmt.Errorf("%w: %q crosses a non-container value at %q", ErrInvalidPath, path, segment)
		}
	}

	return nil
}

// DeletePath removes the value at path. Deleting a missing path is a no-op.
func DeletePath(root map[string]any, path string) bool {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return false
	}

	parent, ok := getSegments(root, segments[:len(segments)-1])
	if !ok {
		return false
	}

	node, ok := parent.(map[string]any)
	if !ok {
		return false
	}

	_, exists := node[segments[len(segments)-1]]
	delete(node, segments[len(segments)-1])

	return exists
}

// Clone deep-copies maps and lists; other values are shared.
func Clone(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = Clone(item)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Clone(item)
		}

		return out
	default:
		return v
	}
}

// CloneMap deep-copies a state tree, returning an empty map for nil.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	cloned, _ := Clone(m).(map[string]any)

	return cloned
}

// ApplyDelta applies every operation of delta to state in order.
func ApplyDelta(state *State, delta models.Delta) error {
	for _, op := range delta {
		var err error

		switch op.Op {
		case models.DeltaSet:
			err = state.Set(op.Path, op.Value)
		case models.DeltaDelete:
			err = state.Delete(op.Path)
		default:
			err = fmt.Errorf("unknown delta operation %q", op.Op)
		}

		if err != nil {
			return err
		}
	}

	return nil
}
