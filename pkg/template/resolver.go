// Package template resolves {{scope.path}} references against a layered session state.
package template

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dukex/chatflow/pkg/flowerr"
)

const (
	openDelim   = "{{"
	closeDelim  = "}}"
	secretScope = "secret:"
)

var (
	pathPattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+|\[[0-9]+\])*$`)
	secretPattern = regexp.MustCompile(`^secret:([A-Za-z0-9_.\-/]+)$`)
)

// SecretResolver fetches secret values for {{secret:key}} references.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, key string) (string, error)
}

// Unresolved marks a whole-value reference that could not be resolved.
type Unresolved struct {
	Reference string
}

func (u Unresolved) String() string {
	return ""
}

func IsUnresolved(value any) bool {
	_, ok := value.(Unresolved)

	return ok
}

type segment struct {
	literal   string
	reference string
	isRef     bool
}

// Resolver substitutes template references. It holds no state besides its
// collaborators and is safe for concurrent use.
type Resolver struct {
	secrets            SecretResolver
	preserveUnresolved bool
}

type Option func(*Resolver)

// WithSecretResolver enables the secret: scope. Without it secrets fail closed.
func WithSecretResolver(secrets SecretResolver) Option {
	return func(r *Resolver) {
		r.secrets = secrets
	}
}

// WithPreserveUnresolved keeps unresolved references verbatim in interpolated strings.
func WithPreserveUnresolved() Option {
	return func(r *Resolver) {
		r.preserveUnresolved = true
	}
}

func NewResolver(opts ...Option) *Resolver {
	resolver := &Resolver{}
	for _, opt := range opts {
		opt(resolver)
	}

	return resolver
}

// HasReferences reports whether s contains a template opening delimiter.
func HasReferences(s string) bool {
	return strings.Contains(s, openDelim)
}

func parse(tpl string) ([]segment, error) {
	var segments []segment

	rest := tpl
	offset := 0

	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			if rest != "" {
				segments = append(segments, segment{literal: rest})
			}

			return segments, nil
		}

		if start > 0 {
			segments = append(segments, segment{literal: rest[:start]})
		}

		body := rest[start+len(openDelim):]

		end := strings.Index(body, closeDelim)
		if end < 0 {
			return nil, &flowerr.TemplateSyntaxError{Template: tpl, Offset: offset + start, Reason: "unterminated reference"}
		}

		inner := body[:end]
		if strings.Contains(inner, openDelim) {
			return nil, &flowerr.TemplateSyntaxError{Template: tpl, Offset: offset + start, Reason: "nested reference"}
		}

		reference := strings.TrimSpace(inner)

		switch {
		case reference == "":
			return nil, &flowerr.TemplateSyntaxError{Template: tpl, Offset: offset + start, Reason: "empty reference"}
		case strings.HasPrefix(reference, secretScope):
			if !secretPattern.MatchString(reference) {
				return nil, &flowerr.TemplateSyntaxError{Template: tpl, Offset: offset + start, Reason: "invalid secret key"}
			}
		case !pathPattern.MatchString(reference):
			return nil, &flowerr.TemplateSyntaxError{Template: tpl, Offset: offset + start, Reason: fmt.Sprintf("invalid reference %q", reference)}
		}

		segments = append(segments, segment{reference: reference, isRef: true})

		consumed := start + len(openDelim) + end + len(closeDelim)
		offset += consumed
		rest = rest[consumed:]
	}
}

// References returns every reference in tpl, in order of appearance.
func References(tpl string) ([]string, error) {
	segments, err := parse(tpl)
	if err != nil {
		return nil, err
	}

	var refs []string

	for _, seg := range segments {
		if seg.isRef {
			refs = append(refs, seg.reference)
		}
	}

	return refs, nil
}

// ValidateReferences checks syntax and returns the references whose scope is unknown.
func ValidateReferences(tpl string) ([]string, error) {
	refs, err := References(tpl)
	if err != nil {
		return nil, err
	}

	var unknown []string

	for _, ref := range refs {
		if strings.HasPrefix(ref, secretScope) {
			continue
		}

		segments := SplitPath(ref)
		if len(segments) == 0 || !IsScope(segments[0]) {
			unknown = append(unknown, ref)
		}
	}

	return unknown, nil
}

// Resolve substitutes tpl. A template that is exactly one reference returns the
// referenced value with its native type, or Unresolved when missing. Any other
// template yields a string.
func (r *Resolver) Resolve(ctx context.Context, tpl string, state *State) (any, error) {
	segments, err := parse(tpl)
	if err != nil {
		return nil, err
	}

	if len(segments) == 1 && segments[0].isRef {
		value, ok := r.lookup(ctx, segments[0].reference, state)
		if !ok {
			if r.preserveUnresolved && !strings.HasPrefix(segments[0].reference, secretScope) {
				return tpl, nil
			}

			return Unresolved{Reference: segments[0].reference}, nil
		}

		return value, nil
	}

	return r.render(ctx, segments, state), nil
}

// Interpolate always returns a string; missing references render empty.
func (r *Resolver) Interpolate(ctx context.Context, tpl string, state *State) (string, error) {
	segments, err := parse(tpl)
	if err != nil {
		return "", err
	}

	return r.render(ctx, segments, state), nil
}

func (r *Resolver) render(ctx context.Context, segments []segment, state *State) string {
	var builder strings.Builder

	for _, seg := range segments {
		if !seg.isRef {
			builder.WriteString(seg.literal)

			continue
		}

		value, ok := r.lookup(ctx, seg.reference, state)
		if !ok {
			if r.preserveUnresolved && !strings.HasPrefix(seg.reference, secretScope) {
				builder.WriteString(openDelim + seg.reference + closeDelim)
			}

			continue
		}

		builder.WriteString(Stringify(value))
	}

	return builder.String()
}

// SubstituteObject resolves every string inside maps and lists. Unresolved
// whole-value references become nil.
func (r *Resolver) SubstituteObject(ctx context.Context, value any, state *State) (any, error) {
	switch v := value.(type) {
	case string:
		if !HasReferences(v) {
			return v, nil
		}

		resolved, err := r.Resolve(ctx, v, state)
		if err != nil {
			return nil, err
		}

		if IsUnresolved(resolved) {
			return nil, nil
		}

		return resolved, nil
	case map[string]any:
		out := make(map[string]any, len(v))

		for key, item := range v {
			resolved, err := r.SubstituteObject(ctx, item, state)
			if err != nil {
				return nil, err
			}

			out[key] = resolved
		}

		return out, nil
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			resolved, err := r.SubstituteObject(ctx, item, state)
			if err != nil {
				return nil, err
			}

			out[i] = resolved
		}

		return out, nil
	case map[string]string:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = item
		}

		return r.SubstituteObject(ctx, out, state)
	default:
		return v, nil
	}
}

// Lookup resolves a single bare reference (no delimiters).
func (r *Resolver) Lookup(ctx context.Context, reference string, state *State) (any, bool) {
	return r.lookup(ctx, strings.TrimSpace(reference), state)
}

func (r *Resolver) lookup(ctx context.Context, reference string, state *State) (any, bool) {
	if match := secretPattern.FindStringSubmatch(reference); match != nil {
		if r.secrets == nil {
			return nil, false
		}

		secret, err := r.secrets.ResolveSecret(ctx, match[1])
		if err != nil {
			return nil, false
		}

		return secret, true
	}

	if strings.HasPrefix(reference, secretScope) {
		return nil, false
	}

	return state.Lookup(reference)
}

// Stringify renders a value for interpolation. Maps and lists render as JSON.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case Unresolved:
		return ""
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}

		return string(data)
	default:
		return fmt.Sprint(v)
	}
}
