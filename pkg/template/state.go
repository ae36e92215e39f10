package template

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dukex/chatflow/pkg/flowerr"
)

// Scope names.
const (
	ScopeTemp    = "temp"
	ScopeUser    = "user"
	ScopeContext = "context"
	ScopeInput   = "input"
	ScopeOutput  = "output"
	ScopeLocal   = "local"
)

// Scopes lists every scope an expression or template may reference.
var Scopes = []string{ScopeTemp, ScopeUser, ScopeContext, ScopeInput, ScopeOutput, ScopeLocal}

var frameScopes = map[string]bool{ScopeInput: true, ScopeOutput: true, ScopeLocal: true, ScopeTemp: true}

func IsScope(name string) bool {
	for _, scope := range Scopes {
		if scope == name {
			return true
		}
	}

	return false
}

// QualifyPath prefixes paths that do not start with a scope with "temp.".
func QualifyPath(path string) string {
	segments := SplitPath(path)
	if len(segments) > 0 && IsScope(segments[0]) {
		return path
	}

	return ScopeTemp + "." + path
}

// State is the layered view a node sees. Outside a composite it exposes the
// session tree. Inside one, input/output/local/temp come from the frame and
// user/context are read from the session tree without write access.
type State struct {
	root  map[string]any
	frame map[string]any
}

func NewState(root map[string]any) *State {
	if root == nil {
		root = map[string]any{}
	}

	return &State{root: root}
}

// NewFrameState returns the view used while executing a composite sub-graph.
func NewFrameState(root, frame map[string]any) *State {
	if root == nil {
		root = map[string]any{}
	}

	if frame == nil {
		frame = map[string]any{}
	}

	return &State{root: root, frame: frame}
}

func (s *State) InFrame() bool {
	return s.frame != nil
}

// Root returns the session state tree.
func (s *State) Root() map[string]any {
	return s.root
}

// Frame returns the composite scope tree, nil outside composites.
func (s *State) Frame() map[string]any {
	return s.frame
}

// Clone returns an independent copy of the view.
func (s *State) Clone() *State {
	clone := &State{root: CloneMap(s.root)}
	if s.frame != nil {
		clone.frame = CloneMap(s.frame)
	}

	return clone
}

func (s *State) container(scope string) map[string]any {
	if s.frame != nil && frameScopes[scope] {
		return s.frame
	}

	return s.root
}

// Lookup resolves a dotted path.
func (s *State) Lookup(path string) (any, bool) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return nil, false
	}

	return getSegments(s.container(segments[0]), segments)
}

// Writable reports whether path may be written in this view.
func (s *State) Writable(path string) error {
	segments := SplitPath(path)
	if len(segments) < 2 {
		return fmt.Errorf("%w: %q must name a scope and a variable", ErrInvalidPath, path)
	}

	switch scope := segments[0]; {
	case scope == ScopeContext, scope == ScopeInput:
		return fmt.Errorf("%w: %s", flowerr.ErrScopeNotWritable, scope)
	case scope == ScopeUser && s.frame != nil:
		return fmt.Errorf("%w: user inside a composite", flowerr.ErrScopeNotWritable)
	case (scope == ScopeOutput || scope == ScopeLocal) && s.frame == nil:
		return fmt.Errorf("%w: %s outside a composite", flowerr.ErrScopeNotWritable, scope)
	case !IsScope(scope):
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidPath, scope)
	}

	return nil
}

func (s *State) Set(path string, value any) error {
	err := s.Writable(path)
	if err != nil {
		return err
	}

	segments := SplitPath(path)

	return SetPath(s.container(segments[0]), path, value)
}

func (s *State) Delete(path string) error {
	err := s.Writable(path)
	if err != nil {
		return err
	}

	segments := SplitPath(path)
	DeletePath(s.container(segments[0]), path)

	return nil
}

// Activation returns one value per scope for expression evaluation. Missing
// scopes are bound to empty maps so that has() checks stay well defined.
func (s *State) Activation() map[string]any {
	activation := make(map[string]any, len(Scopes))

	for _, scope := range Scopes {
		value, ok := s.container(scope)[scope]
		if !ok || value == nil {
			value = map[string]any{}
		}

		activation[scope] = value
	}

	return activation
}

// AvailableVariables lists every leaf path reachable in the view, sorted.
func (s *State) AvailableVariables() []string {
	var paths []string

	for scope, value := range s.Activation() {
		collectPaths(scope, value, &paths)
	}

	sort.Strings(paths)

	return paths
}

func collectPaths(prefix string, value any, out *[]string) {
	node, ok := value.(map[string]any)
	if !ok {
		*out = append(*out, prefix)

		return
	}

	for key, item := range node {
		collectPaths(strings.Join([]string{prefix, key}, "."), item, out)
	}
}
