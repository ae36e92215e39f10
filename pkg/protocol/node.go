// Package protocol defines the contract between the orchestrator and node processors.
package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/chatflow/pkg/content"
	"github.com/dukex/chatflow/pkg/expression"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/template"
	"github.com/go-playground/validator/v10"
)

// AwaitKind tells the orchestrator whether a node yields the turn.
type AwaitKind string

const (
	AwaitNone  AwaitKind = ""
	AwaitInput AwaitKind = "input"
	AwaitAsync AwaitKind = "async"
)

// CircuitState reports whether calls guarded by a breaker policy are currently refused.
type CircuitState interface {
	IsOpen(policy string) bool
}

// Deps are the collaborators a processor may consult. Processors never perform
// I/O beyond these lookups; outbound calls are returned as side effects.
type Deps struct {
	Resolver  *template.Resolver
	Evaluator *expression.Evaluator
	Content   content.Lookup
	Breakers  CircuitState
	Validator *validator.Validate
	Logger    *slog.Logger
	Now       func() time.Time
}

var defaultValidator = validator.New()

// Validate returns the configured validator or a shared default.
func (d Deps) Validate() *validator.Validate {
	if d.Validator != nil {
		return d.Validator
	}

	return defaultValidator
}

func (d Deps) Clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}

	return time.Now().UTC()
}

// Descend asks the orchestrator to enter a composite sub-graph.
type Descend struct {
	FlowID string
	Input  map[string]any
}

// Result is the outcome of one processor invocation. The processor never
// mutates the state it is given; Delta carries every change.
type Result struct {
	Delta        models.Delta
	Next         models.ConnectionKind
	Messages     []models.Message
	Await        AwaitKind
	InputRequest *models.InputRequest
	SideEffects  []models.SideEffect
	Descend      *Descend

	// Rejection is set when user input failed validation; the node stays current.
	Rejection error
}

// Processor executes one node type. A nil input means the node is being
// entered; a non-nil input resumes a node that awaited input.
type Processor interface {
	Type() models.NodeType
	Name() string
	Description() string

	// Schema returns the JSON schema the node content must satisfy.
	Schema() map[string]any

	// Connections lists the outgoing connection kinds the node may select.
	Connections(node *models.Node) []models.ConnectionKind

	// Validate checks content that a schema cannot express. It runs at publish time.
	Validate(node *models.Node, deps Deps) error

	Process(ctx context.Context, node *models.Node, state *template.State, input *models.Input, deps Deps) (*Result, error)
}

// Completer is implemented by processors that dispatch side effects. Complete
// turns the delivered result into the node's final outcome.
type Completer interface {
	Complete(ctx context.Context, node *models.Node, state *template.State, result models.TaskResult, deps Deps) (*Result, error)
}

// Returner is implemented by processors that descend into a sub-graph. Return
// maps the finished child scope back onto the parent state.
type Returner interface {
	Return(ctx context.Context, node *models.Node, state *template.State, child map[string]any, deps Deps) (*Result, error)
}

// Content returns the typed content of node or an error when it does not match T.
func Content[T models.NodeContent](node *models.Node) (T, error) {
	typed, ok := node.Content.(T)
	if !ok {
		var zero T

		return zero, &ContentTypeError{NodeID: node.ID, Type: node.Type}
	}

	return typed, nil
}

type ContentTypeError struct {
	NodeID string
	Type   models.NodeType
}

func (e *ContentTypeError) Error() string {
	return "node " + e.NodeID + " has content that does not match type " + string(e.Type)
}
