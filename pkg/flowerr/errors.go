// Package flowerr defines the error taxonomy surfaced by the flow engine.
package flowerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	KindConfiguration       Kind = "configuration"
	KindValidation          Kind = "validation"
	KindExpression          Kind = "expression"
	KindExternalCall        Kind = "external_call"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindIntegrity           Kind = "integrity"
	KindInternal            Kind = "internal"
)

var (
	ErrExpressionSyntax     = errors.New("expression syntax error")
	ErrExpressionEvaluation = errors.New("expression evaluation error")
	ErrStepBudgetExceeded   = errors.New("step budget exceeded")
	ErrSessionInactive      = errors.New("session is not active")
	ErrCircuitOpen          = errors.New("circuit breaker is open")
	ErrMissingConnection    = errors.New("no outgoing connection")
	ErrUnknownNodeType      = errors.New("unknown node type")
	ErrStateIntegrity       = errors.New("state hash mismatch")
	ErrScopeNotWritable     = errors.New("scope is not writable")
)

// Error carries the kind of failure together with the node that produced it.
type Error struct {
	Kind    Kind
	Op      string // Operation being performed (e.g., "Interact", "Deliver", "Compile")
	FlowID  string
	NodeID  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	target := ""
	if e.NodeID != "" {
		target = " at node " + e.NodeID
	}

	if e.Message != "" && e.Err != nil {
		return fmt.Sprintf("%s %s error%s: %s: %v", e.Op, e.Kind, target, e.Message, e.Err)
	}

	if e.Message != "" {
		return fmt.Sprintf("%s %s error%s: %s", e.Op, e.Kind, target, e.Message)
	}

	return fmt.Sprintf("%s %s error%s: %v", e.Op, e.Kind, target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithNode returns a copy of the error attributed to the given node.
func (e *Error) WithNode(flowID, nodeID string) *Error {
	clone := *e
	if clone.FlowID == "" {
		clone.FlowID = flowID
	}

	if clone.NodeID == "" {
		clone.NodeID = nodeID
	}

	return &clone
}

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func Configuration(op, message string, err error) *Error {
	return newError(KindConfiguration, op, message, err)
}

func Validation(op, message string, err error) *Error {
	return newError(KindValidation, op, message, err)
}

func Expression(op, message string, err error) *Error {
	return newError(KindExpression, op, message, err)
}

func ExternalCall(op, message string, err error) *Error {
	return newError(KindExternalCall, op, message, err)
}

func Conflict(op, message string, err error) *Error {
	return newError(KindConcurrencyConflict, op, message, err)
}

func Integrity(op, message string, err error) *Error {
	return newError(KindIntegrity, op, message, err)
}

func Internal(op, message string, err error) *Error {
	return newError(KindInternal, op, message, err)
}

// KindOf returns the kind of the first *Error in the chain.
// Sentinel errors without a wrapper are mapped to their natural kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var flowErr *Error
	if errors.As(err, &flowErr) {
		return flowErr.Kind
	}

	var syntaxErr *TemplateSyntaxError

	switch {
	case errors.As(err, &syntaxErr):
		return KindConfiguration
	case errors.Is(err, ErrExpressionSyntax), errors.Is(err, ErrExpressionEvaluation):
		return KindExpression
	case errors.Is(err, ErrCircuitOpen):
		return KindExternalCall
	case errors.Is(err, ErrStateIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrStepBudgetExceeded), errors.Is(err, ErrMissingConnection), errors.Is(err, ErrUnknownNodeType):
		return KindConfiguration
	default:
		return KindInternal
	}
}

func IsConfigurationError(err error) bool { return KindOf(err) == KindConfiguration }

func IsValidationError(err error) bool { return KindOf(err) == KindValidation }

func IsExpressionError(err error) bool { return KindOf(err) == KindExpression }

func IsExternalCallError(err error) bool { return KindOf(err) == KindExternalCall }

func IsConflict(err error) bool { return KindOf(err) == KindConcurrencyConflict }

func IsIntegrityError(err error) bool { return KindOf(err) == KindIntegrity }

// IsRecoverable reports whether a node-level error may be routed to a failure connection.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindExpression, KindExternalCall, KindConfiguration:
		return true
	default:
		return false
	}
}

// TemplateSyntaxError reports a malformed template reference.
type TemplateSyntaxError struct {
	Template string
	Offset   int
	Reason   string
}

func (e *TemplateSyntaxError) Error() string {
	return fmt.Sprintf("template syntax error at offset %d in %q: %s", e.Offset, e.Template, e.Reason)
}
