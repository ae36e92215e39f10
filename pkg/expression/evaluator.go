// Package expression evaluates condition predicates and aggregation expressions
// written in CEL against the layered session state.
package expression

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/template"
	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	gocache "github.com/patrickmn/go-cache"
)

const (
	defaultCostLimit  = 100_000
	programCacheTTL   = 30 * time.Minute
	programCachePurge = 10 * time.Minute
)

var ErrNotBoolean = errors.New("expression did not evaluate to a boolean")

// Evaluator compiles and runs expressions. Compiled programs are cached by
// expression text; the evaluator is safe for concurrent use.
type Evaluator struct {
	env       *celgo.Env
	programs  *gocache.Cache
	costLimit uint64
}

type EvaluatorOption func(*Evaluator)

// WithCostLimit bounds the work one evaluation may perform.
func WithCostLimit(limit uint64) EvaluatorOption {
	return func(e *Evaluator) {
		e.costLimit = limit
	}
}

func NewEvaluator(opts ...EvaluatorOption) (*Evaluator, error) {
	envOptions := []celgo.EnvOption{
		celgo.CrossTypeNumericComparisons(true),
	}

	for _, scope := range template.Scopes {
		envOptions = append(envOptions, celgo.Variable(scope, celgo.DynType))
	}

	envOptions = append(envOptions, registryFunctions()...)

	env, err := celgo.NewEnv(envOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}

	evaluator := &Evaluator{
		env:       env,
		programs:  gocache.New(programCacheTTL, programCachePurge),
		costLimit: defaultCostLimit,
	}

	for _, opt := range opts {
		opt(evaluator)
	}

	return evaluator, nil
}

// Compile parses an expression into a program. State is dynamically typed, so
// expressions are not type-checked: calls to unknown functions and type
// mismatches surface from Evaluate. Failures wrap ErrExpressionSyntax.
func (e *Evaluator) Compile(expression string) (celgo.Program, error) {
	if cached, found := e.programs.Get(expression); found {
		program, _ := cached.(celgo.Program)

		return program, nil
	}

	if expression == "" {
		return nil, fmt.Errorf("%w: expression is empty", flowerr.ErrExpressionSyntax)
	}

	ast, issues := e.env.Parse(promoteIntegerLiterals(expression))
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %q: %v", flowerr.ErrExpressionSyntax, expression, issues.Err())
	}

	program, err := e.env.Program(ast, celgo.CostLimit(e.costLimit), celgo.CustomDecorator(doubleArithmetic))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", flowerr.ErrExpressionSyntax, expression, err)
	}

	e.programs.SetDefault(expression, program)

	return program, nil
}

// Check reports whether the expression compiles.
func (e *Evaluator) Check(expression string) error {
	_, err := e.Compile(expression)

	return err
}

// Evaluate runs the expression and returns a JSON-friendly Go value. Numbers
// are returned as float64.
func (e *Evaluator) Evaluate(expression string, state *template.State) (any, error) {
	program, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := program.Eval(activation(state))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", flowerr.ErrExpressionEvaluation, expression, err)
	}

	value, err := normalizeOutput(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", flowerr.ErrExpressionEvaluation, expression, err)
	}

	return value, nil
}

// EvaluateBool runs a predicate that must yield a boolean.
func (e *Evaluator) EvaluateBool(expression string, state *template.State) (bool, error) {
	value, err := e.Evaluate(expression, state)
	if err != nil {
		return false, err
	}

	result, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %w: %q returned %T", flowerr.ErrExpressionEvaluation, ErrNotBoolean, expression, value)
	}

	return result, nil
}

// EvaluatePredicate evaluates either form of a condition.
func (e *Evaluator) EvaluatePredicate(predicate models.Predicate, state *template.State) (bool, error) {
	if predicate.Legacy != nil {
		return EvaluateLegacy(predicate.Legacy, state)
	}

	return e.EvaluateBool(predicate.Expression, state)
}

// CheckPredicate validates a predicate without evaluating it.
func (e *Evaluator) CheckPredicate(predicate models.Predicate) error {
	if predicate.Legacy != nil {
		_, err := ToCEL(predicate.Legacy)

		return err
	}

	return e.Check(predicate.Expression)
}

func activation(state *template.State) map[string]any {
	vars := state.Activation()
	for key, value := range vars {
		vars[key] = normalizeInput(value)
	}

	return vars
}

// normalizeInput converts the state tree into the shapes the expression runtime
// expects: every number becomes a float64, typed slices and maps become
// []any and map[string]any.
func normalizeInput(value any) any {
	switch v := value.(type) {
	case nil, string, bool, float64:
		return v
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = normalizeInput(item)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeInput(item)
		}

		return out
	}

	rv := reflect.ValueOf(value)

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = normalizeInput(rv.Index(i).Interface())
		}

		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return value
		}

		out := make(map[string]any, rv.Len())

		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalizeInput(iter.Value().Interface())
		}

		return out
	default:
		return value
	}
}

// normalizeOutput unwraps runtime values into plain Go values and rejects
// non-finite numbers, which only arise from division by zero or overflow.
func normalizeOutput(value any) (any, error) {
	if rv, ok := value.(ref.Val); ok {
		if _, isNull := rv.(types.Null); isNull {
			return nil, nil
		}

		return normalizeOutput(rv.Value())
	}

	switch v := value.(type) {
	case nil, string, bool:
		return v, nil
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, errors.New("result is not a finite number")
		}

		return v, nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	}

	rv := reflect.ValueOf(value)

	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]any, rv.Len())

		iter := rv.MapRange()
		for iter.Next() {
			key, err := normalizeOutput(iter.Key().Interface())
			if err != nil {
				return nil, err
			}

			item, err := normalizeOutput(iter.Value().Interface())
			if err != nil {
				return nil, err
			}

			out[fmt.Sprint(key)] = item
		}

		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())

		for i := range rv.Len() {
			item, err := normalizeOutput(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}

			out[i] = item
		}

		return out, nil
	default:
		return value, nil
	}
}
