package expression

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/template"
)

// Legacy condition operators, in the order they are checked.
var comparisonOperators = []string{"eq", "ne", "gt", "gte", "lt", "lte", "in", "contains", "exists"}

var (
	ErrMissingVariable = errors.New("variable is not set")
	ErrNotComparable   = errors.New("values are not comparable")

	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	indexPattern      = regexp.MustCompile(`^[0-9]+$`)
)

// Words the expression parser reserves; such keys are addressed with ["key"].
var reservedWords = map[string]bool{
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"for": true, "function": true, "if": true, "import": true, "let": true,
	"loop": true, "package": true, "namespace": true, "return": true,
	"var": true, "void": true, "while": true, "in": true, "true": true,
	"false": true, "null": true,
}

// EvaluateLegacy evaluates a JSON condition tree. It yields the same result as
// evaluating ToCEL(condition), including which inputs are errors: a missing
// variable is an error for every operator except exists.
func EvaluateLegacy(condition map[string]any, state *template.State) (bool, error) {
	result, err := evaluateLegacy(condition, state)
	if err != nil {
		if errors.Is(err, flowerr.ErrExpressionSyntax) {
			return false, err
		}

		return false, fmt.Errorf("%w: %w", flowerr.ErrExpressionEvaluation, err)
	}

	return result, nil
}

func evaluateLegacy(condition map[string]any, state *template.State) (bool, error) {
	if branches, ok := condition["and"]; ok {
		return evaluateJunction(branches, state, false)
	}

	if branches, ok := condition["or"]; ok {
		return evaluateJunction(branches, state, true)
	}

	if inner, ok := condition["not"]; ok {
		nested, isMap := inner.(map[string]any)
		if !isMap {
			return false, fmt.Errorf("%w: not expects a condition object", flowerr.ErrExpressionSyntax)
		}

		result, err := evaluateLegacy(nested, state)
		if err != nil {
			return false, err
		}

		return !result, nil
	}

	path, operator, operand, err := comparison(condition)
	if err != nil {
		return false, err
	}

	value, found := state.Lookup(path)
	value = normalizeInput(value)

	if operator == "exists" {
		want, _ := operand.(bool)

		return (found && value != nil) == want, nil
	}

	if !found {
		return false, fmt.Errorf("%w: %s", ErrMissingVariable, path)
	}

	operand = normalizeInput(operand)

	switch operator {
	case "eq":
		return valuesEqual(value, operand), nil
	case "ne":
		return !valuesEqual(value, operand), nil
	case "gt", "gte", "lt", "lte":
		order, err := compareValues(value, operand)
		if err != nil {
			return false, err
		}

		switch operator {
		case "gt":
			return order > 0, nil
		case "gte":
			return order >= 0, nil
		case "lt":
			return order < 0, nil
		default:
			return order <= 0, nil
		}
	case "in":
		return contains(operand, value)
	default:
		return contains(value, operand)
	}
}

// evaluateJunction mirrors the expression language's logical operators: a
// deciding branch wins over errors raised by other branches.
func evaluateJunction(raw any, state *template.State, deciding bool) (bool, error) {
	branches, ok := raw.([]any)
	if !ok {
		return false, fmt.Errorf("%w: and/or expect a list of conditions", flowerr.ErrExpressionSyntax)
	}

	var firstErr error

	for _, branch := range branches {
		nested, isMap := branch.(map[string]any)
		if !isMap {
			return false, fmt.Errorf("%w: and/or entries must be condition objects", flowerr.ErrExpressionSyntax)
		}

		result, err := evaluateLegacy(nested, state)
		if err != nil {
			if errors.Is(err, flowerr.ErrExpressionSyntax) {
				return false, err
			}

			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		if result == deciding {
			return deciding, nil
		}
	}

	if firstErr != nil {
		return false, firstErr
	}

	return !deciding, nil
}

func comparison(condition map[string]any) (string, string, any, error) {
	rawPath, ok := condition["var"]
	if !ok {
		return "", "", nil, fmt.Errorf("%w: condition needs and, or, not or var", flowerr.ErrExpressionSyntax)
	}

	path, ok := rawPath.(string)
	if !ok || strings.TrimSpace(path) == "" {
		return "", "", nil, fmt.Errorf("%w: var must be a non-empty string", flowerr.ErrExpressionSyntax)
	}

	for _, operator := range comparisonOperators {
		operand, present := condition[operator]
		if !present {
			continue
		}

		if operator == "exists" {
			if _, isBool := operand.(bool); !isBool {
				return "", "", nil, fmt.Errorf("%w: exists expects a boolean", flowerr.ErrExpressionSyntax)
			}
		}

		return template.QualifyPath(path), operator, operand, nil
	}

	return "", "", nil, fmt.Errorf("%w: var %q has no comparison operator", flowerr.ErrExpressionSyntax, path)
}

// valuesEqual compares numbers by value and containers element-wise; values of
// different kinds are unequal.
func valuesEqual(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case float64:
		y, ok := b.(float64)

		return ok && x == y
	case string:
		y, ok := b.(string)

		return ok && x == y
	case bool:
		y, ok := b.(bool)

		return ok && x == y
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}

		for i := range x {
			if !valuesEqual(x[i], y[i]) {
				return false
			}
		}

		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}

		for key, item := range x {
			other, found := y[key]
			if !found || !valuesEqual(item, other) {
				return false
			}
		}

		return true
	default:
		return false
	}
}

// compareValues orders numbers, strings and booleans. Anything else, or two
// values of different kinds, cannot be ordered.
func compareValues(a, b any) (int, error) {
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1, nil
			case x > y:
				return 1, nil
			default:
				return 0, nil
			}
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), nil
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, nil
			case !x:
				return -1, nil
			default:
				return 1, nil
			}
		}
	}

	return 0, fmt.Errorf("%w: %T and %T", ErrNotComparable, a, b)
}

// contains implements includes(container, item).
func contains(container, item any) (bool, error) {
	switch c := container.(type) {
	case nil:
		return false, nil
	case string:
		needle, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("%w: string and %T", ErrNotComparable, item)
		}

		return strings.Contains(c, needle), nil
	case []any:
		for _, element := range c {
			if valuesEqual(element, item) {
				return true, nil
			}
		}

		return false, nil
	case map[string]any:
		key, ok := item.(string)
		if !ok {
			return false, nil
		}

		_, found := c[key]

		return found, nil
	default:
		return false, fmt.Errorf("%w: cannot search %T", ErrNotComparable, container)
	}
}

// ToCEL renders a legacy condition as an equivalent expression.
func ToCEL(condition map[string]any) (string, error) {
	if branches, ok := condition["and"]; ok {
		return junctionToCEL(branches, " && ", "true")
	}

	if branches, ok := condition["or"]; ok {
		return junctionToCEL(branches, " || ", "false")
	}

	if inner, ok := condition["not"]; ok {
		nested, isMap := inner.(map[string]any)
		if !isMap {
			return "", fmt.Errorf("%w: not expects a condition object", flowerr.ErrExpressionSyntax)
		}

		rendered, err := ToCEL(nested)
		if err != nil {
			return "", err
		}

		return "!(" + rendered + ")", nil
	}

	path, operator, operand, err := comparison(condition)
	if err != nil {
		return "", err
	}

	if operator == "exists" {
		rendered, err := existsToCEL(path)
		if err != nil {
			return "", err
		}

		if want, _ := operand.(bool); !want {
			return "!(" + rendered + ")", nil
		}

		return rendered, nil
	}

	subject, err := pathToCEL(path)
	if err != nil {
		return "", err
	}

	literal, err := literalToCEL(normalizeInput(operand))
	if err != nil {
		return "", err
	}

	switch operator {
	case "eq":
		return subject + " == " + literal, nil
	case "ne":
		return subject + " != " + literal, nil
	case "gt":
		return subject + " > " + literal, nil
	case "gte":
		return subject + " >= " + literal, nil
	case "lt":
		return subject + " < " + literal, nil
	case "lte":
		return subject + " <= " + literal, nil
	case "in":
		return "includes(" + literal + ", " + subject + ")", nil
	default:
		return "includes(" + subject + ", " + literal + ")", nil
	}
}

func junctionToCEL(raw any, operator, empty string) (string, error) {
	branches, ok := raw.([]any)
	if !ok {
		return "", fmt.Errorf("%w: and/or expect a list of conditions", flowerr.ErrExpressionSyntax)
	}

	if len(branches) == 0 {
		return empty, nil
	}

	parts := make([]string, 0, len(branches))

	for _, branch := range branches {
		nested, isMap := branch.(map[string]any)
		if !isMap {
			return "", fmt.Errorf("%w: and/or entries must be condition objects", flowerr.ErrExpressionSyntax)
		}

		rendered, err := ToCEL(nested)
		if err != nil {
			return "", err
		}

		parts = append(parts, "("+rendered+")")
	}

	return strings.Join(parts, operator), nil
}

// existsToCEL guards every step of the path so that a missing or mistyped
// intermediate value yields false rather than an error.
func existsToCEL(path string) (string, error) {
	segments := template.SplitPath(path)
	if len(segments) < 2 {
		return "", fmt.Errorf("%w: %q must name a scope and a variable", flowerr.ErrExpressionSyntax, path)
	}

	prefix, err := pathToCEL(segments[0])
	if err != nil {
		return "", err
	}

	var guards []string

	for _, segment := range segments[1:] {
		if indexPattern.MatchString(segment) {
			guards = append(guards, fmt.Sprintf("type(%s) == list && size(%s) > %s", prefix, prefix, segment))
			prefix += "[" + segment + "]"

			continue
		}

		guards = append(guards, fmt.Sprintf("type(%s) == map && %s in %s", prefix, strconv.Quote(segment), prefix))
		prefix += fieldAccess(segment)
	}

	guards = append(guards, prefix+" != null")

	return strings.Join(guards, " && "), nil
}

func pathToCEL(path string) (string, error) {
	segments := template.SplitPath(path)
	if len(segments) == 0 || !identifierPattern.MatchString(segments[0]) || reservedWords[segments[0]] {
		return "", fmt.Errorf("%w: invalid variable path %q", flowerr.ErrExpressionSyntax, path)
	}

	var builder strings.Builder

	builder.WriteString(segments[0])

	for _, segment := range segments[1:] {
		if indexPattern.MatchString(segment) {
			builder.WriteString("[" + segment + "]")

			continue
		}

		builder.WriteString(fieldAccess(segment))
	}

	return builder.String(), nil
}

func fieldAccess(segment string) string {
	if identifierPattern.MatchString(segment) && !reservedWords[segment] {
		return "." + segment
	}

	return "[" + strconv.Quote(segment) + "]"
}

func literalToCEL(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "null", nil
	case bool:
		return strconv.FormatBool(v), nil
	case string:
		return strconv.Quote(v), nil
	case float64:
		rendered := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(rendered, ".eEnN") {
			rendered += ".0"
		}

		return rendered, nil
	case []any:
		parts := make([]string, 0, len(v))

		for _, item := range v {
			rendered, err := literalToCEL(item)
			if err != nil {
				return "", err
			}

			parts = append(parts, rendered)
		}

		return "[" + strings.Join(parts, ", ") + "]", nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		parts := make([]string, 0, len(keys))

		for _, key := range keys {
			rendered, err := literalToCEL(v[key])
			if err != nil {
				return "", err
			}

			parts = append(parts, strconv.Quote(key)+": "+rendered)
		}

		return "{" + strings.Join(parts, ", ") + "}", nil
	default:
		return "", fmt.Errorf("%w: unsupported literal %T", flowerr.ErrExpressionSyntax, value)
	}
}

// LegacyAggregate renders the source/field/operation form of an aggregate
// action as an expression.
func LegacyAggregate(source, field, operation, strategy string) (string, error) {
	subject, err := pathToCEL(template.QualifyPath(source))
	if err != nil {
		return "", err
	}

	if operation == "" {
		operation = "sum"
	}

	quotedField := ""
	if field != "" {
		quotedField = ", " + strconv.Quote(field)
	}

	switch operation {
	case "sum", "avg", "max", "min", "count":
		return operation + "(" + subject + quotedField + ")", nil
	}

	if field != "" {
		subject += ".map(x, x" + fieldAccess(field) + ")"
	}

	switch operation {
	case "merge":
		switch strategy {
		case "", "sum":
			return "merge(" + subject + ")", nil
		case "max":
			return "merge_max(" + subject + ")", nil
		case "last":
			return "merge_last(" + subject + ")", nil
		default:
			return "", fmt.Errorf("%w: unknown merge strategy %q", flowerr.ErrExpressionSyntax, strategy)
		}
	case "collect":
		return "flatten(" + subject + ")", nil
	default:
		return "", fmt.Errorf("%w: unknown aggregate operation %q", flowerr.ErrExpressionSyntax, operation)
	}
}
