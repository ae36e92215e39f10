package expression

import (
	"math"

	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/overloads"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter"
)

// doubleArithmetic keeps integer-producing builtins usable next to promoted
// literals: size() yields a double and the modulo operator accepts doubles.
func doubleArithmetic(i interpreter.Interpretable) (interpreter.Interpretable, error) {
	call, ok := i.(interpreter.InterpretableCall)
	if !ok {
		return i, nil
	}

	switch call.Function() {
	case overloads.Size:
		return &doubleSize{InterpretableCall: call}, nil
	case operators.Modulo:
		if len(call.Args()) == 2 {
			return &doubleModulo{InterpretableCall: call}, nil
		}
	}

	return i, nil
}

type doubleSize struct {
	interpreter.InterpretableCall
}

func (s *doubleSize) Eval(activation interpreter.Activation) ref.Val {
	val := s.InterpretableCall.Eval(activation)
	if size, ok := val.(types.Int); ok {
		return types.Double(size)
	}

	return val
}

type doubleModulo struct {
	interpreter.InterpretableCall
}

func (m *doubleModulo) Eval(activation interpreter.Activation) ref.Val {
	args := m.Args()

	lhs, lok := asFloat(args[0].Eval(activation))
	rhs, rok := asFloat(args[1].Eval(activation))

	if !lok || !rok {
		return m.InterpretableCall.Eval(activation)
	}

	if rhs == 0 {
		return types.NewErr("modulus by zero")
	}

	return types.Double(math.Mod(lhs, rhs))
}

// asFloat returns a numeric value as a float64.
func asFloat(val ref.Val) (float64, bool) {
	switch v := val.(type) {
	case types.Double:
		return float64(v), true
	case types.Int:
		return float64(v), true
	default:
		return 0, false
	}
}
