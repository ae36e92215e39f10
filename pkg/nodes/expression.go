package nodes

import (
	"sync"

	"github.com/dukex/chatflow/pkg/expression"
	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/protocol"
)

var defaultEvaluator = sync.OnceValues(func() (*expression.Evaluator, error) {
	return expression.NewEvaluator()
})

// Evaluator returns the configured evaluator or a shared default one.
func Evaluator(deps protocol.Deps) (*expression.Evaluator, error) {
	if deps.Evaluator != nil {
		return deps.Evaluator, nil
	}

	evaluator, err := defaultEvaluator()
	if err != nil {
		return nil, flowerr.Internal("Evaluator", "expression environment", err)
	}

	return evaluator, nil
}
